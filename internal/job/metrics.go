package job

import "github.com/kk-code-lab/ff3/internal/codec"

// Metrics summarizes how well a job compresses its object.
type Metrics struct {
	ObjectBytes        int64   `json:"object_bytes"`
	WireBytes          int64   `json:"wire_bytes"`
	CompressionRatio   float64 `json:"compression_ratio"`
	WindowCount        int     `json:"window_count"`
	EncodedProtoBytes  int64   `json:"encoded_proto_bytes"`
	B64OverheadBytes   int64   `json:"b64_overhead_bytes"`
	AvgWindowWireBytes float64 `json:"avg_window_wire_bytes"`
	WindowsWithProto   int     `json:"windows_with_proto"`
	Expanded           bool    `json:"expanded"`
}

// ComputeMetrics counts proto bytes across windows. Wire bytes are the
// decoded proto lengths; a proto that fails to decode counts as zero.
func ComputeMetrics(j *TransferJob) Metrics {
	m := Metrics{ObjectBytes: j.ObjectSize, WindowCount: j.TotalWindows}
	if m.WindowCount == 0 {
		m.WindowCount = len(j.Windows)
	}
	for _, w := range j.Windows {
		if w.Proto == "" {
			continue
		}
		m.WindowsWithProto++
		m.EncodedProtoBytes += int64(len(w.Proto))
		if raw, err := codec.DecodeBase64(w.Proto); err == nil {
			m.WireBytes += int64(len(raw))
		}
	}
	m.CompressionRatio = 1.0
	if m.WireBytes > 0 && m.ObjectBytes > 0 {
		m.CompressionRatio = float64(m.ObjectBytes) / float64(m.WireBytes)
	}
	if d := m.EncodedProtoBytes - m.WireBytes; d > 0 {
		m.B64OverheadBytes = d
	}
	if m.WindowCount > 0 {
		m.AvgWindowWireBytes = float64(m.WireBytes) / float64(m.WindowCount)
	}
	m.Expanded = m.WireBytes > 0 && m.ObjectBytes > 0 && m.CompressionRatio <= 1.0
	return m
}
