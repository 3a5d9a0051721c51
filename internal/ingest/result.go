package ingest

import "github.com/kk-code-lab/ff3/internal/job"

// UploadResult describes a stored upload and its job.
type UploadResult struct {
	Filename     string
	BytesWritten int64
	// StoredPath is the original file, or the manifest when the original
	// was dropped.
	StoredPath   string
	JobPath      string
	ManifestPath string
	Job          *job.TransferJob
}

// Summary is the JSON shape reported to upload clients.
type Summary struct {
	Filename           string     `json:"filename"`
	BytesWritten       int64      `json:"bytes_written"`
	StoredPath         string     `json:"stored_path"`
	Job                JobSummary `json:"job"`
	OriginalSize       int64      `json:"original_size"`
	CompressedSize     int64      `json:"compressed_size"`
	CompressionRatio   float64    `json:"compression_ratio"`
	CompressionPercent string     `json:"compression_percent"`
	Queued             bool       `json:"queued"`
	BrefPath           *string    `json:"bref_path"`
}

// JobSummary is the job part of Summary.
type JobSummary struct {
	ObjectName   string  `json:"object_name"`
	ObjectSize   int64   `json:"object_size"`
	TotalWindows int     `json:"total_windows"`
	WindowSize   int     `json:"window_size"`
	SHA256       string  `json:"sha256"`
	SpoolPath    *string `json:"spool_path"`
}

// Summary returns the client-facing summary of r.
func (r *UploadResult) Summary() Summary {
	s := Summary{
		Filename:     r.Filename,
		BytesWritten: r.BytesWritten,
		StoredPath:   r.StoredPath,
		Job: JobSummary{
			ObjectName:   r.Job.ObjectName,
			ObjectSize:   r.Job.ObjectSize,
			TotalWindows: r.Job.TotalWindows,
			WindowSize:   r.Job.WindowSize,
			SHA256:       r.Job.SHA256,
			SpoolPath:    optional(r.JobPath),
		},
		OriginalSize:       r.Job.ObjectSize,
		CompressedSize:     r.Job.ObjectSize,
		CompressionRatio:   1.0,
		CompressionPercent: "0%",
		Queued:             r.JobPath != "",
		BrefPath:           optional(r.ManifestPath),
	}
	return s
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
