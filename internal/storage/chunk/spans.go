package chunk

// Span describes a byte range within an object.
type Span struct {
	Offset int64
	Len    int64
}

// End returns the exclusive end offset.
func (s Span) End() int64 { return s.Offset + s.Len }

// WindowCount returns ceil(size/windowSize), or 1 for an empty object.
func WindowCount(size int64, windowSize int) int {
	if windowSize <= 0 || size <= 0 {
		return 1
	}
	return int((size + int64(windowSize) - 1) / int64(windowSize))
}

// WindowSpan returns the byte range of window idx. Every window is
// windowSize long except the last, which ends at size.
func WindowSpan(idx int, windowSize int, size int64) Span {
	if windowSize <= 0 || idx < 0 {
		return Span{}
	}
	off := int64(idx) * int64(windowSize)
	if off >= size {
		return Span{Offset: off}
	}
	n := int64(windowSize)
	if off+n > size {
		n = size - off
	}
	return Span{Offset: off, Len: n}
}
