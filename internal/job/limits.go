package job

import (
	"errors"
	"fmt"
)

// MaxWindowSize is the largest window_size any job may declare.
const MaxWindowSize = 16 << 20

var (
	ErrWindowTooLarge = errors.New("job: window_size exceeds limit")
	ErrObjectTooLarge = errors.New("job: object_size exceeds limit")
)

// Limits bounds the sizes a job received from a peer may declare. A zero
// MaxWindowSize means MaxWindowSize; a zero MaxObjectSize means no object
// bound.
type Limits struct {
	MaxWindowSize int
	MaxObjectSize int64
}

// Check rejects j when its declared sizes exceed l. It runs before any
// window is decoded, so a small payload cannot force large allocations.
func (l Limits) Check(j *TransferJob) error {
	maxWS := l.MaxWindowSize
	if maxWS <= 0 || maxWS > MaxWindowSize {
		maxWS = MaxWindowSize
	}
	switch {
	case j.WindowSize <= 0:
		return ErrWindowSize
	case j.WindowSize > maxWS:
		return fmt.Errorf("%w: %d > %d", ErrWindowTooLarge, j.WindowSize, maxWS)
	case j.ObjectSize < 0:
		return ErrObjectSize
	case l.MaxObjectSize > 0 && j.ObjectSize > l.MaxObjectSize:
		return fmt.Errorf("%w: %d > %d", ErrObjectTooLarge, j.ObjectSize, l.MaxObjectSize)
	}
	return nil
}

func checkWindowSize(ws int) error {
	if ws <= 0 {
		return ErrWindowSize
	}
	if ws > MaxWindowSize {
		return fmt.Errorf("%w: %d", ErrWindowTooLarge, ws)
	}
	return nil
}
