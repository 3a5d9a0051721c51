// Package tcpjob moves whole jobs over TCP: a 4-byte big-endian length,
// the job JSON, then a 2-byte "OK" acknowledgement.
package tcpjob

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/kk-code-lab/ff3/internal/job"
)

const (
	// MaxJobBytes bounds the payload a receiver accepts.
	MaxJobBytes    = 256 << 20
	DefaultTimeout = 30 * time.Second
	lengthBytes    = 4
)

var ack = []byte("OK")

var (
	ErrJobSize = errors.New("tcpjob: invalid job size")
	ErrBadAck  = errors.New("tcpjob: unexpected acknowledgement")
)

// SendJob dials addr, writes j and waits for the acknowledgement. Any
// failure leaves no partial success: the caller retries the whole job.
func SendJob(ctx context.Context, addr string, j *job.TransferJob, timeout time.Duration) error {
	payload, err := job.Marshal(j)
	if err != nil {
		return err
	}
	return SendPayload(ctx, addr, payload, timeout)
}

// SendPayload sends already encoded job JSON.
func SendPayload(ctx context.Context, addr string, payload []byte, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("tcpjob: dial %s: %w", addr, err)
	}
	defer conn.Close()
	deadline := time.Now().Add(timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = conn.SetDeadline(deadline)

	if err := WriteFrame(conn, payload); err != nil {
		return fmt.Errorf("tcpjob: send: %w", err)
	}
	got := make([]byte, len(ack))
	if _, err := io.ReadFull(conn, got); err != nil {
		return fmt.Errorf("tcpjob: read ack: %w", err)
	}
	if string(got) != string(ack) {
		return fmt.Errorf("%w: %q", ErrBadAck, got)
	}
	return nil
}

// WriteFrame writes the length prefix and payload.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) == 0 || len(payload) > MaxJobBytes {
		return fmt.Errorf("%w: %d", ErrJobSize, len(payload))
	}
	buf := make([]byte, lengthBytes, lengthBytes+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	_, err := w.Write(append(buf, payload...))
	return err
}

// ReadFrame reads one length-prefixed payload, rejecting sizes outside
// (0, MaxJobBytes].
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [lengthBytes]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(hdr[:])
	if size == 0 || size > MaxJobBytes {
		return nil, fmt.Errorf("%w: %d", ErrJobSize, size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// ReadJob reads and decodes one job.
func ReadJob(r io.Reader) (*job.TransferJob, error) {
	payload, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	return job.DecodeRelaxed(payload)
}

// WriteAck acknowledges a received job.
func WriteAck(w io.Writer) error {
	_, err := w.Write(ack)
	return err
}
