package quicx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/kk-code-lab/ff3/internal/transport/ndjson"
)

// ErrRejected wraps a non-OK reply from the receiver.
var ErrRejected = errors.New("quicx: session rejected")

const maxReply = 4 << 10

// Send delivers one NDJSON session on a fresh stream and waits for the
// reply.
func Send(ctx context.Context, addr string, payload []byte, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := quic.DialAddr(ctx, addr, ClientTLS(), &quic.Config{MaxIdleTimeout: timeout})
	if err != nil {
		return err
	}
	defer conn.CloseWithError(0, "")

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = stream.SetDeadline(deadline)
	}
	if _, err := stream.Write(payload); err != nil {
		return err
	}
	if err := stream.Close(); err != nil {
		return err
	}
	reply, err := io.ReadAll(io.LimitReader(stream, maxReply))
	if err != nil {
		return err
	}
	if ok, reason := ndjson.ParseReply(string(reply)); !ok {
		return fmt.Errorf("%w: %s", ErrRejected, reason)
	}
	return nil
}

// SendMessages renders msgs and sends them as one session.
func SendMessages(ctx context.Context, addr string, msgs []ndjson.Message, timeout time.Duration) error {
	payload, err := ndjson.Marshal(msgs)
	if err != nil {
		return err
	}
	return Send(ctx, addr, payload, timeout)
}
