package udpx

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/time/rate"

	"github.com/kk-code-lab/ff3/internal/transport/chunkframe"
	"github.com/kk-code-lab/ff3/internal/transport/ndjson"
)

const (
	// DefaultChunkBytes keeps a base64 chunk frame under MaxDatagram.
	DefaultChunkBytes = 32 << 10
	DefaultRate       = 200
	DefaultTimeout    = 5 * time.Second
)

// ErrRejected wraps a non-OK reply.
var ErrRejected = errors.New("udpx: session rejected")

// ErrNoReply reports that no reply arrived before the timeout.
var ErrNoReply = errors.New("udpx: no reply")

// SendOptions tunes a send.
type SendOptions struct {
	ChunkBytes int
	// Rate is the datagram rate limit per second.
	Rate    float64
	Timeout time.Duration
}

func (o SendOptions) withDefaults() SendOptions {
	if o.ChunkBytes <= 0 {
		o.ChunkBytes = DefaultChunkBytes
	}
	if o.Rate <= 0 {
		o.Rate = DefaultRate
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	return o
}

// Send delivers payload as one session, chunk-framing it when it exceeds
// the chunk size, and waits for the reply.
func Send(ctx context.Context, addr string, payload []byte, opts SendOptions) error {
	opts = opts.withDefaults()
	frames, err := chunkframe.Encode(payload, opts.ChunkBytes)
	if err != nil {
		return err
	}
	for _, f := range frames {
		if len(f) > MaxDatagram {
			return fmt.Errorf("udpx: frame of %d bytes exceeds datagram limit", len(f))
		}
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	limiter := rate.NewLimiter(rate.Limit(opts.Rate), 1)
	for _, f := range frames {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		if _, err := conn.Write(f); err != nil {
			return err
		}
	}

	if err := conn.SetReadDeadline(time.Now().Add(opts.Timeout)); err != nil {
		return err
	}
	buf := make([]byte, 4<<10)
	n, err := conn.Read(buf)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return ErrNoReply
		}
		return err
	}
	if ok, reason := ndjson.ParseReply(string(buf[:n])); !ok {
		return fmt.Errorf("%w: %s", ErrRejected, reason)
	}
	return nil
}

// SendMessages renders msgs and sends them as one session.
func SendMessages(ctx context.Context, addr string, msgs []ndjson.Message, opts SendOptions) error {
	payload, err := ndjson.Marshal(msgs)
	if err != nil {
		return err
	}
	return Send(ctx, addr, payload, opts)
}
