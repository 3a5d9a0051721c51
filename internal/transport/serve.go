// Package transport holds the pieces shared by the stream servers.
package transport

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/kk-code-lab/ff3/internal/clock"
)

const (
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)

// Handler serves one accepted connection. The connection is closed after
// the handler returns.
type Handler func(ctx context.Context, conn net.Conn)

// Serve accepts connections on ln until ctx is cancelled, running each
// handler on its own goroutine. It waits for active handlers before
// returning. Accept errors other than a closed listener back off from 5ms
// doubling up to 1s, resetting after the next successful accept.
func Serve(ctx context.Context, ln net.Listener, log *slog.Logger, h Handler) error {
	return serve(ctx, ln, log, clock.RealClock{}, h)
}

func serve(ctx context.Context, ln net.Listener, log *slog.Logger, clk clock.Clock, h Handler) error {
	var active sync.WaitGroup
	var backoff time.Duration
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = ln.Close()
		case <-stop:
		}
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			if backoff == 0 {
				backoff = minAcceptBackoff
			} else if backoff *= 2; backoff > maxAcceptBackoff {
				backoff = maxAcceptBackoff
			}
			log.Error("accept failed", "err", err, "retry_in", backoff)
			if clk.Sleep(ctx, backoff) != nil {
				break
			}
			continue
		}
		backoff = 0
		active.Add(1)
		go func() {
			defer active.Done()
			defer conn.Close()
			h(ctx, conn)
		}()
	}
	active.Wait()
	return nil
}

// Listen opens a TCP listener on addr and serves it with h.
func Listen(ctx context.Context, addr string, log *slog.Logger, h Handler) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	log.Info("listening", "addr", ln.Addr().String())
	return Serve(ctx, ln, log, h)
}
