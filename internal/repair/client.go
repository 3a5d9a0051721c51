package repair

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/kk-code-lab/ff3/internal/storage/patch"
)

// ReplyTimeout bounds the wait for the server's reply after the sentinel.
const ReplyTimeout = 5 * time.Second

// ErrRejected wraps a non-OK reply.
var ErrRejected = errors.New("repair: rejected")

// Result counts what a repair stream carried.
type Result struct {
	Frames int
	Bytes  int64
}

// SendRepairs streams the given windows of source to the repair server at
// addr. Windows past the end of source are skipped.
func SendRepairs(ctx context.Context, addr, source string, h Header, windows []int) (Result, error) {
	var res Result
	if h.WS <= 0 {
		return res, errors.New("repair: window size must be positive")
	}
	src, err := os.Open(source)
	if err != nil {
		return res, err
	}
	defer src.Close()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return res, err
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	bw := bufio.NewWriter(conn)
	line, err := json.Marshal(h)
	if err != nil {
		return res, err
	}
	if _, err := bw.Write(append(line, '\n')); err != nil {
		return res, err
	}
	buf := make([]byte, h.WS)
	for _, idx := range windows {
		if idx < 0 {
			continue
		}
		n, err := src.ReadAt(buf, int64(idx)*int64(h.WS))
		if err != nil && !errors.Is(err, io.EOF) {
			return res, err
		}
		if n == 0 {
			continue
		}
		if err := patch.EncodeFrame(bw, uint32(idx), buf[:n]); err != nil {
			return res, err
		}
		res.Frames++
		res.Bytes += int64(n)
	}
	if err := patch.EncodeSentinel(bw); err != nil {
		return res, err
	}
	if err := bw.Flush(); err != nil {
		return res, err
	}

	_ = conn.SetReadDeadline(time.Now().Add(ReplyTimeout))
	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && reply == "" {
		return res, err
	}
	if r := strings.TrimSpace(reply); !strings.HasPrefix(strings.ToUpper(r), ReplyOK) {
		return res, fmt.Errorf("%w: %q", ErrRejected, r)
	}
	return res, nil
}
