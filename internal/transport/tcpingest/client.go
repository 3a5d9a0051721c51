package tcpingest

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strings"
	"time"
)

// Upload streams size bytes from r to the server at addr and returns
// nil once the server replies OK.
func Upload(ctx context.Context, addr string, h Header, r io.Reader, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("tcpingest: dial %s: %w", addr, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(timeout))

	line, err := json.Marshal(h)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(conn)
	if _, err := w.Write(append(line, '\n')); err != nil {
		return err
	}
	if _, err := io.CopyN(w, r, h.Size); err != nil {
		return fmt.Errorf("tcpingest: send body: %w", err)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && reply == "" {
		return fmt.Errorf("tcpingest: read reply: %w", err)
	}
	reply = strings.TrimSpace(reply)
	if reply != ReplyOK {
		return fmt.Errorf("tcpingest: server replied %q", reply)
	}
	return nil
}
