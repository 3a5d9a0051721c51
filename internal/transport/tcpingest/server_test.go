package tcpingest

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kk-code-lab/ff3/internal/blob"
	"github.com/kk-code-lab/ff3/internal/config"
	"github.com/kk-code-lab/ff3/internal/ingest"
	"github.com/kk-code-lab/ff3/internal/job"
	"github.com/kk-code-lab/ff3/internal/logging"
	"github.com/kk-code-lab/ff3/internal/storage/fs"
	"github.com/kk-code-lab/ff3/internal/storage/spool"
	"github.com/kk-code-lab/ff3/internal/workpool"
)

func startServer(t *testing.T, secret string) (string, *ingest.Ingestor) {
	t.Helper()
	ing, err := ingest.New(ingest.Options{
		Layout:    fs.NewLayout(t.TempDir()),
		Builder:   job.NewBuilder(job.Options{WindowSize: 64}),
		Blob:      blob.Descriptor{Size: 4096, Seed: 2},
		StoreMode: config.StoreWindowed,
		Logger:    logging.Discard(),
	})
	require.NoError(t, err)
	pool := workpool.New(2)
	srv, err := New(Options{Ingestor: ing, Pool: pool, Secret: secret, MaxBytes: 1 << 20, Timeout: 5 * time.Second, Logger: logging.Discard()})
	require.NoError(t, err)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		pool.Close()
	})
	return ln.Addr().String(), ing
}

func rawExchange(t *testing.T, addr string, header any, body []byte) string {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	var line []byte
	switch h := header.(type) {
	case string:
		line = []byte(h)
	default:
		line, err = json.Marshal(h)
		require.NoError(t, err)
	}
	_, err = conn.Write(append(line, '\n'))
	require.NoError(t, err)
	_, err = conn.Write(body)
	require.NoError(t, err)
	_ = conn.(*net.TCPConn).CloseWrite()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	reply, _ := bufio.NewReader(conn).ReadString('\n')
	return strings.TrimSpace(reply)
}

func TestUploadQueuesJob(t *testing.T) {
	addr, ing := startServer(t, "")
	body := bytes.Repeat([]byte("0123456789"), 20)
	err := Upload(context.Background(), addr, Header{User: "alice/extra", VirtualPath: "/docs/a.txt", Size: int64(len(body))}, bytes.NewReader(body), 5*time.Second)
	require.NoError(t, err)

	entries, err := spool.List(ing.Layout().Spool)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	j, err := spool.Load(entries[0])
	require.NoError(t, err)
	require.Equal(t, "alice%2fdocs%2fa.txt", j.ObjectName)
	require.Equal(t, int64(len(body)), j.ObjectSize)
	_, err = os.Stat(filepath.Join(ing.Layout().Inbox, "alice%2fdocs%2fa.txt.ff3job"))
	require.NoError(t, err)
}

func TestUploadSameTargetBumpsSuffix(t *testing.T) {
	addr, ing := startServer(t, "")
	for i := 0; i < 2; i++ {
		require.NoError(t, Upload(context.Background(), addr, Header{Name: "a.txt", Size: 3}, strings.NewReader("abc"), 5*time.Second))
	}
	_, err := os.Stat(filepath.Join(ing.Layout().Inbox, "user%2fa-1.txt.ff3job"))
	require.NoError(t, err)
}

func TestReplies(t *testing.T) {
	addr, ing := startServer(t, "s3cret")
	cases := []struct {
		name   string
		header any
		body   []byte
		want   string
	}{
		{name: "invalid-json", header: "{nope", want: ReplyInvalidHeader},
		{name: "unauthorized", header: Header{Name: "a", Size: 1, Secret: "wrong"}, want: ReplyUnauthorized},
		{name: "no-path", header: Header{Size: 1, Secret: "s3cret"}, want: ReplyBadRequest},
		{name: "zero-size", header: Header{Name: "a", Secret: "s3cret"}, want: ReplyBadRequest},
		{name: "too-large", header: Header{Name: "a", Size: 2 << 20, Secret: "s3cret"}, want: ReplyTooLarge},
		{name: "incomplete", header: Header{Name: "short.bin", Size: 100, Secret: "s3cret"}, body: []byte("only ten b"), want: ReplyIncomplete},
		{name: "ok", header: Header{Name: "fine.bin", Size: 4, Secret: "s3cret"}, body: []byte("good"), want: ReplyOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, rawExchange(t, addr, tc.header, tc.body))
		})
	}
	_, err := os.Stat(filepath.Join(ing.Layout().Inbox, "user%2fshort.bin"))
	require.True(t, os.IsNotExist(err), "partial upload must be removed")
}

func TestHeaderTarget(t *testing.T) {
	require.Equal(t, "user%2fa.txt", Header{Name: "a.txt"}.Target())
	require.Equal(t, "bob%2fx%2fy", Header{User: "bob", VirtualPath: "x/y", Name: "ignored"}.Target())
	require.Equal(t, "", Header{User: "bob"}.Target())
}
