package quicx

import (
	"context"
	"encoding/base64"
	"net"
	"os"
	"path/filepath"
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
	"github.com/kk-code-lab/ff3/internal/transport/ndjson"
	"github.com/kk-code-lab/ff3/internal/workpool"
)

func startServer(t *testing.T, psk string) (string, *ingest.Ingestor) {
	t.Helper()
	ing, err := ingest.New(ingest.Options{
		Layout:    fs.NewLayout(t.TempDir()),
		Builder:   job.NewBuilder(job.Options{WindowSize: 64}),
		Blob:      blob.Descriptor{Size: 4096, Seed: 9},
		StoreMode: config.StoreFull,
		Logger:    logging.Discard(),
	})
	require.NoError(t, err)
	pool := workpool.New(2)
	t.Cleanup(pool.Close)
	h := &ndjson.Handler{Ingestor: ing, Pool: pool, PSK: psk, AllowRaw: true, Logger: logging.Discard()}
	srv, err := New(Options{Handler: h, Timeout: 5 * time.Second, Logger: logging.Discard()})
	require.NoError(t, err)

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx, pc)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = pc.Close()
	})
	return pc.LocalAddr().String(), ing
}

func session(psk, name, body string) []ndjson.Message {
	return []ndjson.Message{
		ndjson.Pref("erin", name, 0, psk),
		ndjson.Win(1), {T: ndjson.TypeRaw, P: b64(body[len(body)/2:])}, {T: ndjson.TypeEnd},
		ndjson.Win(0), {T: ndjson.TypeRaw, P: b64(body[:len(body)/2])}, {T: ndjson.TypeEnd},
		{T: ndjson.TypeDone},
	}
}

func TestSendStoresObject(t *testing.T) {
	addr, ing := startServer(t, "k")
	body := "the quick brown fox jumps over the lazy dog"
	require.NoError(t, SendMessages(context.Background(), addr, session("k", "docs/fox.txt", body), 5*time.Second))

	got, err := os.ReadFile(filepath.Join(ing.Layout().Inbox, "erin%2fdocs%2ffox.txt"))
	require.NoError(t, err)
	require.Equal(t, body, string(got))
	entries, err := spool.List(ing.Layout().Spool)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestSendUnnamedUsesTransportDefault(t *testing.T) {
	addr, ing := startServer(t, "k")
	require.NoError(t, SendMessages(context.Background(), addr, session("k", "", "anonymous body"), 5*time.Second))
	got, err := os.ReadFile(filepath.Join(ing.Layout().Inbox, "erin%2f"+DefaultObjectName))
	require.NoError(t, err)
	require.Equal(t, "anonymous body", string(got))
}

func TestSendRejectedPSK(t *testing.T) {
	addr, ing := startServer(t, "k")
	err := SendMessages(context.Background(), addr, session("nope", "a.txt", "abcd"), 5*time.Second)
	require.ErrorIs(t, err, ErrRejected)
	require.Contains(t, err.Error(), "unauthorized")
	entries, _ := os.ReadDir(ing.Layout().Inbox)
	require.Empty(t, entries)
}

func TestSendUnreachable(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := pc.LocalAddr().String()
	require.NoError(t, pc.Close())
	err = Send(context.Background(), addr, []byte("{}\n"), 300*time.Millisecond)
	require.Error(t, err)
}

func TestSelfSignedCertificate(t *testing.T) {
	cert, err := SelfSigned()
	require.NoError(t, err)
	require.Len(t, cert.Certificate, 1)
	cfg, err := ServerTLS("", "", logging.Discard())
	require.NoError(t, err)
	require.Equal(t, []string{ALPN}, cfg.NextProtos)
	_, err = ServerTLS("cert.pem", "", logging.Discard())
	require.Error(t, err)
}

func b64(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }
