package tcpjob

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kk-code-lab/ff3/internal/blob"
	"github.com/kk-code-lab/ff3/internal/config"
	"github.com/kk-code-lab/ff3/internal/job"
	"github.com/kk-code-lab/ff3/internal/logging"
	"github.com/kk-code-lab/ff3/internal/meta"
	"github.com/kk-code-lab/ff3/internal/storage/fs"
	"github.com/kk-code-lab/ff3/internal/storage/manifest"
)

var testBlob = blob.Descriptor{Size: 8192, Seed: 11}

func buildJob(t *testing.T, name string, data []byte) *job.TransferJob {
	t.Helper()
	j, err := job.NewBuilder(job.Options{WindowSize: 128}).BuildReader(context.Background(), name, bytes.NewReader(data), blob.New(testBlob))
	require.NoError(t, err)
	return j
}

func startReceiver(t *testing.T, mode string) (string, fs.Layout) {
	t.Helper()
	layout := fs.NewLayout(t.TempDir())
	r := NewReceiver(Options{Layout: layout, Mode: mode, Timeout: 5 * time.Second, Logger: logging.Discard()})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return ln.Addr().String(), layout
}

func TestSendJobWindowed(t *testing.T) {
	addr, layout := startReceiver(t, config.ReceiverWindowed)
	j := buildJob(t, "alice%2fa.txt", bytes.Repeat([]byte("abc"), 200))
	require.NoError(t, SendJob(context.Background(), addr, j, 5*time.Second))

	list, err := manifest.List(layout.Inbox)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "alice%2fa.txt.ff3job", filepath.Base(list[0]))
	got, err := manifest.Read(list[0])
	require.NoError(t, err)
	require.Equal(t, j.SHA256, got.SHA256)
}

func TestSendJobReconstruct(t *testing.T) {
	addr, layout := startReceiver(t, config.ReceiverReconstruct)
	data := bytes.Repeat([]byte("reconstruct me "), 50)
	j := buildJob(t, "b.bin", data)
	require.NoError(t, SendJob(context.Background(), addr, j, 5*time.Second))
	require.NoError(t, SendJob(context.Background(), addr, j, 5*time.Second))

	got, err := os.ReadFile(filepath.Join(layout.Outbox, "b.bin"))
	require.NoError(t, err)
	require.Equal(t, data, got)
	_, err = os.Stat(filepath.Join(layout.Outbox, "b-1.bin"))
	require.NoError(t, err, "second delivery must not overwrite the first")
}

func TestReconstructDigestMismatchNotAcked(t *testing.T) {
	addr, layout := startReceiver(t, config.ReceiverReconstruct)
	j := buildJob(t, "c.bin", []byte("payload bytes"))
	sum := sha256.Sum256([]byte("something else"))
	j.SHA256 = hex.EncodeToString(sum[:])
	err := SendJob(context.Background(), addr, j, 2*time.Second)
	require.Error(t, err)
	entries, _ := os.ReadDir(layout.Outbox)
	for _, e := range entries {
		require.NotEqual(t, "c.bin", e.Name())
	}
}

func TestReadFrameRejectsSizes(t *testing.T) {
	for _, size := range []uint32{0, MaxJobBytes + 1} {
		var buf bytes.Buffer
		var hdr [4]byte
		binary.BigEndian.PutUint32(hdr[:], size)
		buf.Write(hdr[:])
		_, err := ReadFrame(&buf)
		require.True(t, errors.Is(err, ErrJobSize), "size %d: %v", size, err)
	}
}

func TestReadJobRelaxed(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte(`{"object_name":"x","object_size":"3","window_size":4.0,"windows":[]}`)))
	j, err := ReadJob(&buf)
	require.NoError(t, err)
	require.Equal(t, int64(3), j.ObjectSize)
	require.Equal(t, 4, j.WindowSize)

	buf.Reset()
	require.NoError(t, WriteFrame(&buf, []byte(`[1,2]`)))
	_, err = ReadJob(&buf)
	require.ErrorIs(t, err, job.ErrNotObject)
}

func TestSendJobBadAck(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = ReadFrame(conn)
		_, _ = conn.Write([]byte("NO"))
	}()
	j := buildJob(t, "d.bin", []byte("x"))
	err = SendJob(context.Background(), ln.Addr().String(), j, 2*time.Second)
	require.ErrorIs(t, err, ErrBadAck)
}

func TestSendJobConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	_ = ln.Close()
	require.Error(t, SendJob(context.Background(), addr, buildJob(t, "e.bin", []byte("x")), time.Second))
}

func TestStoreRecordsLedger(t *testing.T) {
	store, err := meta.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	layout := fs.NewLayout(t.TempDir())
	require.NoError(t, layout.EnsureDirs())
	r := NewReceiver(Options{Layout: layout, Mode: config.ReceiverReconstruct, Meta: store, Logger: logging.Discard()})

	good := buildJob(t, "good.bin", []byte("intact payload"))
	path, err := r.Store(context.Background(), good)
	require.NoError(t, err)

	bad := buildJob(t, "bad.bin", []byte("tampered payload"))
	bad.SHA256 = good.SHA256
	_, err = r.Store(context.Background(), bad)
	require.ErrorIs(t, err, job.ErrDigestMismatch)

	counts, err := store.CountByState(context.Background())
	require.NoError(t, err)
	require.Equal(t, map[string]int{meta.StateReceived: 1, meta.StateFailed: 1}, counts)
	rec, err := store.GetTransfer(context.Background(), path)
	require.NoError(t, err)
	require.Equal(t, "tcp", rec.Transport)
}

func TestStoreRejectsOversizedJob(t *testing.T) {
	layout := fs.NewLayout(t.TempDir())
	require.NoError(t, layout.EnsureDirs())
	r := NewReceiver(Options{
		Layout: layout,
		Mode:   config.ReceiverReconstruct,
		Limits: job.Limits{MaxWindowSize: 1024, MaxObjectSize: 4096},
		Logger: logging.Discard(),
	})

	wide := buildJob(t, "wide.bin", []byte("small"))
	wide.WindowSize = 1 << 20
	_, err := r.Store(context.Background(), wide)
	require.ErrorIs(t, err, job.ErrWindowTooLarge)

	huge := buildJob(t, "huge.bin", []byte("small"))
	huge.ObjectSize = 1 << 40
	_, err = r.Store(context.Background(), huge)
	require.ErrorIs(t, err, job.ErrObjectTooLarge)

	entries, err := os.ReadDir(layout.Outbox)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestReceiverDropsOversizedPayload(t *testing.T) {
	addr, layout := startReceiver(t, config.ReceiverReconstruct)
	payload := []byte(`{"object_name":"z.bin","object_size":1099511627776,"window_size":65536,"total_windows":1,"blob":{"size":8192,"seed":11},"windows":[{"idx":0}]}`)
	err := SendPayload(context.Background(), addr, payload, 2*time.Second)
	require.Error(t, err, "an oversized job must not be acknowledged")

	entries, err := os.ReadDir(layout.Outbox)
	require.NoError(t, err)
	require.Empty(t, entries)
}
