package main

import (
	"errors"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"

	"github.com/kk-code-lab/ff3/internal/blob"
	"github.com/kk-code-lab/ff3/internal/config"
	"github.com/kk-code-lab/ff3/internal/ingest"
	"github.com/kk-code-lab/ff3/internal/job"
	"github.com/kk-code-lab/ff3/internal/match"
	"github.com/kk-code-lab/ff3/internal/meta"
	"github.com/kk-code-lab/ff3/internal/storage/fs"
	"github.com/kk-code-lab/ff3/internal/transport/adaptive"
	"github.com/kk-code-lab/ff3/internal/transport/ndjson"
	"github.com/kk-code-lab/ff3/internal/workpool"
)

// node holds the shared state of one ff3 process.
type node struct {
	cfg     *config.Settings
	layout  fs.Layout
	log     *slog.Logger
	blobs   *blob.Cache
	builder *job.Builder

	store *meta.Store
	pool  *workpool.Pool
}

func newNode(cfg *config.Settings, log *slog.Logger) *node {
	return &node{
		cfg: cfg,
		layout: fs.Layout{
			Root:   cfg.Paths.Root,
			Inbox:  cfg.Paths.Inbox,
			Spool:  cfg.Paths.Spool,
			Sent:   cfg.Paths.Sent,
			Outbox: cfg.Paths.Outbox,
		},
		log:   log,
		blobs: blob.NewCache(),
		builder: job.NewBuilder(job.Options{
			WindowSize: cfg.Encoder.WindowSize,
			Match: match.Options{
				MinMatch:      cfg.Encoder.MinMatch,
				MaxCandidates: cfg.Encoder.MaxCandidates,
			},
		}),
	}
}

func (n *node) blobDesc() blob.Descriptor {
	return blob.Descriptor{Size: n.cfg.Blob.Size, Seed: n.cfg.Blob.Seed, Path: n.cfg.Blob.Path}
}

func (n *node) blob() *blob.Blob {
	return n.blobs.Get(n.blobDesc())
}

// ledger opens the SQLite ledger on first use.
func (n *node) ledger() (*meta.Store, error) {
	if n.store != nil {
		return n.store, nil
	}
	if err := os.MkdirAll(filepath.Dir(n.cfg.Paths.MetaDB), 0o755); err != nil {
		return nil, err
	}
	store, err := meta.Open(n.cfg.Paths.MetaDB)
	if err != nil {
		return nil, err
	}
	n.store = store
	return store, nil
}

// existingLedger opens the ledger only if it already exists.
func (n *node) existingLedger() (*meta.Store, error) {
	if _, err := os.Stat(n.cfg.Paths.MetaDB); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return n.ledger()
}

func (n *node) workers() *workpool.Pool {
	if n.pool == nil {
		n.pool = workpool.New(n.cfg.Workers)
	}
	return n.pool
}

func (n *node) ingestor() (*ingest.Ingestor, error) {
	store, err := n.ledger()
	if err != nil {
		return nil, err
	}
	return ingest.New(ingest.Options{
		Layout:    n.layout,
		Builder:   n.builder,
		Blobs:     n.blobs,
		Blob:      n.blobDesc(),
		MaxBytes:  n.cfg.Upload.MaxBytes,
		StoreMode: n.cfg.Upload.StoreMode,
		Meta:      store,
		Logger:    n.log,
	})
}

func (n *node) sessionHandler(psk string) (*ndjson.Handler, error) {
	ing, err := n.ingestor()
	if err != nil {
		return nil, err
	}
	return &ndjson.Handler{
		Ingestor: ing,
		Pool:     n.workers(),
		PSK:      psk,
		AllowRaw: n.cfg.Receiver.AllowRaw,
		MaxBytes: n.cfg.Upload.MaxBytes,
		Logger:   n.log,
	}, nil
}

func (n *node) sender(o *options) *adaptive.Sender {
	return adaptive.New(adaptive.Options{
		QUICAddr: n.cfg.Addrs.QUIC,
		UDPAddr:  n.cfg.Addrs.UDP,
		TCPAddr:  n.cfg.Addrs.TCPJob,
		QUICPSK:  n.cfg.Security.QUICPSK,
		UDPPSK:   n.cfg.Security.UDPPSK,
		AllowRaw: n.cfg.Receiver.AllowRaw,
		User:     o.user,
		Timeout:  o.timeout,
		Blob:     n.blob(),
		Logger:   n.log,
	})
}

func (n *node) statePath(name string) string {
	return filepath.Join(n.cfg.Paths.Root, name)
}

func (n *node) Close() {
	if n.pool != nil {
		n.pool.Close()
	}
	if n.store != nil {
		if err := n.store.Close(); err != nil {
			n.log.Warn("ledger close failed", "err", err)
		}
	}
	if err := n.blobs.Close(); err != nil {
		n.log.Warn("blob close failed", "err", err)
	}
}

func pick(flag, configured string) string {
	if flag != "" {
		return flag
	}
	return configured
}

// splitHostPort parses addr into host and numeric port; a bad port is 0.
func splitHostPort(addr string) (string, int) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, 0
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return host, 0
	}
	return host, p
}
