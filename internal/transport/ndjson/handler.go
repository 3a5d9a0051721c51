package ndjson

import (
	"context"
	"log/slog"
	"os"

	"github.com/kk-code-lab/ff3/internal/ingest"
	"github.com/kk-code-lab/ff3/internal/logging"
	"github.com/kk-code-lab/ff3/internal/storage/fs"
	"github.com/kk-code-lab/ff3/internal/workpool"
)

// Handler turns completed sessions into inbox files and queued jobs.
type Handler struct {
	Ingestor    *ingest.Ingestor
	Pool        *workpool.Pool
	PSK         string
	AllowRaw    bool
	DefaultName string
	MaxBytes    int64
	Logger      *slog.Logger
}

// Handle processes one complete session payload and returns the reply:
// "OK" or "ERR:<reason>".
func (h *Handler) Handle(ctx context.Context, data []byte) string {
	log := logging.OrDefault(h.Logger)
	s := NewSession(SessionOptions{
		PSK:         h.PSK,
		AllowRaw:    h.AllowRaw,
		Blob:        h.Ingestor.Blob(),
		DefaultName: h.DefaultName,
		MaxBytes:    h.MaxBytes,
	})
	if err := s.FeedAll(data); err != nil {
		log.Warn("session rejected", "user", s.User(), "name", s.Name(), "err", err)
		return errReply(err)
	}
	encoded := fs.SafeObjectName(fs.EncodeUserPath(s.User(), s.Name()))
	target := fs.UniqueTarget(h.Ingestor.Layout().Inbox, encoded)
	if err := os.WriteFile(target, s.Object(), 0o644); err != nil {
		log.Error("session write failed", "target", target, "err", err)
		return errReply(err)
	}
	fut := workpool.Submit(ctx, h.Pool, func(ctx context.Context) (*ingest.UploadResult, error) {
		return h.Ingestor.BuildForPath(ctx, target)
	})
	res, err := fut.Wait(ctx)
	if err != nil {
		log.Error("job build failed", "target", target, "err", err)
		return errReply(err)
	}
	log.Info("session stored", "object", res.Job.ObjectName, "size", res.Job.ObjectSize, "spool", res.JobPath)
	return ReplyOK
}
