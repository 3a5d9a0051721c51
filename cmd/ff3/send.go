package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/kk-code-lab/ff3/internal/checkpoint"
	"github.com/kk-code-lab/ff3/internal/daemon"
	"github.com/kk-code-lab/ff3/internal/job"
	"github.com/kk-code-lab/ff3/internal/transport/tcpingest"
	"github.com/kk-code-lab/ff3/internal/transport/tcpjob"
)

type sendResult struct {
	Object    string      `json:"object"`
	SHA256    string      `json:"sha256"`
	Transport string      `json:"transport"`
	Metrics   job.Metrics `json:"metrics"`
}

func runBuild(ctx context.Context, n *node, o *options, out io.Writer) error {
	if o.input == "" {
		return usageError("build: %v", ErrInputRequired)
	}
	ing, err := n.ingestor()
	if err != nil {
		return err
	}
	res, err := ing.BuildForPath(ctx, o.input)
	if err != nil {
		return err
	}
	return emit(out, o.jsonOut, res.Summary(),
		fmt.Sprintf("queued %s windows=%d spool=%s manifest=%s", res.Job.ObjectName, res.Job.TotalWindows, res.JobPath, res.ManifestPath))
}

func buildInput(ctx context.Context, n *node, o *options) (*job.TransferJob, error) {
	if o.input == "" {
		return nil, usageError("%s: %v", o.mode, ErrInputRequired)
	}
	return n.builder.Build(ctx, o.input, n.blob())
}

func runSend(ctx context.Context, n *node, o *options, out io.Writer) error {
	j, err := buildInput(ctx, n, o)
	if err != nil {
		return err
	}
	label, err := n.sender(o).Deliver(ctx, j)
	if err != nil {
		return err
	}
	return emitSend(out, o, j, label)
}

func runSendTCP(ctx context.Context, n *node, o *options, out io.Writer) error {
	j, err := buildInput(ctx, n, o)
	if err != nil {
		return err
	}
	if err := tcpjob.SendJob(ctx, pick(o.addr, n.cfg.Addrs.TCPJob), j, o.timeout); err != nil {
		return err
	}
	return emitSend(out, o, j, "tcp")
}

func emitSend(out io.Writer, o *options, j *job.TransferJob, label string) error {
	m := job.ComputeMetrics(j)
	return emit(out, o.jsonOut, sendResult{Object: j.ObjectName, SHA256: j.SHA256, Transport: label, Metrics: m},
		fmt.Sprintf("sent %s via %s windows=%d ratio=%.3f", j.ObjectName, label, j.TotalWindows, m.CompressionRatio))
}

func runUpload(ctx context.Context, n *node, o *options, out io.Writer) error {
	if o.input == "" {
		return usageError("upload: %v", ErrInputRequired)
	}
	f, err := os.Open(o.input)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	h := tcpingest.Header{
		User:   o.user,
		Name:   pick(o.name, filepath.Base(o.input)),
		Size:   info.Size(),
		Secret: n.cfg.Security.TCPSecret,
	}
	if err := tcpingest.Upload(ctx, pick(o.addr, n.cfg.Addrs.TCPIngest), h, f, o.timeout); err != nil {
		return err
	}
	return emit(out, o.jsonOut, h, fmt.Sprintf("uploaded %s (%d bytes)", h.Name, h.Size))
}

func runSender(ctx context.Context, n *node, o *options, _ io.Writer) error {
	store, err := n.ledger()
	if err != nil {
		return err
	}
	s, err := daemon.NewSender(daemon.SenderOptions{
		Spool:     n.layout.Spool,
		Sent:      n.layout.Sent,
		Deliverer: n.sender(o),
		Interval:  n.cfg.Intervals.SenderPoll,
		Compress:  n.cfg.Receiver.SentCompress,
		Meta:      store,
		Logger:    n.log,
	})
	if err != nil {
		return err
	}
	return s.Run(ctx)
}

func runHasher(ctx context.Context, n *node, o *options, _ io.Writer) error {
	store, err := n.ledger()
	if err != nil {
		return err
	}
	cp, err := checkpoint.Load(n.statePath("hasher_checkpoint.json"))
	if err != nil {
		return err
	}
	h, err := daemon.NewHasher(daemon.HasherOptions{
		Input:      pick(o.input, n.cfg.Paths.Input),
		Spool:      n.layout.Spool,
		Builder:    n.builder,
		Blob:       n.blob(),
		Watch:      o.watch,
		Interval:   n.cfg.Intervals.HasherPoll,
		Checkpoint: cp,
		Meta:       store,
		Logger:     n.log,
	})
	if err != nil {
		return err
	}
	return h.Run(ctx)
}
