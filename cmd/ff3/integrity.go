package main

import (
	"context"
	"fmt"
	"io"

	"github.com/kk-code-lab/ff3/internal/checkpoint"
	"github.com/kk-code-lab/ff3/internal/integrity"
	"github.com/kk-code-lab/ff3/internal/repair"
)

func runRepairSend(ctx context.Context, n *node, o *options, out io.Writer) error {
	switch {
	case o.input == "":
		return usageError("repair-send: %v", ErrInputRequired)
	case o.stored == "":
		return usageError("repair-send: %v", ErrStoredRequired)
	case len(o.windows) == 0:
		return usageError("repair-send: %v", ErrWindowsRequired)
	}
	h := repair.Header{
		User:   o.user,
		Stored: o.stored,
		WS:     n.cfg.Encoder.WindowSize,
		PSK:    n.cfg.Security.RepairPSK,
	}
	res, err := repair.SendRepairs(ctx, pick(o.addr, n.cfg.Addrs.Repair), o.input, h, o.windows)
	if err != nil {
		return err
	}
	return emit(out, o.jsonOut, res, fmt.Sprintf("repaired %s frames=%d bytes=%d", h.Target(), res.Frames, res.Bytes))
}

func runIntegritySender(ctx context.Context, n *node, o *options, _ io.Writer) error {
	store, err := n.ledger()
	if err != nil {
		return err
	}
	idx := integrity.NewIndex(integrity.IndexOptions{
		DigestDir: n.statePath("digests"),
		Logger:    n.log,
	})
	switch {
	case o.watch:
		dir := pick(o.input, n.cfg.Paths.Input)
		count, err := idx.RegisterDir(dir)
		if err != nil {
			return err
		}
		n.log.Info("pre-indexed sources", "dir", dir, "files", count)
	case o.input != "":
		sha, err := idx.Register(o.input)
		if err != nil {
			return err
		}
		n.log.Info("registered source", "path", o.input, "sha256", sha)
	}
	svc, err := integrity.NewService(integrity.ServiceOptions{
		Index:         idx,
		RepairAddr:    n.cfg.Addrs.Repair,
		RepairPSK:     n.cfg.Security.RepairPSK,
		RepairTimeout: o.timeout,
		Meta:          store,
		Logger:        n.log,
	})
	if err != nil {
		return err
	}
	return svc.ListenAndServe(ctx, pick(o.addr, n.cfg.Addrs.IntegritySender))
}

func runIntegrityReceiver(ctx context.Context, n *node, o *options, _ io.Writer) error {
	cp, err := checkpoint.Load(n.statePath("integrity_checkpoint.json"))
	if err != nil {
		return err
	}
	host, port := splitHostPort(n.cfg.Addrs.Repair)
	checker, err := integrity.NewChecker(integrity.CheckerOptions{
		Inbox:      n.layout.Inbox,
		Blobs:      n.blobs,
		Client:     integrity.NewClient(pick(o.addr, n.cfg.Addrs.IntegritySender), nil),
		Receiver:   integrity.ReceiverInfo{Host: host, Port: port},
		Interval:   n.cfg.Intervals.IntegrityPoll,
		Checkpoint: cp,
		Logger:     n.log,
	})
	if err != nil {
		return err
	}
	return checker.Run(ctx)
}
