package main

import (
	"context"
	"io"

	"github.com/kk-code-lab/ff3/internal/job"
	"github.com/kk-code-lab/ff3/internal/repair"
	"github.com/kk-code-lab/ff3/internal/transport/quicx"
	"github.com/kk-code-lab/ff3/internal/transport/tcpingest"
	"github.com/kk-code-lab/ff3/internal/transport/tcpjob"
	"github.com/kk-code-lab/ff3/internal/transport/udpx"
)

func runReceiver(ctx context.Context, n *node, o *options, _ io.Writer) error {
	store, err := n.ledger()
	if err != nil {
		return err
	}
	r := tcpjob.NewReceiver(tcpjob.Options{
		Layout:  n.layout,
		Blobs:   n.blobs,
		Mode:    n.cfg.Receiver.Mode,
		Timeout: o.timeout,
		Limits:  job.Limits{MaxWindowSize: n.cfg.Receiver.MaxWindowSize, MaxObjectSize: n.cfg.Upload.MaxBytes},
		Meta:    store,
		Logger:  n.log,
	})
	return r.ListenAndServe(ctx, pick(o.addr, n.cfg.Addrs.TCPJob))
}

func runIngestTCP(ctx context.Context, n *node, o *options, _ io.Writer) error {
	ing, err := n.ingestor()
	if err != nil {
		return err
	}
	srv, err := tcpingest.New(tcpingest.Options{
		Ingestor: ing,
		Pool:     n.workers(),
		Secret:   n.cfg.Security.TCPSecret,
		MaxBytes: n.cfg.Upload.MaxBytes,
		Timeout:  o.timeout,
		Logger:   n.log,
	})
	if err != nil {
		return err
	}
	return srv.ListenAndServe(ctx, pick(o.addr, n.cfg.Addrs.TCPIngest))
}

func runQUICReceiver(ctx context.Context, n *node, o *options, _ io.Writer) error {
	handler, err := n.sessionHandler(n.cfg.Security.QUICPSK)
	if err != nil {
		return err
	}
	tlsConf, err := quicx.ServerTLS(n.cfg.Security.QUICCert, n.cfg.Security.QUICKey, n.log)
	if err != nil {
		return err
	}
	srv, err := quicx.New(quicx.Options{
		Handler:  handler,
		TLS:      tlsConf,
		MaxBytes: n.cfg.Upload.MaxBytes,
		Timeout:  o.timeout,
		Logger:   n.log,
	})
	if err != nil {
		return err
	}
	return srv.ListenAndServe(ctx, pick(o.addr, n.cfg.Addrs.QUIC))
}

func runUDPReceiver(ctx context.Context, n *node, o *options, _ io.Writer) error {
	handler, err := n.sessionHandler(n.cfg.Security.UDPPSK)
	if err != nil {
		return err
	}
	srv, err := udpx.New(udpx.Options{Handler: handler, Logger: n.log})
	if err != nil {
		return err
	}
	return srv.ListenAndServe(ctx, pick(o.addr, n.cfg.Addrs.UDP))
}

func runRepairServer(ctx context.Context, n *node, o *options, _ io.Writer) error {
	if err := n.layout.EnsureDirs(); err != nil {
		return err
	}
	store, err := n.ledger()
	if err != nil {
		return err
	}
	srv, err := repair.NewServer(repair.Options{
		Root:    n.layout.Inbox,
		PSK:     n.cfg.Security.RepairPSK,
		Timeout: o.timeout,
		Meta:    store,
		Logger:  n.log,
	})
	if err != nil {
		return err
	}
	return srv.ListenAndServe(ctx, pick(o.addr, n.cfg.Addrs.Repair))
}
