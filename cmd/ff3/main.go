// ff3 runs the transfer daemons and tools. Every role is a --mode of the
// one binary; settings come from defaults, an optional YAML file, the
// environment and finally flags.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/kk-code-lab/ff3/internal/app"
	"github.com/kk-code-lab/ff3/internal/config"
	"github.com/kk-code-lab/ff3/internal/logging"
)

type options struct {
	mode       string
	configPath string
	root       string
	logFormat  string
	logLevel   string
	jsonOut    bool

	input       string
	output      string
	addr        string
	user        string
	name        string
	stored      string
	windows     []int
	offset      int64
	length      int64
	watch       bool
	compress    bool
	snapshotDir string
	timeout     time.Duration
}

type modeFunc func(ctx context.Context, n *node, o *options, out io.Writer) error

type mode struct {
	run     modeFunc
	summary string
}

var modes = map[string]mode{
	"build":              {runBuild, "encode --input, queue it to the spool and write its manifest"},
	"send":               {runSend, "encode --input and deliver it over QUIC, UDP or TCP"},
	"send-tcp":           {runSendTCP, "encode --input and deliver it to a TCP job receiver"},
	"upload":             {runUpload, "stream --input raw to a TCP ingest server"},
	"sender":             {runSender, "drain the spool through the adaptive sender"},
	"hasher":             {runHasher, "queue jobs for new or changed files in the input dir"},
	"receiver":           {runReceiver, "accept framed jobs over TCP"},
	"ingest-tcp":         {runIngestTCP, "accept raw uploads over TCP"},
	"quic-receiver":      {runQUICReceiver, "accept NDJSON sessions over QUIC"},
	"udp-receiver":       {runUDPReceiver, "accept NDJSON sessions over UDP"},
	"repair-server":      {runRepairServer, "apply window repair streams to inbox files"},
	"repair-send":        {runRepairSend, "push --windows of --input to a repair server"},
	"integrity-sender":   {runIntegritySender, "serve window digests and repair triggers"},
	"integrity-receiver": {runIntegrityReceiver, "verify inbox manifests and request repairs"},
	"cat":                {runCat, "write the object behind a manifest"},
	"status":             {runStatus, "print directory and ledger counts"},
	"fsck":               {runFsck, "validate manifests and spool entries"},
	"scrub":              {runScrub, "reconstruct manifests and compare stored objects"},
	"snapshot":           {runSnapshot, "copy the ledger and a status report aside"},
	"version":            {runVersion, "print the version"},
}

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		var coded *exitCodeError
		if errors.As(err, &coded) {
			if !coded.Quiet() {
				fmt.Fprintf(os.Stderr, "ff3: %v\n", err)
			}
			os.Exit(coded.ExitCode())
		}
		fmt.Fprintf(os.Stderr, "ff3: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	o, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}
	if o == nil {
		return nil
	}
	m, ok := modes[o.mode]
	if !ok {
		return usageError("unknown mode %q (have %s)", o.mode, modeNames())
	}
	if o.mode == "version" {
		return m.run(context.Background(), nil, o, stdout)
	}

	log, err := logging.New(stderr, o.logFormat, o.logLevel)
	if err != nil {
		return usageError("%v", err)
	}
	cfg, err := loadSettings(o)
	if err != nil {
		return err
	}
	n := newNode(cfg, log)
	defer n.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return m.run(ctx, n, o, stdout)
}

func parseFlags(args []string, stderr io.Writer) (*options, error) {
	o := &options{}
	flagSet := pflag.NewFlagSet("ff3", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.StringVar(&o.mode, "mode", "", "mode to run (see --help)")
	flagSet.StringVar(&o.configPath, "config", os.Getenv("FF3_CONFIG"), "YAML settings file")
	flagSet.StringVar(&o.root, "root", "", "state root (overrides TRANSFER_SDK_ROOT)")
	flagSet.StringVar(&o.logFormat, "log-format", logging.FormatText, "log format: text|json|pretty")
	flagSet.StringVar(&o.logLevel, "log-level", "info", "log level: debug|info|warn|error")
	flagSet.BoolVar(&o.jsonOut, "json", false, "print results as JSON")
	flagSet.StringVarP(&o.input, "input", "i", "", "input file, manifest or directory")
	flagSet.StringVarP(&o.output, "output", "o", "", "output file for cat (default stdout)")
	flagSet.StringVar(&o.addr, "addr", "", "listen or dial address overriding the configured one")
	flagSet.StringVar(&o.user, "user", "", "user the object belongs to")
	flagSet.StringVar(&o.name, "name", "", "object name for uploads (default input base name)")
	flagSet.StringVar(&o.stored, "stored", "", "stored path of the repair target")
	flagSet.IntSliceVar(&o.windows, "windows", nil, "window indices to repair")
	flagSet.Int64Var(&o.offset, "offset", 0, "cat start offset")
	flagSet.Int64Var(&o.length, "length", -1, "cat length (default to end)")
	flagSet.BoolVar(&o.watch, "watch", false, "hasher: wake on fsnotify events; integrity-sender: pre-index the input dir")
	flagSet.BoolVar(&o.compress, "compress", false, "archive delivered spool entries as zstd")
	flagSet.StringVar(&o.snapshotDir, "snapshot-dir", "", "snapshot output directory")
	flagSet.DurationVar(&o.timeout, "timeout", 0, "per-transfer timeout (0 keeps the transport default)")
	flagSet.Usage = func() { printUsage(stderr, flagSet) }

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil, nil
		}
		return nil, &exitCodeError{code: exitUsage, msg: err.Error(), quiet: true}
	}
	if flagSet.NArg() > 0 {
		return nil, usageError("unexpected argument: %s", flagSet.Arg(0))
	}
	if o.mode == "" {
		printUsage(stderr, flagSet)
		return nil, &exitCodeError{code: exitUsage, msg: "--mode required", quiet: true}
	}
	return o, nil
}

func loadSettings(o *options) (*config.Settings, error) {
	getenv := os.Getenv
	if o.root != "" {
		getenv = func(key string) string {
			if key == "TRANSFER_SDK_ROOT" {
				return o.root
			}
			return os.Getenv(key)
		}
	}
	cfg, err := config.LoadFile(o.configPath, getenv)
	if err != nil {
		return nil, err
	}
	if o.compress {
		cfg.Receiver.SentCompress = true
	}
	return cfg, nil
}

func printUsage(w io.Writer, flagSet *pflag.FlagSet) {
	fmt.Fprintf(w, "%s %s\n\nUsage: ff3 --mode <mode> [flags]\n\nModes:\n", app.Name, app.Version)
	names := make([]string, 0, len(modes))
	for name := range modes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %-20s %s\n", name, modes[name].summary)
	}
	fmt.Fprintf(w, "\nFlags:\n%s", flagSet.FlagUsages())
}

func modeNames() string {
	names := make([]string, 0, len(modes))
	for name := range modes {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}

func runVersion(_ context.Context, _ *node, _ *options, out io.Writer) error {
	_, err := fmt.Fprintf(out, "%s %s (commit %s)\n", app.Name, app.Version, app.BuildCommit)
	return err
}
