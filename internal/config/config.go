// Package config loads runtime settings for the ff3 daemons and tools.
//
// Settings are resolved in order: built-in defaults, an optional YAML file
// (FF3_CONFIG or --config), then environment overrides. Command-line flags
// are applied last by the caller.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultWindowSize       = 64 << 10
	DefaultBlobSize         = 4 << 20
	DefaultBlobSeed         = 1337
	DefaultMinMatch         = 8
	DefaultMaxCandidates    = 16
	DefaultMaxUploadBytes   = 512 << 20
	DefaultUploadChunkBytes = 1 << 20
	MinUploadChunkBytes     = 64 << 10
	DefaultRoot             = "/tmp/sdk-demo"
)

// Store modes for the ingestor.
const (
	// StoreWindowed keeps only the .ff3job manifest and drops the original bytes.
	StoreWindowed = "windowed"
	// StoreFull keeps both the original and the manifest.
	StoreFull = "full"
)

// Receiver modes for the TCP job receiver.
const (
	ReceiverWindowed    = "windowed"
	ReceiverReconstruct = "reconstruct"
)

// Settings is the full runtime configuration.
type Settings struct {
	Paths     PathsConfig     `yaml:"paths"`
	Encoder   EncoderConfig   `yaml:"encoder"`
	Blob      BlobConfig      `yaml:"blob"`
	Upload    UploadConfig    `yaml:"upload"`
	Receiver  ReceiverConfig  `yaml:"receiver"`
	Addrs     AddrsConfig     `yaml:"addrs"`
	Security  SecurityConfig  `yaml:"security"`
	Intervals IntervalsConfig `yaml:"intervals"`
	Workers   int             `yaml:"workers"`
}

// PathsConfig configures directory locations. Empty values derive from Root.
type PathsConfig struct {
	Root   string `yaml:"root"`
	Inbox  string `yaml:"inbox"`
	Spool  string `yaml:"spool"`
	Sent   string `yaml:"sent"`
	Outbox string `yaml:"outbox"`
	Input  string `yaml:"input"`
	MetaDB string `yaml:"meta_db"`
}

// EncoderConfig tunes the window encoder.
type EncoderConfig struct {
	WindowSize    int `yaml:"window_size"`
	MinMatch      int `yaml:"min_match"`
	MaxCandidates int `yaml:"max_candidates"`
}

// BlobConfig describes the shared blob. When Path names an existing file its
// length overrides Size.
type BlobConfig struct {
	Size int64  `yaml:"size"`
	Seed int64  `yaml:"seed"`
	Path string `yaml:"path"`
}

// UploadConfig bounds uploads accepted by the ingestor.
type UploadConfig struct {
	MaxBytes   int64  `yaml:"max_bytes"`
	ChunkBytes int    `yaml:"chunk_bytes"`
	StoreMode  string `yaml:"store_mode"`
}

// ReceiverConfig controls how inbound jobs are persisted.
type ReceiverConfig struct {
	Mode     string `yaml:"mode"`
	AllowRaw bool   `yaml:"allow_raw"`
	// SentCompress archives delivered spool entries as zstd.
	SentCompress bool `yaml:"sent_compress"`
	// MaxWindowSize caps the window_size of received jobs; zero keeps the
	// built-in ceiling.
	MaxWindowSize int `yaml:"max_window_size"`
}

// AddrsConfig holds listen and dial addresses for every transport.
type AddrsConfig struct {
	TCPJob          string `yaml:"tcp_job"`
	TCPIngest       string `yaml:"tcp_ingest"`
	QUIC            string `yaml:"quic"`
	UDP             string `yaml:"udp"`
	Repair          string `yaml:"repair"`
	IntegritySender string `yaml:"integrity_sender"`
}

// SecurityConfig holds shared secrets and TLS material. The PSKs travel in
// cleartext and only guard against accidental cross-talk.
type SecurityConfig struct {
	TCPSecret string `yaml:"tcp_secret"`
	QUICPSK   string `yaml:"quic_psk"`
	UDPPSK    string `yaml:"udp_psk"`
	RepairPSK string `yaml:"repair_psk"`
	QUICCert  string `yaml:"quic_cert"`
	QUICKey   string `yaml:"quic_key"`
}

// IntervalsConfig sets daemon poll periods.
type IntervalsConfig struct {
	SenderPoll    time.Duration `yaml:"sender_poll"`
	IntegrityPoll time.Duration `yaml:"integrity_poll"`
	HasherPoll    time.Duration `yaml:"hasher_poll"`
}

// Default returns settings with built-in defaults and paths under DefaultRoot.
func Default() *Settings {
	s := &Settings{
		Paths: PathsConfig{Root: DefaultRoot},
		Encoder: EncoderConfig{
			WindowSize:    DefaultWindowSize,
			MinMatch:      DefaultMinMatch,
			MaxCandidates: DefaultMaxCandidates,
		},
		Blob: BlobConfig{Size: DefaultBlobSize, Seed: DefaultBlobSeed},
		Upload: UploadConfig{
			MaxBytes:   DefaultMaxUploadBytes,
			ChunkBytes: DefaultUploadChunkBytes,
			StoreMode:  StoreWindowed,
		},
		Receiver: ReceiverConfig{Mode: ReceiverWindowed},
		Addrs: AddrsConfig{
			TCPJob:          "127.0.0.1:9350",
			TCPIngest:       "127.0.0.1:41001",
			QUIC:            "127.0.0.1:41002",
			UDP:             "127.0.0.1:41003",
			Repair:          "127.0.0.1:41004",
			IntegritySender: "127.0.0.1:9352",
		},
		Intervals: IntervalsConfig{
			SenderPoll:    1500 * time.Millisecond,
			IntegrityPoll: 2 * time.Second,
			HasherPoll:    2 * time.Second,
		},
		Workers: 4,
	}
	return s
}

// Load resolves settings from FF3_CONFIG (if set) and the process environment.
func Load() (*Settings, error) {
	return LoadFile(os.Getenv("FF3_CONFIG"), os.Getenv)
}

// LoadFile resolves settings from an optional YAML file and an environment
// lookup function. An empty path skips the file.
func LoadFile(path string, getenv func(string) string) (*Settings, error) {
	s := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, s); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if getenv != nil {
		s.applyEnv(getenv)
	}
	s.resolve()
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Settings) applyEnv(getenv func(string) string) {
	setString(&s.Paths.Root, getenv("TRANSFER_SDK_ROOT"))
	setString(&s.Paths.Inbox, getenv("TRANSFER_SDK_INBOX"))
	setString(&s.Paths.Spool, getenv("TRANSFER_SDK_SPOOL"))
	setString(&s.Paths.Outbox, getenv("TRANSFER_SDK_OUTBOX"))
	setString(&s.Paths.Input, getenv("FF3_INPUT_DIR"))
	setString(&s.Paths.MetaDB, getenv("FF3_META_DB"))

	setInt(&s.Encoder.WindowSize, getenv("TRANSFER_SDK_WINDOW_SIZE"))
	setInt(&s.Encoder.MinMatch, getenv("PFS_MIN_MATCH"))
	setInt(&s.Encoder.MaxCandidates, getenv("PFS_MAX_CANDIDATES"))

	setInt64(&s.Blob.Size, getenv("TRANSFER_SDK_BLOB_SIZE"))
	setInt64(&s.Blob.Seed, getenv("TRANSFER_SDK_BLOB_SEED"))
	setString(&s.Blob.Path, getenv("TRANSFER_SDK_BLOB_PATH"))

	setInt64(&s.Upload.MaxBytes, getenv("TRANSFER_SDK_MAX_UPLOAD"))
	setInt(&s.Upload.ChunkBytes, getenv("TRANSFER_SDK_UPLOAD_CHUNK"))
	switch strings.ToLower(getenv("FF3_VFS_MODE")) {
	case "windowed", "manifest", "virtual":
		s.Upload.StoreMode = StoreWindowed
	case "full", "original":
		s.Upload.StoreMode = StoreFull
	}

	if mode := strings.ToLower(getenv("FF3_RECEIVER_MODE")); mode != "" {
		s.Receiver.Mode = mode
	}
	setBool(&s.Receiver.AllowRaw, getenv("FF3_ALLOW_RAW"))
	setInt(&s.Receiver.MaxWindowSize, getenv("FF3_MAX_WINDOW_SIZE"))

	setString(&s.Addrs.TCPJob, getenv("FF3_TCP_JOB_ADDR"))
	setString(&s.Addrs.TCPIngest, getenv("FF3_TCP_ADDR"))
	setString(&s.Addrs.QUIC, getenv("FF3_QUIC_ADDR"))
	setString(&s.Addrs.UDP, getenv("FF3_UDP_ADDR"))
	setString(&s.Addrs.Repair, getenv("FF3_REPAIR_ADDR"))
	setString(&s.Addrs.IntegritySender, getenv("FF3_INTEGRITY_ADDR"))

	setString(&s.Security.TCPSecret, getenv("FF3_TCP_SECRET"))
	setString(&s.Security.QUICPSK, getenv("FF3_QUIC_PSK"))
	setString(&s.Security.UDPPSK, getenv("FF3_UDP_PSK"))
	setString(&s.Security.RepairPSK, getenv("FF3_REPAIR_PSK"))
	setString(&s.Security.QUICCert, getenv("FF3_QUIC_CERT"))
	setString(&s.Security.QUICKey, getenv("FF3_QUIC_KEY"))
}

// resolve fills derived paths and applies the blob file size rule.
func (s *Settings) resolve() {
	root := s.Paths.Root
	if root == "" {
		root = DefaultRoot
		s.Paths.Root = root
	}
	if s.Paths.Inbox == "" {
		s.Paths.Inbox = filepath.Join(root, "inbox")
	}
	if s.Paths.Spool == "" {
		s.Paths.Spool = filepath.Join(root, "spool")
	}
	if s.Paths.Sent == "" {
		s.Paths.Sent = filepath.Join(s.Paths.Spool, "sent")
	}
	if s.Paths.Outbox == "" {
		s.Paths.Outbox = filepath.Join(root, "outbox")
	}
	if s.Paths.Input == "" {
		s.Paths.Input = filepath.Join(root, "input")
	}
	if s.Paths.MetaDB == "" {
		s.Paths.MetaDB = filepath.Join(root, "meta.db")
	}
	if s.Blob.Path != "" {
		if info, err := os.Stat(s.Blob.Path); err == nil && info.Mode().IsRegular() {
			s.Blob.Size = info.Size()
		}
	}
	if s.Blob.Size <= 0 {
		s.Blob.Size = DefaultBlobSize
	}
	if s.Upload.ChunkBytes < MinUploadChunkBytes {
		s.Upload.ChunkBytes = MinUploadChunkBytes
	}
	if s.Encoder.MinMatch <= 0 {
		s.Encoder.MinMatch = DefaultMinMatch
	}
	if s.Encoder.MaxCandidates <= 0 {
		s.Encoder.MaxCandidates = DefaultMaxCandidates
	}
	if s.Workers <= 0 {
		s.Workers = 1
	}
}

// Validate checks for settings that cannot be defaulted.
func (s *Settings) Validate() error {
	var errs []error
	if s.Encoder.WindowSize <= 0 {
		errs = append(errs, errors.New("config: window_size must be positive"))
	}
	if s.Upload.MaxBytes <= 0 {
		errs = append(errs, errors.New("config: upload max_bytes must be positive"))
	}
	switch s.Upload.StoreMode {
	case StoreWindowed, StoreFull:
	default:
		errs = append(errs, fmt.Errorf("config: unknown store_mode %q", s.Upload.StoreMode))
	}
	switch s.Receiver.Mode {
	case ReceiverWindowed, ReceiverReconstruct:
	default:
		errs = append(errs, fmt.Errorf("config: unknown receiver mode %q", s.Receiver.Mode))
	}
	return errors.Join(errs...)
}

// EnsureDirs creates the inbox, spool, sent and outbox directories.
func (s *Settings) EnsureDirs() error {
	for _, dir := range []string{s.Paths.Inbox, s.Paths.Spool, s.Paths.Sent, s.Paths.Outbox} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("config: create %s: %w", dir, err)
		}
	}
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// Unparseable numbers keep the current value.
func setInt(dst *int, v string) {
	if v == "" {
		return
	}
	if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
		*dst = n
	}
}

func setInt64(dst *int64, v string) {
	if v == "" {
		return
	}
	if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
		*dst = n
	}
}

func setBool(dst *bool, v string) {
	if v == "" {
		return
	}
	if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
		*dst = b
	}
}
