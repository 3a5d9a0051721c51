package quicx

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"log/slog"
	"math/big"
	"net"
	"os"
	"sync"
	"time"
)

// ALPN is the application protocol negotiated on every connection.
const ALPN = "pfs-arith"

// ServerTLS returns the server TLS config. With both certPath and keyPath
// set the pair is loaded from disk and reloaded when either file changes;
// otherwise a self-signed ECDSA P-256 certificate is generated.
func ServerTLS(certPath, keyPath string, log *slog.Logger) (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS13, NextProtos: []string{ALPN}}
	if certPath == "" && keyPath == "" {
		cert, err := SelfSigned()
		if err != nil {
			return nil, err
		}
		cfg.Certificates = []tls.Certificate{cert}
		return cfg, nil
	}
	if certPath == "" || keyPath == "" {
		return nil, errors.New("quicx: cert and key must be set together")
	}
	loader := &certReloader{certPath: certPath, keyPath: keyPath, log: log}
	if err := loader.load(); err != nil {
		return nil, err
	}
	cfg.GetCertificate = loader.getCertificate
	return cfg, nil
}

// ClientTLS returns the client TLS config. The receiver's certificate is
// not verified.
func ClientTLS() *tls.Config {
	return &tls.Config{
		MinVersion:         tls.VersionTLS13,
		NextProtos:         []string{ALPN},
		InsecureSkipVerify: true, //nolint:gosec // receivers run with self-signed certs
	}
}

// SelfSigned generates a throwaway certificate for localhost.
func SelfSigned() (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return tls.Certificate{}, err
	}
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "ff3"},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}, nil
}

type certReloader struct {
	certPath string
	keyPath  string
	log      *slog.Logger

	mu        sync.Mutex
	cert      *tls.Certificate
	certMtime time.Time
	keyMtime  time.Time
}

func (r *certReloader) getCertificate(_ *tls.ClientHelloInfo) (*tls.Certificate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.needsReload() {
		if err := r.loadLocked(); err != nil {
			if r.cert != nil {
				r.log.Warn("tls reload failed, using previous cert", "err", err)
				return r.cert, nil
			}
			return nil, err
		}
	}
	if r.cert == nil {
		return nil, errors.New("quicx: certificate not loaded")
	}
	return r.cert, nil
}

func (r *certReloader) needsReload() bool {
	certInfo, err := os.Stat(r.certPath)
	if err != nil {
		return false
	}
	keyInfo, err := os.Stat(r.keyPath)
	if err != nil {
		return false
	}
	return certInfo.ModTime().After(r.certMtime) || keyInfo.ModTime().After(r.keyMtime)
}

func (r *certReloader) load() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loadLocked()
}

func (r *certReloader) loadLocked() error {
	certInfo, err := os.Stat(r.certPath)
	if err != nil {
		return err
	}
	keyInfo, err := os.Stat(r.keyPath)
	if err != nil {
		return err
	}
	pair, err := tls.LoadX509KeyPair(r.certPath, r.keyPath)
	if err != nil {
		return err
	}
	r.cert = &pair
	r.certMtime = certInfo.ModTime()
	r.keyMtime = keyInfo.ModTime()
	return nil
}
