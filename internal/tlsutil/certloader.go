// Package tlsutil builds the TLS configuration used to reach dependencies
// over mutual TLS and to terminate TLS on the guard's listener, reloading
// certificates when they are rotated on disk.
package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ClientOptions names the files that make up a dependency's TLS identity.
// All fields are optional; an empty CertFile disables client certificates.
type ClientOptions struct {
	CAFile             string
	CertFile           string
	KeyFile            string
	ServerName         string
	InsecureSkipVerify bool
}

// CertLoader holds the current client certificate and swaps it when the
// cert or key file changes.
type CertLoader struct {
	mu       sync.RWMutex
	cert     *tls.Certificate
	certFile string
	keyFile  string
	logger   *slog.Logger
	watcher  *fsnotify.Watcher
	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewClientConfig returns a tls.Config for dialing a dependency. When a
// client certificate is configured the returned loader must be stopped by
// the caller; otherwise it is nil.
func NewClientConfig(opts ClientOptions, logger *slog.Logger) (*tls.Config, *CertLoader, error) {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         opts.ServerName,
		InsecureSkipVerify: opts.InsecureSkipVerify, //nolint:gosec // opt-in for test upstreams
	}

	if opts.CAFile != "" {
		pem, err := os.ReadFile(opts.CAFile)
		if err != nil {
			return nil, nil, fmt.Errorf("reading CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, nil, fmt.Errorf("no certificates found in CA file %s", opts.CAFile)
		}
		cfg.RootCAs = pool
	}

	if opts.CertFile == "" && opts.KeyFile == "" {
		return cfg, nil, nil
	}
	if opts.CertFile == "" || opts.KeyFile == "" {
		return nil, nil, errors.New("client TLS requires both cert_file and key_file")
	}

	cl, err := NewCertLoader(opts.CertFile, opts.KeyFile, logger)
	if err != nil {
		return nil, nil, err
	}
	cfg.GetClientCertificate = cl.GetClientCertificate
	return cfg, cl, nil
}

// NewServerConfig returns a tls.Config for the guard's listener serving the
// key pair at certFile and keyFile. minVersion is "1.2" or "1.3". The
// returned loader must be stopped by the caller.
func NewServerConfig(certFile, keyFile, minVersion string, logger *slog.Logger) (*tls.Config, *CertLoader, error) {
	version := uint16(tls.VersionTLS12)
	switch minVersion {
	case "", "1.2":
	case "1.3":
		version = tls.VersionTLS13
	default:
		return nil, nil, fmt.Errorf("unsupported TLS min version %q", minVersion)
	}
	cl, err := NewCertLoader(certFile, keyFile, logger)
	if err != nil {
		return nil, nil, err
	}
	return &tls.Config{MinVersion: version, GetCertificate: cl.GetCertificate}, cl, nil
}

// NewCertLoader loads the initial key pair and starts watching both files.
func NewCertLoader(certFile, keyFile string, logger *slog.Logger) (*CertLoader, error) {
	cl := &CertLoader{
		certFile: certFile,
		keyFile:  keyFile,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
	if err := cl.loadCert(); err != nil {
		return nil, fmt.Errorf("initial certificate load: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	for _, f := range []string{certFile, keyFile} {
		if err := watcher.Add(f); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("watching %s: %w", f, err)
		}
	}
	cl.watcher = watcher
	go cl.watchLoop()

	logger.Info("certificate loaded, watching for changes", "cert_file", certFile, "key_file", keyFile)
	return cl, nil
}

// GetClientCertificate is the tls.Config callback invoked when a dependency
// requests a client certificate during the handshake.
func (cl *CertLoader) GetClientCertificate(*tls.CertificateRequestInfo) (*tls.Certificate, error) {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return cl.cert, nil
}

// GetCertificate is the tls.Config callback serving the current
// certificate to clients of the guard.
func (cl *CertLoader) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return cl.cert, nil
}

// Leaf returns the parsed leaf of the current certificate.
func (cl *CertLoader) Leaf() *x509.Certificate {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return cl.cert.Leaf
}

// Reload re-reads the key pair. On failure the current certificate is kept.
func (cl *CertLoader) Reload() error {
	if err := cl.loadCert(); err != nil {
		cl.logger.Error("certificate reload failed, keeping current",
			"error", err, "cert_file", cl.certFile, "key_file", cl.keyFile)
		return err
	}
	cl.logger.Info("certificate reloaded", "cert_file", cl.certFile)
	return nil
}

// Stop terminates the file watcher. Safe to call more than once.
func (cl *CertLoader) Stop() {
	cl.stopOnce.Do(func() {
		close(cl.stopCh)
		if cl.watcher != nil {
			cl.watcher.Close()
		}
	})
}

func (cl *CertLoader) loadCert() error {
	cert, err := tls.LoadX509KeyPair(cl.certFile, cl.keyFile)
	if err != nil {
		return err
	}
	cl.mu.Lock()
	cl.cert = &cert
	cl.mu.Unlock()
	return nil
}

func (cl *CertLoader) watchLoop() {
	var debounce *time.Timer

	for {
		select {
		case event, ok := <-cl.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(300*time.Millisecond, func() {
					_ = cl.Reload()
				})
			}
		case err, ok := <-cl.watcher.Errors:
			if !ok {
				return
			}
			cl.logger.Error("client certificate watcher error", "error", err)
		case <-cl.stopCh:
			if debounce != nil {
				debounce.Stop()
			}
			return
		}
	}
}
