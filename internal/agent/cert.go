package agent

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"

	"github.com/gluk-w/protonet/internal/crypto"
)

// EnsureCert returns the agent's certificate PEM, generating the key pair on
// first run. The PEM is what a host entry stores as its agent certificate.
func EnsureCert(cfg Settings) (string, error) {
	certPEM, err := os.ReadFile(cfg.CertFile)
	if err == nil {
		if _, err := os.Stat(cfg.KeyFile); err != nil {
			return "", fmt.Errorf("agent key missing: %w", err)
		}
		return string(certPEM), nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("read agent cert: %w", err)
	}

	cert, key, err := crypto.GenerateAgentCertPair()
	if err != nil {
		return "", err
	}
	for _, dir := range []string{filepath.Dir(cfg.CertFile), filepath.Dir(cfg.KeyFile)} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return "", fmt.Errorf("create cert directory: %w", err)
		}
	}
	if err := os.WriteFile(cfg.KeyFile, []byte(key), 0o600); err != nil {
		return "", fmt.Errorf("write agent key: %w", err)
	}
	if err := os.WriteFile(cfg.CertFile, []byte(cert), 0o644); err != nil {
		return "", fmt.Errorf("write agent cert: %w", err)
	}
	log.Printf("agent: generated certificate %s", cfg.CertFile)
	return cert, nil
}
