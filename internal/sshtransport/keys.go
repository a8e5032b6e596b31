package sshtransport

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"
)

const (
	privateKeyFile = "id_ed25519"
	publicKeyFile  = "id_ed25519.pub"
)

var keyMu sync.Mutex

// GenerateKeyPair generates an ED25519 key pair and returns the PEM-encoded
// private key and OpenSSH-format public key.
func GenerateKeyPair() (publicKey, privateKeyPEM []byte, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate ed25519 key: %w", err)
	}

	privBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal private key: %w", err)
	}
	privateKeyPEM = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privBytes})

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, nil, fmt.Errorf("create ssh public key: %w", err)
	}
	return ssh.MarshalAuthorizedKey(sshPub), privateKeyPEM, nil
}

// LoadOrCreateSigner returns the client key kept in dir, generating it on
// first use.
func LoadOrCreateSigner(dir string) (ssh.Signer, error) {
	keyMu.Lock()
	defer keyMu.Unlock()

	privPath := filepath.Join(dir, privateKeyFile)
	data, err := os.ReadFile(privPath)
	if errors.Is(err, fs.ErrNotExist) {
		pub, priv, err := GenerateKeyPair()
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create key directory: %w", err)
		}
		if err := os.WriteFile(privPath, priv, 0o600); err != nil {
			return nil, fmt.Errorf("write private key: %w", err)
		}
		if err := os.WriteFile(filepath.Join(dir, publicKeyFile), pub, 0o644); err != nil {
			return nil, fmt.Errorf("write public key: %w", err)
		}
		log.Printf("[ssh] Generated client key in %s", dir)
		data = priv
	} else if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}

	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return signer, nil
}

// AuthorizedKey returns the client public key in authorized_keys format.
func AuthorizedKey(dir string) (string, error) {
	signer, err := LoadOrCreateSigner(dir)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(ssh.MarshalAuthorizedKey(signer.PublicKey()))), nil
}
