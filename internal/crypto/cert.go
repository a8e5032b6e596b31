package crypto

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/gluk-w/protonet/internal/database"
)

// AgentServerName is the TLS server name every agent certificate carries.
// Clients pin the exact certificate, so the name is shared.
const AgentServerName = "protonet-agent"

const clientCommonName = "protonet-client"

// generateCertPair creates a self-signed ECDSA P-256 certificate valid for
// roughly ten years.
func generateCertPair(commonName string, usage x509.ExtKeyUsage) (certPEM, keyPEM string, err error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("generate ECDSA key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return "", "", fmt.Errorf("generate serial number: %w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serialNumber,
		Subject:               pkix.Name{CommonName: commonName},
		DNSNames:              []string{commonName},
		NotBefore:             now,
		NotAfter:              now.Add(10 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{usage},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return "", "", fmt.Errorf("create certificate: %w", err)
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return "", "", fmt.Errorf("marshal private key: %w", err)
	}

	certPEM = string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER}))
	keyPEM = string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}))
	return certPEM, keyPEM, nil
}

// GenerateAgentCertPair creates the server certificate an agent daemon
// presents. Hosts store the certificate PEM and clients pin it.
func GenerateAgentCertPair() (certPEM, keyPEM string, err error) {
	return generateCertPair(AgentServerName, x509.ExtKeyUsageServerAuth)
}

var (
	clientCertOnce sync.Once
	clientCert     *tls.Certificate
	clientCertPEM  string
	clientCertErr  error
)

// GetClientCert returns the client certificate presented to agents,
// generating and persisting it on first use. The public PEM is what an agent
// is configured to trust.
func GetClientCert() (*tls.Certificate, string, error) {
	clientCertOnce.Do(func() {
		clientCertPEM, clientCert, clientCertErr = loadOrGenerateClientCert()
	})
	return clientCert, clientCertPEM, clientCertErr
}

// ResetClientCertCache clears the cached client certificate (for testing).
func ResetClientCertCache() {
	clientCertOnce = sync.Once{}
	clientCert = nil
	clientCertPEM = ""
	clientCertErr = nil
}

func loadOrGenerateClientCert() (string, *tls.Certificate, error) {
	if certPEM, err := database.GetSetting("client_cert"); err == nil && certPEM != "" {
		if encKeyPEM, err := database.GetSetting("client_cert_key"); err == nil {
			if keyPEM, err := Decrypt(encKeyPEM); err == nil {
				if parsed, err := tls.X509KeyPair([]byte(certPEM), []byte(keyPEM)); err == nil {
					return certPEM, &parsed, nil
				}
			}
		}
	}

	certPEM, keyPEM, err := generateCertPair(clientCommonName, x509.ExtKeyUsageClientAuth)
	if err != nil {
		return "", nil, fmt.Errorf("generate client cert: %w", err)
	}

	encKeyPEM, err := Encrypt(keyPEM)
	if err != nil {
		return "", nil, fmt.Errorf("encrypt client key: %w", err)
	}
	if err := database.SetSetting("client_cert", certPEM); err != nil {
		return "", nil, fmt.Errorf("save client cert: %w", err)
	}
	if err := database.SetSetting("client_cert_key", encKeyPEM); err != nil {
		return "", nil, fmt.Errorf("save client key: %w", err)
	}

	parsed, err := tls.X509KeyPair([]byte(certPEM), []byte(keyPEM))
	if err != nil {
		return "", nil, fmt.Errorf("parse client cert: %w", err)
	}
	return certPEM, &parsed, nil
}
