package acceptor_test

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ttimochan/dns-frontdoor/internal/acceptor"
	"github.com/ttimochan/dns-frontdoor/internal/certstore"
)

func selfSigned(t *testing.T, name string) (certFile, keyFile string) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{Organization: []string{"dns-frontdoor Tests"}},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		DNSNames:              []string{name},
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	require.NoError(t, err)

	dir := t.TempDir()
	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")

	writeErr := writePEM(certFile, "CERTIFICATE", der)
	require.NoError(t, writeErr)
	writeErr = writePEM(keyFile, "RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(key))
	require.NoError(t, writeErr)

	return certFile, keyFile
}

func writePEM(path, blockType string, der []byte) error {
	return os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der}), 0o600)
}

// TestTLSConfig_negotiatesALPNAndResolvesCert dials the acceptor's TLS
// config against itself in-process (no real listener) to confirm the
// GetConfigForClient hook both negotiates the requested ALPN protocol and
// serves the certificate CertStore resolved for the handshake's SNI.
func TestTLSConfig_negotiatesALPNAndResolvesCert(t *testing.T) {
	certFile, keyFile := selfSigned(t, "example.org")

	store, err := certstore.New(map[string]certstore.Entry{
		"example.org": {CertFile: certFile, KeyFile: keyFile},
	}, nil)
	require.NoError(t, err)

	f := acceptor.NewFactory(store, tls.NoClientCert)
	serverCfg := f.TLSConfig(acceptor.ALPNDoT)

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	done := make(chan error, 1)
	go func() {
		srv := tls.Server(serverConn, serverCfg)
		done <- srv.Handshake()
	}()

	clientCfg := &tls.Config{InsecureSkipVerify: true, ServerName: "example.org", NextProtos: acceptor.ALPNDoT}
	cli := tls.Client(clientConn, clientCfg)

	require.NoError(t, cli.Handshake())
	require.NoError(t, <-done)
	require.Equal(t, "dot", cli.ConnectionState().NegotiatedProtocol)
}

// TestConfigForClient_rejectsPolicyMismatch checks that a certificate
// requiring client auth is refused on a listener configured without it.
func TestConfigForClient_rejectsPolicyMismatch(t *testing.T) {
	certFile, keyFile := selfSigned(t, "secure.example.org")

	store, err := certstore.New(map[string]certstore.Entry{
		"secure.example.org": {CertFile: certFile, KeyFile: keyFile, RequireClientCert: true},
	}, nil)
	require.NoError(t, err)

	f := acceptor.NewFactory(store, tls.NoClientCert)
	serverCfg := f.TLSConfig(acceptor.ALPNDoT)

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	done := make(chan error, 1)
	go func() {
		srv := tls.Server(serverConn, serverCfg)
		done <- srv.Handshake()
	}()

	clientCfg := &tls.Config{InsecureSkipVerify: true, ServerName: "secure.example.org"}
	cli := tls.Client(clientConn, clientCfg)

	require.Error(t, cli.Handshake())
	require.Error(t, <-done)
}
