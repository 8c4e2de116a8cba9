package certstore_test

import (
	"bytes"
	"context"
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

	"github.com/ttimochan/dns-frontdoor/internal/certstore"
)

// writeSelfSigned generates a self-signed cert/key pair for name and writes
// it as PEM files under t.TempDir(), returning their paths.
func writeSelfSigned(t *testing.T, name string) (certFile, keyFile string) {
	t.Helper()

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	serialLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, serialLimit)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{Organization: []string{"dns-frontdoor Tests"}},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		DNSNames:              []string{name},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	require.NoError(t, err)

	dir := t.TempDir()
	certFile = filepath.Join(dir, name+".crt")
	keyFile = filepath.Join(dir, name+".key")

	certPem := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPem := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(privateKey)})

	require.NoError(t, os.WriteFile(certFile, certPem, 0o600))
	require.NoError(t, os.WriteFile(keyFile, keyPem, 0o600))

	return certFile, keyFile
}

// TestResolveSNI_scenarioS5 checks scenario S5 from spec.md §8:
// tls.certs["example.org"]=certA, tls.default=certD, handshake SNI
// "www.example.org" -> certA (base-domain match), "foo.bar" -> certD
// (default), and with no default configured, an unmatched SNI fails.
func TestResolveSNI_scenarioS5(t *testing.T) {
	certAFile, keyAFile := writeSelfSigned(t, "example.org")
	certDFile, keyDFile := writeSelfSigned(t, "default")

	store, err := certstore.New(
		map[string]certstore.Entry{
			"example.org": {CertFile: certAFile, KeyFile: keyAFile},
		},
		&certstore.Entry{CertFile: certDFile, KeyFile: keyDFile},
	)
	require.NoError(t, err)

	ckA, err := store.ResolveSNI("www.example.org")
	require.NoError(t, err)
	require.NotNil(t, ckA.Certificate)

	ckD, err := store.ResolveSNI("foo.bar")
	require.NoError(t, err)
	require.NotNil(t, ckD.Certificate)

	require.NotEqual(t, ckA.Certificate, ckD.Certificate)

	storeNoDefault, err := certstore.New(
		map[string]certstore.Entry{"example.org": {CertFile: certAFile, KeyFile: keyAFile}},
		nil,
	)
	require.NoError(t, err)

	_, err = storeNoDefault.ResolveSNI("foo.bar")
	require.Error(t, err)
}

// TestResolveSNI_invariant4 checks invariant 4 from spec.md §8: resolving the
// same SNI repeatedly always yields the same certificate.
func TestResolveSNI_invariant4(t *testing.T) {
	certFile, keyFile := writeSelfSigned(t, "example.org")

	store, err := certstore.New(
		map[string]certstore.Entry{"example.org": {CertFile: certFile, KeyFile: keyFile}},
		nil,
	)
	require.NoError(t, err)

	first, err := store.ResolveSNI("www.example.org")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		again, err := store.ResolveSNI("www.example.org")
		require.NoError(t, err)
		require.Equal(t, first.Certificate, again.Certificate)
	}
}

func TestResolveSNI_exactBeatsBaseDomain(t *testing.T) {
	exactCert, exactKey := writeSelfSigned(t, "www.example.org")
	baseCert, baseKey := writeSelfSigned(t, "example.org")

	store, err := certstore.New(
		map[string]certstore.Entry{
			"www.example.org": {CertFile: exactCert, KeyFile: exactKey},
			"example.org":      {CertFile: baseCert, KeyFile: baseKey},
		},
		nil,
	)
	require.NoError(t, err)

	exact, err := store.ResolveSNI("www.example.org")
	require.NoError(t, err)

	base, err := store.ResolveSNI("api.example.org")
	require.NoError(t, err)

	require.NotEqual(t, exact.Certificate, base.Certificate)
}

// TestResolve_implementsGetCertificate checks that Resolve can be used
// directly as a tls.Config.GetCertificate hook.
func TestResolve_implementsGetCertificate(t *testing.T) {
	certFile, keyFile := writeSelfSigned(t, "example.org")

	store, err := certstore.New(
		map[string]certstore.Entry{"example.org": {CertFile: certFile, KeyFile: keyFile}},
		nil,
	)
	require.NoError(t, err)

	var getCert func(*tls.ClientHelloInfo) (*tls.Certificate, error) = store.Resolve

	cert, err := getCert(&tls.ClientHelloInfo{ServerName: "www.example.org"})
	require.NoError(t, err)
	require.NotNil(t, cert)

	_, err = getCert(&tls.ClientHelloInfo{ServerName: "unrelated.test"})
	require.Error(t, err)
}

// TestWatch_invalidatesCacheOnRewrite checks that the supplemented
// fsnotify-driven hot reload drops a loaded certificate once its file is
// rewritten on disk, forcing the next ResolveSNI to reload it.
func TestWatch_invalidatesCacheOnRewrite(t *testing.T) {
	certFile, keyFile := writeSelfSigned(t, "example.org")

	store, err := certstore.New(
		map[string]certstore.Entry{"example.org": {CertFile: certFile, KeyFile: keyFile}},
		nil,
	)
	require.NoError(t, err)

	first, err := store.ResolveSNI("www.example.org")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, store.Watch(ctx))

	newCertFile, newKeyFile := writeSelfSigned(t, "example.org")
	newCertPEM, err := os.ReadFile(newCertFile)
	require.NoError(t, err)
	newKeyPEM, err := os.ReadFile(newKeyFile)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(certFile, newCertPEM, 0o600))
	require.NoError(t, os.WriteFile(keyFile, newKeyPEM, 0o600))

	require.Eventually(t, func() bool {
		reloaded, rerr := store.ResolveSNI("www.example.org")

		return rerr == nil && !bytes.Equal(reloaded.Certificate.Certificate[0], first.Certificate.Certificate[0])
	}, 2*time.Second, 10*time.Millisecond)
}
