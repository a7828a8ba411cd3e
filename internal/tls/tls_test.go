package tls

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupAutoGeneratesOnce(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "tls")
	cfg, err := Setup(Options{Dir: dir, AutoGenerate: true, Hosts: []string{"router.local", "127.0.0.1"}})
	require.NoError(t, err)
	assert.Equal(t, uint16(tls.VersionTLS13), cfg.MinVersion)

	for _, f := range []string{tlsCrt, tlsKey, tlsCaCrt} {
		assert.FileExists(t, filepath.Join(dir, f))
	}
	info, err := os.Stat(filepath.Join(dir, tlsKey))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	cert, err := cfg.GetCertificate(&tls.ClientHelloInfo{})
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)
	assert.Equal(t, []string{"router.local"}, leaf.DNSNames)
	require.Len(t, leaf.IPAddresses, 1)
	assert.Equal(t, "127.0.0.1", leaf.IPAddresses[0].String())
	assert.True(t, leaf.NotAfter.After(time.Now().AddDate(0, 0, 300)))

	before, err := os.ReadFile(filepath.Join(dir, tlsCrt))
	require.NoError(t, err)
	_, err = Setup(Options{Dir: dir, AutoGenerate: true})
	require.NoError(t, err)
	after, err := os.ReadFile(filepath.Join(dir, tlsCrt))
	require.NoError(t, err)
	assert.Equal(t, before, after, "existing pair must be reused")
}

func TestSetupWithFiles(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "c.pem")
	keyPath := filepath.Join(dir, "k.pem")
	require.NoError(t, GenerateSelfSignedCert(CertConfig{
		CommonName: "x", Organization: "o", Hosts: []string{"localhost"},
		NotAfter: time.Now().Add(time.Hour), CertPath: certPath, KeyPath: keyPath,
	}))
	b, err := os.ReadFile(certPath)
	require.NoError(t, err)
	blk, _ := pem.Decode(b)
	require.NotNil(t, blk)
	assert.Equal(t, "CERTIFICATE", blk.Type)
	assert.NoFileExists(t, filepath.Join(dir, tlsCaCrt))

	cfg, err := Setup(Options{CertFile: certPath, KeyFile: keyPath, MinVersion: "1.2"})
	require.NoError(t, err)
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
	_, err = cfg.GetCertificate(&tls.ClientHelloInfo{})
	require.NoError(t, err)
}

func TestSetupErrors(t *testing.T) {
	_, err := Setup(Options{})
	assert.Error(t, err)

	_, err = Setup(Options{Dir: t.TempDir()})
	assert.Error(t, err, "missing pair without auto_generate")

	_, err = Setup(Options{Dir: t.TempDir(), AutoGenerate: true, MinVersion: "1.0"})
	assert.Error(t, err)
}

func TestMissingFilesFailAtHandshake(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Setup(Options{CertFile: filepath.Join(dir, "nope.crt"), KeyFile: filepath.Join(dir, "nope.key")})
	require.NoError(t, err)
	_, err = cfg.GetCertificate(&tls.ClientHelloInfo{})
	assert.Error(t, err)
}
