package pemcert_test

import (
	"crypto/x509/pkix"
	"os"
	"path/filepath"
	"testing"

	"github.com/effective-security/ofssl/pemcert"
	"github.com/effective-security/xpki/testca"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadFile_MultiCert(t *testing.T) {
	root := testca.NewEntity(testca.Authority, testca.Subject(pkix.Name{CommonName: "[TEST] Root"}))
	inter := root.Issue(testca.Authority, testca.Subject(pkix.Name{CommonName: "[TEST] Issuing"}))

	dir := t.TempDir()
	file := filepath.Join(dir, "chain.pem")
	data := pemcert.EncodeToPEM(inter.Certificate, root.Certificate)
	require.NoError(t, os.WriteFile(file, data, 0644))

	certs, err := pemcert.ReadFile(file)
	require.NoError(t, err)
	require.Len(t, certs, 2)
	assert.Equal(t, "[TEST] Issuing", certs[0].Subject.CommonName)
	assert.Equal(t, "[TEST] Root", certs[1].Subject.CommonName)
}

func TestReadFile_Empty(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "empty.pem")
	require.NoError(t, os.WriteFile(file, []byte("\n\n"), 0644))

	_, err := pemcert.ReadFile(file)
	assert.Error(t, err)
}

func TestReadFile_Garbage(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "garbage.pem")
	require.NoError(t, os.WriteFile(file, []byte("not pem data"), 0644))

	_, err := pemcert.ReadFile(file)
	assert.Error(t, err)
}

func TestReadFile_Missing(t *testing.T) {
	_, err := pemcert.ReadFile("/nonexistent/path/cert.pem")
	assert.Error(t, err)
}

func TestRoundTrip(t *testing.T) {
	root := testca.NewEntity(testca.Authority, testca.Subject(pkix.Name{CommonName: "[TEST] RT Root"}))
	data := pemcert.EncodeToPEM(root.Certificate)

	certs, err := pemcert.Parse(data)
	require.NoError(t, err)
	require.Len(t, certs, 1)

	data2 := pemcert.EncodeToPEM(certs...)
	certs2, err := pemcert.Parse(data2)
	require.NoError(t, err)
	require.Len(t, certs2, 1)
	assert.Equal(t, certs[0].Raw, certs2[0].Raw)
}
