package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/tiered-segment-store/internal/crypto"
	"github.com/kenneth/tiered-segment-store/internal/manifest"
	"github.com/kenneth/tiered-segment-store/internal/transform"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

// writeSegment stores an encrypted, compressed segment in dir and returns
// the manifest path, the data path and the original bytes.
func writeSegment(t *testing.T, dir string) (string, string, []byte) {
	t.Helper()

	out, err := run(t, "keygen", "age", "--out-dir", dir)
	require.NoError(t, err)
	require.Contains(t, out, "Public key: age1")

	wrapper, err := crypto.LoadAgeKeyWrapper(nil, filepath.Join(dir, ageIdentityFile))
	require.NoError(t, err)

	dataKey, err := crypto.NewDataKey()
	require.NoError(t, err)
	aad, err := crypto.NewAAD()
	require.NoError(t, err)
	enc := manifest.NewEncryptionMetadata(dataKey, aad)

	original := []byte(strings.Repeat("segment record payload ", 200))
	var stored bytes.Buffer
	ci, err := transform.Transform(bytes.NewReader(original), int64(len(original)), &stored, transform.Options{
		ChunkSize:   1024,
		Compression: true,
		Encryption:  enc,
	})
	require.NoError(t, err)

	encoded, err := manifest.NewCodec(manifest.WithKeyWrapper(wrapper)).Encode(manifest.New(ci, true, enc))
	require.NoError(t, err)

	manifestPath := filepath.Join(dir, "segment.manifest")
	dataPath := filepath.Join(dir, "segment.data")
	require.NoError(t, os.WriteFile(manifestPath, encoded, 0o600))
	require.NoError(t, os.WriteFile(dataPath, stored.Bytes(), 0o600))
	return manifestPath, dataPath, original
}

func TestKeygenAge(t *testing.T) {
	dir := t.TempDir()

	_, err := run(t, "keygen", "age", "--out-dir", dir)
	require.NoError(t, err)

	identity, err := os.ReadFile(filepath.Join(dir, ageIdentityFile))
	require.NoError(t, err)
	assert.Contains(t, string(identity), "AGE-SECRET-KEY-1")

	info, err := os.Stat(filepath.Join(dir, ageIdentityFile))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	_, err = run(t, "keygen", "age", "--out-dir", dir)
	assert.ErrorContains(t, err, "already exists")
}

func TestKeygenRSA(t *testing.T) {
	dir := t.TempDir()

	_, err := run(t, "keygen", "rsa", "--bits", "2048", "--out-dir", dir)
	require.NoError(t, err)

	w, err := crypto.LoadRSAKeyWrapper(filepath.Join(dir, rsaPublicKeyFile), filepath.Join(dir, rsaPrivateKeyFile))
	require.NoError(t, err)
	assert.True(t, w.CanUnwrap())

	_, err = run(t, "keygen", "rsa", "--bits", "1024", "--out-dir", t.TempDir())
	assert.Error(t, err)
}

func TestInspect(t *testing.T) {
	dir := t.TempDir()
	manifestPath, _, original := writeSegment(t, dir)

	out, err := run(t, "inspect", manifestPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Encrypted:")
	assert.Contains(t, out, crypto.AlgorithmAES256GCM)
	assert.Contains(t, out, "wrapped (no key material given)")
	assert.Contains(t, out, "Chunks:")
	assert.Contains(t, out, "5")
	assert.Contains(t, out, "Original size:")
	assert.Contains(t, out, "4600")
	assert.Equal(t, 4600, len(original))

	out, err = run(t, "inspect", manifestPath, "--age-identity", filepath.Join(dir, ageIdentityFile), "--chunks")
	require.NoError(t, err)
	assert.Contains(t, out, "unwrapped")
	assert.Contains(t, out, "STORED SIZE")

	_, err = run(t, "inspect", filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

func TestInspectWithWrongKey(t *testing.T) {
	dir := t.TempDir()
	manifestPath, _, _ := writeSegment(t, dir)

	other := t.TempDir()
	_, err := run(t, "keygen", "age", "--out-dir", other)
	require.NoError(t, err)

	_, err = run(t, "inspect", manifestPath, "--age-identity", filepath.Join(other, ageIdentityFile))
	assert.ErrorIs(t, err, crypto.ErrKeyUnwrap)
}

func TestRestore(t *testing.T) {
	dir := t.TempDir()
	manifestPath, dataPath, original := writeSegment(t, dir)
	outPath := filepath.Join(dir, "restored")

	_, err := run(t, "restore", manifestPath, dataPath, "--age-identity", filepath.Join(dir, ageIdentityFile), "-o", outPath)
	require.NoError(t, err)
	restored, err := os.ReadFile(outPath)
	require.NoError(t, err)
	assert.Equal(t, original, restored)

	_, err = run(t, "restore", manifestPath, dataPath)
	assert.ErrorIs(t, err, errNoDataKey)

	stored, err := os.ReadFile(dataPath)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(dataPath, stored[:len(stored)-1], 0o600))
	_, err = run(t, "restore", manifestPath, dataPath, "--age-identity", filepath.Join(dir, ageIdentityFile))
	assert.ErrorIs(t, err, transform.ErrSizeMismatch)
}

func TestPlan(t *testing.T) {
	out, err := run(t, "plan", "--file-size", "2500", "--chunk-size", "1000", "--encrypted")
	require.NoError(t, err)
	assert.Contains(t, out, "Stored size: 2584 (+84 bytes)")

	ci, err := planIndex(2500, 1000, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2500), ci.TransformedSize())
	assert.Equal(t, 3, ci.ChunkCount())

	_, err = planIndex(2500, 1000, -1)
	assert.Error(t, err)

	_, err = run(t, "plan", "--chunk-size", "1000")
	assert.Error(t, err)
}

func TestStripSecretKey(t *testing.T) {
	stripped, err := stripSecretKey([]byte(`{"version":"1","encryption":{"secretKey":"AAAA","aad":"BBBB"}}`))
	require.NoError(t, err)
	assert.NotContains(t, string(stripped), "secretKey")
	assert.Contains(t, string(stripped), `"aad":"BBBB"`)

	plain := []byte(`{"version":"1","compression":false}`)
	stripped, err = stripSecretKey(plain)
	require.NoError(t, err)
	assert.Equal(t, plain, stripped)

	_, err = stripSecretKey([]byte("not json"))
	assert.ErrorIs(t, err, manifest.ErrMalformedManifest)
}
