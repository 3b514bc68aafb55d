package validator_test

import (
	"crypto/ed25519"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tzbkk/pacprism/pkg/validator"
)

func TestClassifyRequestPlainClient(t *testing.T) {
	v := validator.New(nil)

	req := httptest.NewRequest(http.MethodGet, "/debian/pool/main/v/vim/vim_1_amd64.deb", nil)

	assert.Equal(t, validator.PlainClient, v.ClassifyRequest(req, ""))
}

func TestClassifyRequestOnlyOneHeaderIsInvalid(t *testing.T) {
	v := validator.New(nil)

	req := httptest.NewRequest(http.MethodGet, "/api/dht/store", nil)
	req.Header.Set("pacPrism_node_id", "node-1")

	assert.Equal(t, validator.Invalid, v.ClassifyRequest(req, ""))
}

func TestClassifyRequestNodeWithStubVerifier(t *testing.T) {
	v := validator.New(validator.StubVerifier{})

	req := httptest.NewRequest(http.MethodPost, "/api/dht/store", nil)
	req.Header.Set("pacPrism_node_id", "node-1")
	req.Header.Set("pacPrism_node_signature", "anything")

	assert.Equal(t, validator.Node, v.ClassifyRequest(req, "body"))
}

func TestClassifyRequestNodeWithEd25519Verifier(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	ev := validator.NewEd25519Verifier()
	require.NoError(t, ev.AddPublicKey("node-1", base64.StdEncoding.EncodeToString(pub)))

	body := "the request body"
	sig := ed25519.Sign(priv, []byte(body))

	v := validator.New(ev)

	req := httptest.NewRequest(http.MethodPost, "/api/dht/store", nil)
	req.Header.Set("pacPrism_node_id", "node-1")
	req.Header.Set("pacPrism_node_signature", base64.StdEncoding.EncodeToString(sig))

	assert.Equal(t, validator.Node, v.ClassifyRequest(req, body))
}

func TestClassifyRequestInvalidSignatureOrUnknownNode(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	ev := validator.NewEd25519Verifier()
	require.NoError(t, ev.AddPublicKey("node-1", base64.StdEncoding.EncodeToString(pub)))

	v := validator.New(ev)

	req := httptest.NewRequest(http.MethodPost, "/api/dht/store", nil)
	req.Header.Set("pacPrism_node_id", "node-1")
	req.Header.Set("pacPrism_node_signature", base64.StdEncoding.EncodeToString([]byte("not-a-real-sig-000000000000000000000000000000000000000000000000")))

	assert.Equal(t, validator.Invalid, v.ClassifyRequest(req, "tampered body"))

	req2 := httptest.NewRequest(http.MethodPost, "/api/dht/store", nil)
	req2.Header.Set("pacPrism_node_id", "unknown-node")
	req2.Header.Set("pacPrism_node_signature", base64.StdEncoding.EncodeToString([]byte("sig")))

	assert.Equal(t, validator.Invalid, v.ClassifyRequest(req2, "body"))
}

func TestCalculateAndVerifySHA256(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "file.bin")

	require.NoError(t, os.WriteFile(path, []byte("hello world"), 0o600))

	hash, err := validator.CalculateSHA256(path)
	require.NoError(t, err)

	// sha256("hello world")
	assert.Equal(t, "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9", hash)

	assert.True(t, validator.VerifySHA256(path, hash))
	assert.True(t, validator.VerifySHA256(path, "B94D27B9934D3E08A52E52D7DA7DABFAC484EFE37A5380EE9088F7ACE2EFCDE9"))
	assert.False(t, validator.VerifySHA256(path, "deadbeef"))
}

func TestVerifySHA256MissingFile(t *testing.T) {
	assert.False(t, validator.VerifySHA256("/nonexistent/path", "anything"))
}
