// Package validator classifies inbound requests as plain-client or
// node-to-node traffic and provides SHA-256 helpers for checking the
// integrity of files on disk.
package validator

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"os"
	"strings"
)

// RequestType classifies an inbound HTTP request.
type RequestType int

const (
	// PlainClient is a request with neither node header present.
	PlainClient RequestType = iota
	// Node is a request with both node headers present and a verified signature.
	Node
	// Invalid is a request with exactly one node header present, or a node
	// request whose signature failed verification.
	Invalid
)

func (t RequestType) String() string {
	switch t {
	case PlainClient:
		return "plain-client"
	case Node:
		return "node"
	default:
		return "invalid"
	}
}

const (
	headerNodeID        = "pacPrism_node_id"
	headerNodeSignature = "pacPrism_node_signature"
)

// Verifier validates that signature over body was produced by nodeID. It is
// the pluggable strategy behind the spec's "verify" oracle.
type Verifier interface {
	Verify(nodeID, signature, body string) bool
}

// StubVerifier always approves the signature. It matches the reference
// implementation's always-true placeholder and is appropriate when no peer
// public keys are configured.
type StubVerifier struct{}

// Verify always returns true.
func (StubVerifier) Verify(string, string, string) bool { return true }

// Validator classifies requests and checks file integrity.
type Validator struct {
	verifier Verifier
}

// New creates a Validator using the given Verifier. A nil Verifier defaults
// to StubVerifier.
func New(v Verifier) *Validator {
	if v == nil {
		v = StubVerifier{}
	}

	return &Validator{verifier: v}
}

// ClassifyRequest inspects the node-identity headers on req and the supplied
// body to determine its RequestType.
func (v *Validator) ClassifyRequest(req *http.Request, body string) RequestType {
	nodeID := req.Header.Get(headerNodeID)
	nodeSignature := req.Header.Get(headerNodeSignature)

	idPresent := headerPresent(req.Header, headerNodeID)
	sigPresent := headerPresent(req.Header, headerNodeSignature)

	switch {
	case !idPresent && !sigPresent:
		return PlainClient
	case idPresent && sigPresent:
		if v.verifier.Verify(nodeID, nodeSignature, body) {
			return Node
		}

		return Invalid
	default:
		return Invalid
	}
}

func headerPresent(h http.Header, key string) bool {
	_, ok := h[http.CanonicalHeaderKey(key)]

	return ok
}

// CalculateSHA256 hashes the content of path in 8KiB chunks and returns the
// lowercase hex digest.
func CalculateSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	return sha256Reader(f)
}

func sha256Reader(r io.Reader) (string, error) {
	h := sha256.New()

	buf := make([]byte, 8192)

	// Wrap r so a WriterTo on it (such as *os.File's) cannot bypass buf.
	if _, err := io.CopyBuffer(h, struct{ io.Reader }{r}, buf); err != nil {
		return "", err
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// VerifySHA256 reports whether the file at path hashes to expectedHash
// (case-insensitive).
func VerifySHA256(path, expectedHash string) bool {
	got, err := CalculateSHA256(path)
	if err != nil || got == "" {
		return false
	}

	return strings.EqualFold(got, expectedHash)
}
