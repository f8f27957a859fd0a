// Package auth signs WebSocket handshake requests, either with a static
// bearer token or with RSA-PSS signatures over the request path.
package auth

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"
)

// Handshake header names set by Credentials.
const (
	HeaderAccessKey       = "X-Access-Key"
	HeaderAccessTimestamp = "X-Access-Timestamp"
	HeaderAccessSignature = "X-Access-Signature"
)

// Signer produces the headers attached to a WebSocket handshake.
type Signer interface {
	HandshakeHeaders(u *url.URL) (http.Header, error)
}

// Bearer is a static bearer token.
type Bearer string

// HandshakeHeaders implements Signer.
func (b Bearer) HandshakeHeaders(*url.URL) (http.Header, error) {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+string(b))
	return h, nil
}

// Credentials holds the key ID and private key for signing handshakes.
type Credentials struct {
	KeyID      string
	PrivateKey *rsa.PrivateKey

	now func() time.Time
}

// FromConfig returns the Signer described by the auth settings, or nil when
// none are set. A bearer token wins over key credentials.
func FromConfig(bearerToken, keyID, privateKeyPath string) (Signer, error) {
	switch {
	case bearerToken != "":
		return Bearer(bearerToken), nil
	case keyID != "" || privateKeyPath != "":
		return LoadCredentials(keyID, privateKeyPath)
	default:
		return nil, nil
	}
}

// LoadCredentials loads credentials from key ID and private key file path.
func LoadCredentials(keyID, privateKeyPath string) (*Credentials, error) {
	if keyID == "" {
		return nil, errors.New("API key ID is required")
	}
	if privateKeyPath == "" {
		return nil, errors.New("private key path is required")
	}

	privateKey, err := LoadPrivateKey(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("load private key: %w", err)
	}

	return &Credentials{
		KeyID:      keyID,
		PrivateKey: privateKey,
	}, nil
}

// LoadPrivateKey loads an RSA private key from a PEM file.
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("failed to decode PEM block")
	}

	// Try PKCS#8 first (newer format)
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err == nil {
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("key is not an RSA private key")
		}
		return rsaKey, nil
	}

	// Fall back to PKCS#1 (older format)
	rsaKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	return rsaKey, nil
}

// HandshakeHeaders implements Signer. The signed message is
// timestamp_ms + "GET" + path.
func (c *Credentials) HandshakeHeaders(u *url.URL) (http.Header, error) {
	now := time.Now
	if c.now != nil {
		now = c.now
	}
	timestampMs := now().UnixMilli()

	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}

	signature, err := c.sign(SigningMessage(timestampMs, http.MethodGet, path))
	if err != nil {
		return nil, err
	}

	h := http.Header{}
	h.Set(HeaderAccessKey, c.KeyID)
	h.Set(HeaderAccessTimestamp, strconv.FormatInt(timestampMs, 10))
	h.Set(HeaderAccessSignature, signature)
	return h, nil
}

// SigningMessage returns the bytes covered by the signature.
func SigningMessage(timestampMs int64, method, path string) []byte {
	return []byte(strconv.FormatInt(timestampMs, 10) + method + path)
}

func (c *Credentials) sign(message []byte) (string, error) {
	hashed := sha256.Sum256(message)

	signature, err := rsa.SignPSS(
		rand.Reader,
		c.PrivateKey,
		crypto.SHA256,
		hashed[:],
		&rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash},
	)
	if err != nil {
		return "", fmt.Errorf("sign message: %w", err)
	}

	return base64.StdEncoding.EncodeToString(signature), nil
}
