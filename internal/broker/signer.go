package broker

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
	"os"
	"strconv"
	"time"
)

// Signer adds authentication headers to an outgoing request.
type Signer interface {
	Sign(h http.Header, method, path string, now time.Time) error
}

// RSASigner signs requests with the Kalshi RSA-PSS scheme: the signature
// covers timestamp(ms) + method + path, where path excludes the query string.
type RSASigner struct {
	apiKey string
	key    *rsa.PrivateKey
}

// NewRSASigner creates a signer for apiKey using key.
func NewRSASigner(apiKey string, key *rsa.PrivateKey) *RSASigner {
	return &RSASigner{apiKey: apiKey, key: key}
}

// LoadRSASigner reads a PEM private key (PKCS#1 or PKCS#8) from path.
func LoadRSASigner(apiKey, path string) (*RSASigner, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading private key: %w", err)
	}
	key, err := parseRSAKey(data)
	if err != nil {
		return nil, err
	}
	return NewRSASigner(apiKey, key), nil
}

func parseRSAKey(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("private key: no PEM block found")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("private key: not an RSA key")
	}
	return key, nil
}

// Sign sets the KALSHI-ACCESS-* headers.
func (s *RSASigner) Sign(h http.Header, method, path string, now time.Time) error {
	ts := strconv.FormatInt(now.UnixMilli(), 10)
	digest := sha256.Sum256([]byte(ts + method + path))

	sig, err := rsa.SignPSS(rand.Reader, s.key, crypto.SHA256, digest[:], &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthEqualsHash,
	})
	if err != nil {
		return fmt.Errorf("signing request: %w", err)
	}

	h.Set("KALSHI-ACCESS-KEY", s.apiKey)
	h.Set("KALSHI-ACCESS-TIMESTAMP", ts)
	h.Set("KALSHI-ACCESS-SIGNATURE", base64.StdEncoding.EncodeToString(sig))
	return nil
}
