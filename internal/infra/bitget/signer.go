package bitget

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"strconv"
	"time"
)

// Signer handles Bitget V2 API authentication signatures
type Signer struct {
	accessKey  string
	secretKey  string
	passphrase string
	now        func() time.Time
}

// NewSigner creates a new Signer instance
func NewSigner(accessKey, secretKey, passphrase string) *Signer {
	return &Signer{
		accessKey:  accessKey,
		secretKey:  secretKey,
		passphrase: passphrase,
		now:        time.Now,
	}
}

// Sign sets the authentication headers on h.
// path has no host; query is the encoded query string without "?".
// The signed payload is timestamp + method + path[?query] + body.
func (s *Signer) Sign(h http.Header, method, path, query, body string) {
	timestamp := strconv.FormatInt(s.now().UnixMilli(), 10)

	h.Set("ACCESS-KEY", s.accessKey)
	h.Set("ACCESS-SIGN", s.signature(timestamp, method, path, query, body))
	h.Set("ACCESS-TIMESTAMP", timestamp)
	h.Set("ACCESS-PASSPHRASE", s.passphrase)
	h.Set("Content-Type", "application/json")
	h.Set("locale", "en-US")
}

func (s *Signer) signature(timestamp, method, path, query, body string) string {
	fullPath := path
	if query != "" {
		fullPath = path + "?" + query
	}
	return computeHmacSha256(timestamp+method+fullPath+body, s.secretKey)
}

func computeHmacSha256(message string, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}
