// Package token implements the compact HMAC-signed bearer tokens issued
// after a successful wallet proof. Tokens are stateless: there is no storage,
// rotation or revocation; a single secret signs every token.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var (
	// ErrInvalid covers malformed tokens, bad signatures and missing claims.
	ErrInvalid = errors.New("token: invalid")
	// ErrExpired is returned for a well-formed, correctly signed token whose
	// expiry has passed.
	ErrExpired = errors.New("token: expired")
)

// Claims are the fields carried by a bearer token.
type Claims struct {
	WalletAddress string `json:"sub"`
	IssuedAt      int64  `json:"iat"`
	ExpiresAt     int64  `json:"exp"`
}

// Codec issues and verifies bearer tokens of the form
// base64url(JSON{sub,iat,exp}) + "." + base64url(HMAC-SHA256(secret, payload)),
// with no padding characters in either segment.
type Codec struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewCodec creates a codec. A nil clock defaults to time.Now.
func NewCodec(secret string, ttl time.Duration, now func() time.Time) *Codec {
	if now == nil {
		now = time.Now
	}
	return &Codec{secret: []byte(secret), ttl: ttl, now: now}
}

// Issue produces a signed token binding the wallet address with an expiry.
func (c *Codec) Issue(walletAddress string) (string, error) {
	now := c.now().Unix()
	claims := Claims{
		WalletAddress: walletAddress,
		IssuedAt:      now,
		ExpiresAt:     now + int64(c.ttl.Seconds()),
	}

	payload, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}

	payloadB64 := base64.RawURLEncoding.EncodeToString(payload)
	sig := c.sign(payloadB64)
	return payloadB64 + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

// Verify checks the signature and expiry and returns the claims. The HMAC is
// compared in constant time and checked before any claim parsing, so a bad
// signature and an expired token differ only in the returned classification.
func (c *Codec) Verify(raw string) (Claims, error) {
	raw = strings.TrimSpace(raw)
	payloadB64, sigB64, found := strings.Cut(raw, ".")
	if !found || payloadB64 == "" {
		return Claims{}, ErrInvalid
	}

	gotSig, err := base64.RawURLEncoding.DecodeString(sigB64)
	if err != nil {
		return Claims{}, ErrInvalid
	}
	if !hmac.Equal(c.sign(payloadB64), gotSig) {
		return Claims{}, ErrInvalid
	}

	payload, err := base64.RawURLEncoding.DecodeString(payloadB64)
	if err != nil {
		return Claims{}, ErrInvalid
	}

	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return Claims{}, ErrInvalid
	}
	if claims.WalletAddress == "" || claims.IssuedAt == 0 || claims.ExpiresAt == 0 {
		return Claims{}, ErrInvalid
	}

	if c.now().Unix() >= claims.ExpiresAt {
		return Claims{}, ErrExpired
	}

	return claims, nil
}

// ParseBearer extracts the token from an Authorization header value.
func ParseBearer(header string) (string, bool) {
	s := strings.TrimSpace(header)
	if len(s) < 7 || !strings.EqualFold(s[:7], "bearer ") {
		return "", false
	}
	tok := strings.TrimSpace(s[7:])
	return tok, tok != ""
}

func (c *Codec) sign(payloadB64 string) []byte {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(payloadB64))
	return mac.Sum(nil)
}
