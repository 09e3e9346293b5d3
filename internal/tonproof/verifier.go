// Package tonproof verifies TON Connect wallet-ownership proofs: a
// domain-bound, replay-protected Ed25519 signature over a canonical
// challenge message.
package tonproof

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/refnet/refcore/internal/identity"
	"github.com/refnet/refcore/internal/logger"
	"github.com/refnet/refcore/internal/metrics"
	"github.com/refnet/refcore/internal/models"
	"github.com/refnet/refcore/internal/nonce"
	"github.com/rs/zerolog"
)

var (
	// ErrBadPublicKey is returned when the claimed key is neither 64-char
	// hex nor base64 of exactly 32 bytes.
	ErrBadPublicKey = errors.New("tonproof: malformed public key")
	// ErrBadDomain is returned when the proof domain does not exactly match
	// the configured domain, or its declared byte length is wrong.
	ErrBadDomain = errors.New("tonproof: domain mismatch")
	// ErrStaleProof is returned when the proof timestamp is outside the
	// accepted freshness window.
	ErrStaleProof = errors.New("tonproof: proof expired")
	// ErrInvalidPayload is returned when the nonce is unknown, expired or
	// already used. The cases are deliberately not distinguished.
	ErrInvalidPayload = errors.New("tonproof: invalid payload")
	// ErrBadSignature is returned when the Ed25519 verification fails.
	ErrBadSignature = errors.New("tonproof: signature verification failed")
)

// Domain is the domain block of a TON Connect proof.
type Domain struct {
	LengthBytes uint32 `json:"lengthBytes"`
	Value       string `json:"value"`
}

// Proof carries the signed challenge fields.
type Proof struct {
	Timestamp int64  `json:"timestamp"`
	Domain    Domain `json:"domain"`
	Payload   string `json:"payload"`
	Signature string `json:"signature"`
}

// Request is a complete proof-verification request.
type Request struct {
	WalletAddress string `json:"wallet_address"`
	PublicKey     string `json:"public_key"`
	Proof         Proof  `json:"proof"`
}

// Verifier validates proof requests and binds verified wallets to identities.
type Verifier struct {
	domain     string
	maxAge     time.Duration
	nonces     *nonce.Store
	identities *identity.Service
	logger     zerolog.Logger
	now        func() time.Time
}

// NewVerifier creates a proof verifier for a single expected domain. A nil
// clock defaults to time.Now.
func NewVerifier(domain string, maxAge time.Duration, nonces *nonce.Store, identities *identity.Service, logg zerolog.Logger, now func() time.Time) *Verifier {
	if now == nil {
		now = time.Now
	}
	return &Verifier{
		domain:     domain,
		maxAge:     maxAge,
		nonces:     nonces,
		identities: identities,
		logger:     logger.WithComponent(logg, "tonproof"),
		now:        now,
	}
}

// Verify checks the request fail-fast in a fixed order: public key, address,
// domain, timestamp, nonce, signature. Structural failures are rejected
// before the nonce is consumed, so a malformed request never burns one; the
// nonce is consumed before the overall verdict, so a concurrent replay of a
// valid-looking request cannot succeed twice. On success the wallet address
// is bound to an identity record, created on first sight.
func (v *Verifier) Verify(ctx context.Context, req Request) (*models.Identity, error) {
	pubKey, err := decodePublicKey(req.PublicKey)
	if err != nil {
		metrics.RecordProofVerification("bad_public_key")
		return nil, err
	}

	addr, err := ParseAddress(req.WalletAddress)
	if err != nil {
		metrics.RecordProofVerification("bad_address")
		return nil, err
	}

	if req.Proof.Domain.Value != v.domain ||
		int(req.Proof.Domain.LengthBytes) != len([]byte(req.Proof.Domain.Value)) {
		metrics.RecordProofVerification("bad_domain")
		return nil, ErrBadDomain
	}

	if req.Proof.Timestamp <= 0 || v.now().Sub(time.Unix(req.Proof.Timestamp, 0)) > v.maxAge {
		metrics.RecordProofVerification("stale")
		return nil, ErrStaleProof
	}

	consumed, err := v.nonces.Consume(ctx, req.Proof.Payload)
	if err != nil {
		return nil, fmt.Errorf("nonce consumption failed: %w", err)
	}
	if !consumed {
		metrics.RecordProofVerification("invalid_payload")
		return nil, ErrInvalidPayload
	}

	sig, err := decodeBase64(req.Proof.Signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		metrics.RecordProofVerification("bad_signature")
		return nil, ErrBadSignature
	}

	msg := proofMessage(addr, req.Proof.Domain.Value, uint64(req.Proof.Timestamp), req.Proof.Payload)
	if !ed25519.Verify(pubKey, signingHash(msg), sig) {
		metrics.RecordProofVerification("bad_signature")
		return nil, ErrBadSignature
	}

	ident, created, err := v.identities.GetOrCreateByWallet(ctx, addr.String())
	if err != nil {
		return nil, fmt.Errorf("failed to bind wallet identity: %w", err)
	}

	metrics.RecordProofVerification("verified")
	walletLogger := logger.WithWallet(v.logger, addr.String())
	walletLogger.Info().
		Bool("created", created).
		Msg("Wallet proof verified")
	return ident, nil
}

// decodePublicKey accepts a 64-char hex or base64/base64url encoding of an
// Ed25519 public key. Both must decode to exactly 32 bytes.
func decodePublicKey(s string) (ed25519.PublicKey, error) {
	s = strings.TrimSpace(s)
	if len(s) == 64 {
		if raw, err := hex.DecodeString(s); err == nil {
			return ed25519.PublicKey(raw), nil
		}
	}
	raw, err := decodeBase64(s)
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return nil, ErrBadPublicKey
	}
	return ed25519.PublicKey(raw), nil
}

// decodeBase64 accepts standard or URL-safe base64, padded or not.
func decodeBase64(s string) ([]byte, error) {
	s = strings.TrimRight(strings.TrimSpace(s), "=")
	if strings.ContainsAny(s, "-_") {
		return base64.RawURLEncoding.DecodeString(s)
	}
	return base64.RawStdEncoding.DecodeString(s)
}
