package tonproof

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/refnet/refcore/internal/identity"
	"github.com/refnet/refcore/internal/models"
	"github.com/refnet/refcore/internal/nonce"
	"github.com/refnet/refcore/internal/risk"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const testDomain = "refnet.click"

type fixture struct {
	db       *gorm.DB
	verifier *Verifier
	nonces   *nonce.Store
	pub      ed25519.PublicKey
	priv     ed25519.PrivateKey
	address  string
	now      time.Time
}

func setupVerifier(t *testing.T) *fixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&models.Identity{}, &models.Participation{}, &models.ProofNonce{}, &models.RiskEvent{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	nonces := nonce.NewStore(db, 5*time.Minute, clock)
	riskLog := risk.NewLog(db, zerolog.Nop(), clock)
	identities := identity.NewService(db, zerolog.Nop(), riskLog)
	verifier := NewVerifier(testDomain, 10*time.Minute, nonces, identities, zerolog.Nop(), clock)

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	hash := make([]byte, 32)
	_, err = rand.Read(hash)
	require.NoError(t, err)

	return &fixture{
		db:       db,
		verifier: verifier,
		nonces:   nonces,
		pub:      pub,
		priv:     priv,
		address:  "0:" + hex.EncodeToString(hash),
		now:      now,
	}
}

// signedRequest builds a fully valid request signed with the fixture key.
func (f *fixture) signedRequest(t *testing.T, payload string) Request {
	t.Helper()
	addr, err := ParseAddress(f.address)
	require.NoError(t, err)

	ts := f.now.Unix()
	msg := proofMessage(addr, testDomain, uint64(ts), payload)
	sig := ed25519.Sign(f.priv, signingHash(msg))

	return Request{
		WalletAddress: f.address,
		PublicKey:     hex.EncodeToString(f.pub),
		Proof: Proof{
			Timestamp: ts,
			Domain:    Domain{LengthBytes: uint32(len(testDomain)), Value: testDomain},
			Payload:   payload,
			Signature: base64.RawURLEncoding.EncodeToString(sig),
		},
	}
}

func (f *fixture) issueNonce(t *testing.T) string {
	t.Helper()
	payload, err := f.nonces.Issue(context.Background())
	require.NoError(t, err)
	return payload
}

func TestVerifyValidProof(t *testing.T) {
	f := setupVerifier(t)
	ctx := context.Background()

	req := f.signedRequest(t, f.issueNonce(t))

	ident, err := f.verifier.Verify(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, f.address, ident.WalletAddress)

	// Same wallet on a fresh nonce matches the existing identity
	req2 := f.signedRequest(t, f.issueNonce(t))
	again, err := f.verifier.Verify(ctx, req2)
	require.NoError(t, err)
	assert.Equal(t, ident.ID, again.ID)
}

func TestVerifyBase64PublicKey(t *testing.T) {
	f := setupVerifier(t)

	req := f.signedRequest(t, f.issueNonce(t))
	req.PublicKey = base64.StdEncoding.EncodeToString(f.pub)

	_, err := f.verifier.Verify(context.Background(), req)
	require.NoError(t, err)
}

func TestVerifyNonceReplay(t *testing.T) {
	f := setupVerifier(t)
	ctx := context.Background()

	payload := f.issueNonce(t)
	req := f.signedRequest(t, payload)

	_, err := f.verifier.Verify(ctx, req)
	require.NoError(t, err)

	// Byte-identical replay must fail on the consumed nonce
	_, err = f.verifier.Verify(ctx, req)
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestVerifyTamperedSignature(t *testing.T) {
	f := setupVerifier(t)

	req := f.signedRequest(t, f.issueNonce(t))
	sig, err := base64.RawURLEncoding.DecodeString(req.Proof.Signature)
	require.NoError(t, err)
	sig[7] ^= 0x01
	req.Proof.Signature = base64.RawURLEncoding.EncodeToString(sig)

	_, err = f.verifier.Verify(context.Background(), req)
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestVerifyTamperedMessageFields(t *testing.T) {
	f := setupVerifier(t)
	ctx := context.Background()

	t.Run("different address", func(t *testing.T) {
		req := f.signedRequest(t, f.issueNonce(t))
		other := make([]byte, 32)
		_, err := rand.Read(other)
		require.NoError(t, err)
		req.WalletAddress = "0:" + hex.EncodeToString(other)

		_, err = f.verifier.Verify(ctx, req)
		assert.ErrorIs(t, err, ErrBadSignature)
	})

	t.Run("shifted timestamp", func(t *testing.T) {
		req := f.signedRequest(t, f.issueNonce(t))
		req.Proof.Timestamp++

		_, err := f.verifier.Verify(ctx, req)
		assert.ErrorIs(t, err, ErrBadSignature)
	})

	t.Run("different payload", func(t *testing.T) {
		req := f.signedRequest(t, f.issueNonce(t))
		// A second real nonce, not the one that was signed
		req.Proof.Payload = f.issueNonce(t)

		_, err := f.verifier.Verify(ctx, req)
		assert.ErrorIs(t, err, ErrBadSignature)
	})
}

func TestVerifyDomainMismatch(t *testing.T) {
	f := setupVerifier(t)
	ctx := context.Background()

	t.Run("wrong domain", func(t *testing.T) {
		req := f.signedRequest(t, f.issueNonce(t))
		req.Proof.Domain.Value = "evil.example"
		req.Proof.Domain.LengthBytes = uint32(len("evil.example"))

		_, err := f.verifier.Verify(ctx, req)
		assert.ErrorIs(t, err, ErrBadDomain)
	})

	t.Run("subdomain is not accepted", func(t *testing.T) {
		sub := "api." + testDomain
		req := f.signedRequest(t, f.issueNonce(t))
		req.Proof.Domain.Value = sub
		req.Proof.Domain.LengthBytes = uint32(len(sub))

		_, err := f.verifier.Verify(ctx, req)
		assert.ErrorIs(t, err, ErrBadDomain)
	})

	t.Run("wrong declared length", func(t *testing.T) {
		req := f.signedRequest(t, f.issueNonce(t))
		req.Proof.Domain.LengthBytes++

		_, err := f.verifier.Verify(ctx, req)
		assert.ErrorIs(t, err, ErrBadDomain)
	})
}

func TestVerifyStaleTimestamp(t *testing.T) {
	f := setupVerifier(t)

	req := f.signedRequest(t, f.issueNonce(t))
	req.Proof.Timestamp = f.now.Add(-11 * time.Minute).Unix()

	_, err := f.verifier.Verify(context.Background(), req)
	assert.ErrorIs(t, err, ErrStaleProof)
}

func TestMalformedRequestDoesNotBurnNonce(t *testing.T) {
	f := setupVerifier(t)
	ctx := context.Background()

	payload := f.issueNonce(t)

	// Bad public key fails before the nonce is touched
	bad := f.signedRequest(t, payload)
	bad.PublicKey = "zz"
	_, err := f.verifier.Verify(ctx, bad)
	assert.ErrorIs(t, err, ErrBadPublicKey)

	// Bad address likewise
	bad = f.signedRequest(t, payload)
	bad.WalletAddress = "not-an-address"
	_, err = f.verifier.Verify(ctx, bad)
	assert.ErrorIs(t, err, ErrBadAddress)

	// The nonce is still consumable by a valid request
	good := f.signedRequest(t, payload)
	_, err = f.verifier.Verify(ctx, good)
	require.NoError(t, err)
}

func TestBadSignatureBurnsNonce(t *testing.T) {
	f := setupVerifier(t)
	ctx := context.Background()

	payload := f.issueNonce(t)
	req := f.signedRequest(t, payload)
	req.Proof.Signature = base64.RawURLEncoding.EncodeToString(make([]byte, ed25519.SignatureSize))

	_, err := f.verifier.Verify(ctx, req)
	assert.ErrorIs(t, err, ErrBadSignature)

	// The nonce was consumed before the signature check
	good := f.signedRequest(t, payload)
	_, err = f.verifier.Verify(ctx, good)
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestParseAddress(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		hash := "aabbccddeeff00112233445566778899aabbccddeeff00112233445566778899"
		addr, err := ParseAddress("0:" + hash)
		require.NoError(t, err)
		assert.EqualValues(t, 0, addr.Workchain)
		assert.Equal(t, "0:"+hash, addr.String())
	})

	t.Run("masterchain", func(t *testing.T) {
		hash := "aabbccddeeff00112233445566778899aabbccddeeff00112233445566778899"
		addr, err := ParseAddress("-1:" + hash)
		require.NoError(t, err)
		assert.EqualValues(t, -1, addr.Workchain)
	})

	t.Run("invalid", func(t *testing.T) {
		for _, s := range []string{
			"",
			"0",
			"0:short",
			"x:aabbccddeeff00112233445566778899aabbccddeeff00112233445566778899",
			"0:zzbbccddeeff00112233445566778899aabbccddeeff00112233445566778899",
		} {
			_, err := ParseAddress(s)
			assert.ErrorIs(t, err, ErrBadAddress, "address %q", s)
		}
	})
}

func TestDecodePublicKey(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	for name, encoded := range map[string]string{
		"hex":        hex.EncodeToString(pub),
		"base64":     base64.StdEncoding.EncodeToString(pub),
		"base64url":  base64.URLEncoding.EncodeToString(pub),
		"raw base64": base64.RawStdEncoding.EncodeToString(pub),
	} {
		decoded, err := decodePublicKey(encoded)
		require.NoError(t, err, name)
		assert.EqualValues(t, pub, decoded, name)
	}

	for _, bad := range []string{"", "abc", base64.StdEncoding.EncodeToString(make([]byte, 16))} {
		_, err := decodePublicKey(bad)
		assert.ErrorIs(t, err, ErrBadPublicKey, "input %q", bad)
	}
}
