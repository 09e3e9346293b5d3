package tonproof

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// messagePrefix opens every ton-proof item.
const messagePrefix = "ton-proof-item-v2/"

// signPrefix domain-separates the signing context from any other protocol
// using Ed25519 over this address format.
var signPrefix = []byte{0xff, 0xff, 't', 'o', 'n', '-', 'c', 'o', 'n', 'n', 'e', 'c', 't'}

// ErrBadAddress is returned when the wallet address is not of the form
// "<signed-32-bit-workchain>:<64-hex-char-hash>".
var ErrBadAddress = errors.New("tonproof: malformed wallet address")

// Address is a raw TON address: workchain plus 32-byte account hash.
type Address struct {
	Workchain int32
	Hash      [32]byte
}

// ParseAddress parses a raw-form TON address string.
func ParseAddress(s string) (Address, error) {
	wcPart, hashPart, found := strings.Cut(s, ":")
	if !found {
		return Address{}, ErrBadAddress
	}

	wc, err := strconv.ParseInt(wcPart, 10, 32)
	if err != nil {
		return Address{}, ErrBadAddress
	}

	if len(hashPart) != 64 {
		return Address{}, ErrBadAddress
	}
	raw, err := hex.DecodeString(hashPart)
	if err != nil || len(raw) != 32 {
		return Address{}, ErrBadAddress
	}

	addr := Address{Workchain: int32(wc)}
	copy(addr.Hash[:], raw)
	return addr, nil
}

// String renders the address in raw form with a lowercase hash.
func (a Address) String() string {
	return fmt.Sprintf("%d:%s", a.Workchain, hex.EncodeToString(a.Hash[:]))
}

// proofMessage reconstructs the canonical challenge message:
//
//	"ton-proof-item-v2/" || workchain(4B, big-endian, signed) || address_hash(32B)
//	|| domain_length(4B, little-endian) || domain || timestamp(8B, little-endian)
//	|| payload
func proofMessage(addr Address, domain string, timestamp uint64, payload string) []byte {
	domainBytes := []byte(domain)

	msg := make([]byte, 0, len(messagePrefix)+4+32+4+len(domainBytes)+8+len(payload))
	msg = append(msg, messagePrefix...)
	msg = binary.BigEndian.AppendUint32(msg, uint32(addr.Workchain))
	msg = append(msg, addr.Hash[:]...)
	msg = binary.LittleEndian.AppendUint32(msg, uint32(len(domainBytes)))
	msg = append(msg, domainBytes...)
	msg = binary.LittleEndian.AppendUint64(msg, timestamp)
	msg = append(msg, payload...)
	return msg
}

// signingHash computes SHA256(0xFFFF || "ton-connect" || SHA256(message)).
func signingHash(message []byte) []byte {
	inner := sha256.Sum256(message)
	outer := sha256.New()
	outer.Write(signPrefix)
	outer.Write(inner[:])
	return outer.Sum(nil)
}
