package blockchain

import (
	"bytes"
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/base58"
	"golang.org/x/crypto/ripemd160"
)

// Address is a tagged, checksummed encoding of a public key digest. The tag
// names the signature scheme that owns it.
type Address string

const (
	addressVersion = 0x00
	checksumLen    = 4
	digestLen      = ripemd160.Size
	addressTagLen  = 4
	payloadLen     = 1 + digestLen + checksumLen
	TagEd25519     = "AUR1"
	TagHybrid      = "AURQ"
)

func hash160(data []byte) []byte {
	sum := sha256.Sum256(data)
	h := ripemd160.New()
	h.Write(sum[:])
	return h.Sum(nil)
}

func checksum(payload []byte) []byte {
	first := sha256.Sum256(payload)
	second := sha256.Sum256(first[:])
	return second[:checksumLen]
}

// DeriveAddress encodes the address owned by publicKey under scheme.
func DeriveAddress(scheme Scheme, publicKey []byte) (Address, error) {
	tag, ok := schemeTags[scheme]
	if !ok {
		return "", fmt.Errorf("unknown signature scheme %d", scheme)
	}
	payload := make([]byte, 0, payloadLen)
	payload = append(payload, addressVersion)
	payload = append(payload, hash160(publicKey)...)
	payload = append(payload, checksum(payload)...)
	return Address(tag + base58.Encode(payload)), nil
}

// Scheme returns the signature scheme selected by the address tag.
func (a Address) Scheme() (Scheme, error) {
	if len(a) < addressTagLen {
		return 0, fmt.Errorf("address %q too short", string(a))
	}
	tag := string(a[:addressTagLen])
	for scheme, t := range schemeTags {
		if t == tag {
			return scheme, nil
		}
	}
	return 0, fmt.Errorf("unknown address tag %q", tag)
}

// Validate checks the tag, encoding and checksum of a.
func (a Address) Validate() error {
	if _, err := a.Scheme(); err != nil {
		return err
	}
	payload := base58.Decode(string(a[addressTagLen:]))
	if len(payload) != payloadLen {
		return fmt.Errorf("address %q has bad length", string(a))
	}
	if payload[0] != addressVersion {
		return fmt.Errorf("address %q has unknown version %d", string(a), payload[0])
	}
	body := payload[:1+digestLen]
	if !bytes.Equal(checksum(body), payload[1+digestLen:]) {
		return fmt.Errorf("address %q has bad checksum", string(a))
	}
	return nil
}

// OwnedBy reports whether publicKey derives to a under a's scheme.
func (a Address) OwnedBy(publicKey []byte) bool {
	scheme, err := a.Scheme()
	if err != nil {
		return false
	}
	derived, err := DeriveAddress(scheme, publicKey)
	if err != nil {
		return false
	}
	return derived == a
}

func (a Address) String() string {
	return string(a)
}
