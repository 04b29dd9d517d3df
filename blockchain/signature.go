package blockchain

import (
	"crypto/ed25519"
	"fmt"
	"io"

	"github.com/cloudflare/circl/sign/dilithium/mode3"
)

// Scheme identifies a signature algorithm family.
type Scheme uint8

const (
	SchemeEd25519 Scheme = iota + 1
	// SchemeHybrid pairs ed25519 with Dilithium mode3. Keys and signatures
	// are the ed25519 part followed by the Dilithium part.
	SchemeHybrid
)

var schemeTags = map[Scheme]string{
	SchemeEd25519: TagEd25519,
	SchemeHybrid:  TagHybrid,
}

// Verifier checks a signature over message by publicKey.
type Verifier interface {
	Verify(message, signature, publicKey []byte) bool
}

// Signer produces signatures for one key pair.
type Signer interface {
	Scheme() Scheme
	PublicKey() []byte
	Sign(message []byte) ([]byte, error)
}

var verifiers = map[Scheme]Verifier{
	SchemeEd25519: Ed25519Verifier{},
	SchemeHybrid:  HybridVerifier{},
}

// VerifierFor returns the verifier selected by the tag of addr.
func VerifierFor(addr Address) (Verifier, error) {
	scheme, err := addr.Scheme()
	if err != nil {
		return nil, err
	}
	v, ok := verifiers[scheme]
	if !ok {
		return nil, fmt.Errorf("no verifier for scheme %d", scheme)
	}
	return v, nil
}

// AddressOf derives the address owned by signer.
func AddressOf(signer Signer) Address {
	addr, err := DeriveAddress(signer.Scheme(), signer.PublicKey())
	if err != nil {
		panic(err)
	}
	return addr
}

type Ed25519Verifier struct{}

func (Ed25519Verifier) Verify(message, signature, publicKey []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize || len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(publicKey), message, signature)
}

// HybridVerifier accepts only if both the classical and the post-quantum
// signatures verify.
type HybridVerifier struct{}

const (
	hybridPublicKeySize = ed25519.PublicKeySize + mode3.PublicKeySize
	hybridSignatureSize = ed25519.SignatureSize + mode3.SignatureSize
)

func (HybridVerifier) Verify(message, signature, publicKey []byte) bool {
	if len(publicKey) != hybridPublicKeySize || len(signature) != hybridSignatureSize {
		return false
	}
	if !(Ed25519Verifier{}).Verify(message, signature[:ed25519.SignatureSize], publicKey[:ed25519.PublicKeySize]) {
		return false
	}
	var pq mode3.PublicKey
	if err := pq.UnmarshalBinary(publicKey[ed25519.PublicKeySize:]); err != nil {
		return false
	}
	return mode3.Verify(&pq, message, signature[ed25519.SignatureSize:])
}

type Ed25519Key struct {
	private ed25519.PrivateKey
}

func GenerateEd25519Key(rand io.Reader) (*Ed25519Key, error) {
	_, priv, err := ed25519.GenerateKey(rand)
	if err != nil {
		return nil, err
	}
	return &Ed25519Key{private: priv}, nil
}

// Ed25519KeyFromSeed builds a deterministic key from a 32-byte seed.
func Ed25519KeyFromSeed(seed []byte) *Ed25519Key {
	return &Ed25519Key{private: ed25519.NewKeyFromSeed(seed)}
}

func (k *Ed25519Key) Scheme() Scheme { return SchemeEd25519 }

func (k *Ed25519Key) PublicKey() []byte {
	return []byte(k.private.Public().(ed25519.PublicKey))
}

func (k *Ed25519Key) Sign(message []byte) ([]byte, error) {
	return ed25519.Sign(k.private, message), nil
}

type HybridKey struct {
	classical *Ed25519Key
	pqPublic  *mode3.PublicKey
	pqPrivate *mode3.PrivateKey
}

func GenerateHybridKey(rand io.Reader) (*HybridKey, error) {
	classical, err := GenerateEd25519Key(rand)
	if err != nil {
		return nil, err
	}
	pk, sk, err := mode3.GenerateKey(rand)
	if err != nil {
		return nil, err
	}
	return &HybridKey{classical: classical, pqPublic: pk, pqPrivate: sk}, nil
}

func (k *HybridKey) Scheme() Scheme { return SchemeHybrid }

func (k *HybridKey) PublicKey() []byte {
	out := make([]byte, 0, hybridPublicKeySize)
	out = append(out, k.classical.PublicKey()...)
	return append(out, k.pqPublic.Bytes()...)
}

func (k *HybridKey) Sign(message []byte) ([]byte, error) {
	classical, err := k.classical.Sign(message)
	if err != nil {
		return nil, err
	}
	pq := make([]byte, mode3.SignatureSize)
	mode3.SignTo(k.pqPrivate, message, pq)
	return append(classical, pq...), nil
}
