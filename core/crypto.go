package core

// Module D: crypto abstraction.
//
// The core depends on exactly these operations from the crypto layer
// (§4.D); all byte sizes are fixed and participate in payload lengths.
// cryptoProvider is the default implementation: signing uses stdlib
// crypto/ed25519, while sealing, symmetric encryption and hashing use
// the NaCl/Curve25519/Blake2b family in golang.org/x/crypto.

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/subtle"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/secretbox"
)

// CryptoProvider is the abstract crypto collaborator spec.md §4.D
// describes. SDK consumers may substitute their own (e.g. to route
// through a hardware-backed keystore); the core only ever talks to
// this interface.
type CryptoProvider interface {
	Sign(message, privateSignatureKey []byte) []byte
	Verify(message, signature, publicSignatureKey []byte) bool

	SealEncrypt(plaintext, publicEncryptionKey []byte) []byte
	SealDecrypt(sealed []byte, pair EncryptionKeyPair) ([]byte, error)

	SymmetricEncryptV1(plaintext, key []byte) []byte
	SymmetricDecryptV1(sealed, key []byte) ([]byte, error)
	SymmetricEncryptV2(plaintext, key []byte) []byte
	SymmetricDecryptV2(sealed, key []byte) ([]byte, error)

	GenericHash(data []byte) []byte

	MakeEncryptionKeyPair() (EncryptionKeyPair, error)
	MakeSignatureKeyPair() (SignatureKeyPair, error)
	EncryptionKeyPairFromPrivate(priv []byte) (EncryptionKeyPair, error)
	SignatureKeyPairFromPrivate(priv []byte) (SignatureKeyPair, error)

	Equal(a, b []byte) bool
	Zeroize(b []byte)
}

// EncryptionKeyPair is a Curve25519 key pair used for SealEncrypt/
// SealDecrypt.
type EncryptionKeyPair struct {
	Public  []byte // 32
	Private []byte // 32
}

// SignatureKeyPair is an Ed25519 key pair used for Sign/Verify.
type SignatureKeyPair struct {
	Public  []byte // 32
	Private []byte // 64 (seed+public, stdlib convention)
}

type cryptoProvider struct{}

// NewCryptoProvider returns the default CryptoProvider: Ed25519 for
// signatures, NaCl sealed boxes (X25519 + XSalsa20-Poly1305) for
// SealEncrypt/SealDecrypt, NaCl secretbox for symmetric v1, XChaCha20-
// Poly1305 for symmetric v2, and Blake2b-256 for generic_hash.
func NewCryptoProvider() CryptoProvider {
	return cryptoProvider{}
}

func (cryptoProvider) Sign(message, privateSignatureKey []byte) []byte {
	return ed25519.Sign(ed25519.PrivateKey(privateSignatureKey), message)
}

func (cryptoProvider) Verify(message, signature, publicSignatureKey []byte) bool {
	if len(publicSignatureKey) != ed25519.PublicKeySize || len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(publicSignatureKey), message, signature)
}

// SealEncrypt implements libsodium's crypto_box_seal: an ephemeral
// X25519 key pair is generated per call, the nonce is derived
// deterministically from the two public keys (so it never needs to be
// transmitted), and the sealed output is ephemeral_public_key ‖
// box(plaintext) — 32 + (len(plaintext)+16) = len(plaintext)+48 bytes,
// matching §4.D's fixed 48-byte overhead.
func (c cryptoProvider) SealEncrypt(plaintext, publicEncryptionKey []byte) []byte {
	var recipientPub [32]byte
	copy(recipientPub[:], publicEncryptionKey)

	ephPub, ephPriv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		panic(wrapInternal("generating ephemeral seal key", err))
	}

	nonce := sealNonce(ephPub[:], publicEncryptionKey)
	sealed := box.Seal(nil, plaintext, &nonce, &recipientPub, ephPriv)

	out := make([]byte, 0, 32+len(sealed))
	out = append(out, ephPub[:]...)
	out = append(out, sealed...)
	return out
}

func (c cryptoProvider) SealDecrypt(sealed []byte, pair EncryptionKeyPair) ([]byte, error) {
	if len(sealed) < 32 {
		return nil, &DecryptionFailed{Detail: "sealed payload too short"}
	}
	ephPub := sealed[:32]
	box_ := sealed[32:]

	var ephPubArr, recipientPriv [32]byte
	copy(ephPubArr[:], ephPub)
	copy(recipientPriv[:], pair.Private)

	nonce := sealNonce(ephPub, pair.Public)
	plaintext, ok := box.Open(nil, box_, &nonce, &ephPubArr, &recipientPriv)
	if !ok {
		return nil, &DecryptionFailed{Detail: "seal_decrypt authentication failed"}
	}
	return plaintext, nil
}

func sealNonce(ephemeralPub, recipientPub []byte) [24]byte {
	h, _ := blake2b.New(24, nil)
	h.Write(ephemeralPub)
	h.Write(recipientPub)
	sum := h.Sum(nil)
	var nonce [24]byte
	copy(nonce[:], sum)
	return nonce
}

func (cryptoProvider) SymmetricEncryptV1(plaintext, key []byte) []byte {
	var k [32]byte
	copy(k[:], key)
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		panic(wrapInternal("generating secretbox nonce", err))
	}
	sealed := secretbox.Seal(nil, plaintext, &nonce, &k)
	out := make([]byte, 0, 24+len(sealed))
	out = append(out, nonce[:]...)
	out = append(out, sealed...)
	return out
}

func (cryptoProvider) SymmetricDecryptV1(sealed, key []byte) ([]byte, error) {
	if len(sealed) < 24 {
		return nil, &DecryptionFailed{Detail: "v1 ciphertext too short"}
	}
	var k [32]byte
	copy(k[:], key)
	var nonce [24]byte
	copy(nonce[:], sealed[:24])
	plaintext, ok := secretbox.Open(nil, sealed[24:], &nonce, &k)
	if !ok {
		return nil, &DecryptionFailed{Detail: "v1 authentication failed"}
	}
	return plaintext, nil
}

func (cryptoProvider) SymmetricEncryptV2(plaintext, key []byte) []byte {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		panic(wrapInternal("constructing xchacha20poly1305", err))
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		panic(wrapInternal("generating xchacha20poly1305 nonce", err))
	}
	sealed := aead.Seal(nil, nonce, plaintext, nil)
	out := make([]byte, 0, len(nonce)+len(sealed))
	out = append(out, nonce...)
	out = append(out, sealed...)
	return out
}

func (cryptoProvider) SymmetricDecryptV2(sealed, key []byte) ([]byte, error) {
	if len(sealed) < chacha20poly1305.NonceSizeX {
		return nil, &DecryptionFailed{Detail: "v2 ciphertext too short"}
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, wrapInternal("constructing xchacha20poly1305", err)
	}
	nonce := sealed[:chacha20poly1305.NonceSizeX]
	plaintext, err := aead.Open(nil, nonce, sealed[chacha20poly1305.NonceSizeX:], nil)
	if err != nil {
		return nil, &DecryptionFailed{Detail: "v2 authentication failed"}
	}
	return plaintext, nil
}

func (cryptoProvider) GenericHash(data []byte) []byte {
	sum := blake2b.Sum256(data)
	return sum[:]
}

func (cryptoProvider) MakeEncryptionKeyPair() (EncryptionKeyPair, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return EncryptionKeyPair{}, err
	}
	return EncryptionKeyPair{Public: pub[:], Private: priv[:]}, nil
}

func (cryptoProvider) MakeSignatureKeyPair() (SignatureKeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return SignatureKeyPair{}, err
	}
	return SignatureKeyPair{Public: pub, Private: priv}, nil
}

func (cryptoProvider) EncryptionKeyPairFromPrivate(priv []byte) (EncryptionKeyPair, error) {
	if len(priv) != 32 {
		return EncryptionKeyPair{}, &InvalidArgument{Detail: "encryption private key must be 32 bytes"}
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return EncryptionKeyPair{}, err
	}
	return EncryptionKeyPair{Public: pub, Private: priv}, nil
}

func (cryptoProvider) SignatureKeyPairFromPrivate(priv []byte) (SignatureKeyPair, error) {
	var seed []byte
	switch len(priv) {
	case ed25519.SeedSize:
		seed = priv
	case ed25519.PrivateKeySize:
		seed = ed25519.PrivateKey(priv).Seed()
	default:
		return SignatureKeyPair{}, &InvalidArgument{Detail: "signature private key has unexpected length"}
	}
	full := ed25519.NewKeyFromSeed(seed)
	return SignatureKeyPair{Public: []byte(full.Public().(ed25519.PublicKey)), Private: full}, nil
}

func (cryptoProvider) Equal(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

func (cryptoProvider) Zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
