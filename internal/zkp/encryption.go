package zkp

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"math/big"

	"github.com/consensys/gnark-crypto/ecc/bn254"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Encryption errors
var (
	ErrCiphertextTooShort = errors.New("note ciphertext too short")
	ErrInvalidPublicKey   = errors.New("invalid note encryption public key")
	ErrDecryptionFailed   = errors.New("note decryption failed")
)

var noteKDFInfo = []byte("shieldpool/note-encryption/v1")

// EncryptionKey is a recipient's private key for note payloads
type EncryptionKey struct {
	scalar fr.Element
}

// PublicKey is the point notes are encrypted to
type PublicKey struct {
	Point bn254.G1Affine
}

// NewEncryptionKey draws a random key pair
func NewEncryptionKey() (*EncryptionKey, error) {
	var k EncryptionKey
	if _, err := k.scalar.SetRandom(); err != nil {
		return nil, err
	}
	return &k, nil
}

// EncryptionKeyFromBytes restores a private key from its 32-byte encoding
func EncryptionKeyFromBytes(b []byte) (*EncryptionKey, error) {
	if len(b) != fr.Bytes {
		return nil, fmt.Errorf("encryption key: expected %d bytes, got %d", fr.Bytes, len(b))
	}
	var k EncryptionKey
	if err := k.scalar.SetBytesCanonical(b); err != nil {
		return nil, fmt.Errorf("encryption key: %w", err)
	}
	return &k, nil
}

// Bytes returns the 32-byte private key encoding
func (k *EncryptionKey) Bytes() []byte {
	b := k.scalar.Bytes()
	return b[:]
}

// Public returns the key's public point
func (k *EncryptionKey) Public() *PublicKey {
	var pk PublicKey
	pk.Point.ScalarMultiplication(&g1Generator, k.scalar.BigInt(new(big.Int)))
	return &pk
}

// Bytes returns the compressed point
func (pk *PublicKey) Bytes() []byte {
	b := pk.Point.Bytes()
	return b[:]
}

// PublicKeyFromBytes parses a compressed point, checking subgroup membership
func PublicKeyFromBytes(b []byte) (*PublicKey, error) {
	var pk PublicKey
	if _, err := pk.Point.SetBytes(b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	if pk.Point.IsInfinity() {
		return nil, ErrInvalidPublicKey
	}
	return &pk, nil
}

// EncryptNote encrypts n to recipient. The ciphertext is
// ephemeral point || nonce || sealed payload, with the ephemeral point as
// associated data.
func EncryptNote(recipient *PublicKey, n *Note) ([]byte, error) {
	plaintext, err := n.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return Seal(recipient, plaintext)
}

// DecryptNote recovers a note encrypted with EncryptNote
func DecryptNote(key *EncryptionKey, ciphertext []byte) (*Note, error) {
	plaintext, err := Open(key, ciphertext)
	if err != nil {
		return nil, err
	}
	var n Note
	if err := n.UnmarshalBinary(plaintext); err != nil {
		return nil, err
	}
	return &n, nil
}

// Seal encrypts an arbitrary payload to recipient
func Seal(recipient *PublicKey, plaintext []byte) ([]byte, error) {
	if recipient == nil || recipient.Point.IsInfinity() {
		return nil, ErrInvalidPublicKey
	}

	eph, err := NewEncryptionKey()
	if err != nil {
		return nil, err
	}
	ephPub := eph.Public().Bytes()

	var shared bn254.G1Affine
	shared.ScalarMultiplication(&recipient.Point, eph.scalar.BigInt(new(big.Int)))

	aead, err := deriveAEAD(&shared, ephPub)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(ephPub)+aead.NonceSize()+len(plaintext)+aead.Overhead())
	out = append(out, ephPub...)
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, ephPub), nil
}

// Open decrypts a payload produced by Seal
func Open(key *EncryptionKey, ciphertext []byte) ([]byte, error) {
	const pointSize = bn254.SizeOfG1AffineCompressed
	if len(ciphertext) < pointSize+chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return nil, ErrCiphertextTooShort
	}

	ephPub := ciphertext[:pointSize]
	var eph bn254.G1Affine
	if _, err := eph.SetBytes(ephPub); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	var shared bn254.G1Affine
	shared.ScalarMultiplication(&eph, key.scalar.BigInt(new(big.Int)))

	aead, err := deriveAEAD(&shared, ephPub)
	if err != nil {
		return nil, err
	}

	nonce := ciphertext[pointSize : pointSize+aead.NonceSize()]
	sealed := ciphertext[pointSize+aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, sealed, ephPub)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

func deriveAEAD(shared *bn254.G1Affine, salt []byte) (cipher.AEAD, error) {
	secret := shared.Bytes()
	kdf := hkdf.New(sha256.New, secret[:], salt, noteKDFInfo)
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, err
	}
	return chacha20poly1305.NewX(key)
}
