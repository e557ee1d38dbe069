package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	// Argon2i parameters, moderate limits. The derived key must be stable
	// across sign-ins, so these are part of the on-disk format.
	Argon2Time    = 3
	Argon2Memory  = 32 * 1024
	Argon2Threads = 4
	Argon2KeyLen  = 32

	SaltSize  = 16
	NonceSize = 24
	KeySize   = 32

	// Pairwise ciphers travel as one string: base64 nonce, separator,
	// base64 ciphertext.
	NonceCipherSeparator = "@"
)

// sharedNonceChars is the encoded length of a nonce; shared-scheme ciphers
// concatenate nonce and ciphertext without a separator and split here.
// 24 bytes is a multiple of 3, so the encoding is exactly 32 chars, unpadded.
const sharedNonceChars = 32

var (
	ErrShortMessage     = errors.New("cipher shorter than nonce plus overhead")
	ErrDecryptionFailed = errors.New("decryption failed")
)

func GenerateSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

// GenerateKeyPair returns a fresh asymmetric pair as base64 strings,
// secret key first. Only the public key ever leaves the device.
func GenerateKeyPair() (secretKey, publicKey string, err error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("failed to generate key pair: %w", err)
	}
	return encodeKey(priv[:]), encodeKey(pub[:]), nil
}

// DeriveKeyPair derives the same pair for the same seed, so credentials
// regenerate identical keys across devices without the secret key ever
// being transmitted.
func DeriveKeyPair(seed []byte) (secretKey, publicKey string, err error) {
	sk := sha256.Sum256(seed)
	pk, err := curve25519.X25519(sk[:], curve25519.Basepoint)
	if err != nil {
		return "", "", fmt.Errorf("failed to derive key pair: %w", err)
	}
	return encodeKey(sk[:]), encodeKey(pk), nil
}

// DeriveKeyFromPassword binds the password and user id to a per-user salt.
// Argon2i keeps the result guessable only with the password in hand.
func DeriveKeyFromPassword(password, userID string, salt []byte) string {
	key := argon2.Key([]byte(password+userID), salt, Argon2Time, Argon2Memory, Argon2Threads, Argon2KeyLen)
	return encodeKey(key)
}

// EncryptPair encrypts content for the recipient using the pairwise channel.
// The result is base64(nonce) + separator + base64(cipher).
func EncryptPair(content, recipientPublicKey, senderSecretKey string) (string, error) {
	pub, err := decodeKey(recipientPublicKey)
	if err != nil {
		return "", fmt.Errorf("invalid recipient public key: %w", err)
	}
	sec, err := decodeKey(senderSecretKey)
	if err != nil {
		return "", fmt.Errorf("invalid sender secret key: %w", err)
	}

	var nonce [NonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	message := []byte(base64.StdEncoding.EncodeToString([]byte(content)))
	cipher := box.Seal(nil, message, &nonce, pub, sec)

	return base64.StdEncoding.EncodeToString(nonce[:]) +
		NonceCipherSeparator +
		base64.StdEncoding.EncodeToString(cipher), nil
}

// DecryptPair reverses EncryptPair with the sender's public key and the
// recipient's secret key.
func DecryptPair(cipherWithNonce, senderPublicKey, recipientSecretKey string) (string, error) {
	nonceStr, cipherStr, found := strings.Cut(cipherWithNonce, NonceCipherSeparator)
	if !found {
		return "", ErrShortMessage
	}

	nonceBytes, err := base64.StdEncoding.DecodeString(nonceStr)
	if err != nil || len(nonceBytes) != NonceSize {
		return "", ErrShortMessage
	}
	cipher, err := base64.StdEncoding.DecodeString(cipherStr)
	if err != nil || len(cipher) < box.Overhead {
		return "", ErrShortMessage
	}

	pub, err := decodeKey(senderPublicKey)
	if err != nil {
		return "", fmt.Errorf("invalid sender public key: %w", err)
	}
	sec, err := decodeKey(recipientSecretKey)
	if err != nil {
		return "", fmt.Errorf("invalid recipient secret key: %w", err)
	}

	var nonce [NonceSize]byte
	copy(nonce[:], nonceBytes)

	message, ok := box.Open(nil, cipher, &nonce, pub, sec)
	if !ok {
		return "", ErrDecryptionFailed
	}

	content, err := base64.StdEncoding.DecodeString(string(message))
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(content), nil
}

// NewSharedKey generates a symmetric key for a group room.
func NewSharedKey() (string, error) {
	var key [KeySize]byte
	if _, err := rand.Read(key[:]); err != nil {
		return "", fmt.Errorf("failed to generate shared key: %w", err)
	}
	return encodeKey(key[:]), nil
}

// EncryptShared encrypts content with the room's shared key. The result is
// base64(nonce) directly followed by base64(cipher).
func EncryptShared(content, sharedKey string) (string, error) {
	keyBytes, err := decodeKey(sharedKey)
	if err != nil {
		return "", fmt.Errorf("invalid shared key: %w", err)
	}

	var nonce [NonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	message := []byte(base64.StdEncoding.EncodeToString([]byte(content)))
	cipher := secretbox.Seal(nil, message, &nonce, keyBytes)

	return base64.StdEncoding.EncodeToString(nonce[:]) +
		base64.StdEncoding.EncodeToString(cipher), nil
}

// DecryptShared reverses EncryptShared.
func DecryptShared(cipherWithNonce, sharedKey string) (string, error) {
	if len(cipherWithNonce) < sharedNonceChars {
		return "", ErrShortMessage
	}

	nonceBytes, err := base64.StdEncoding.DecodeString(cipherWithNonce[:sharedNonceChars])
	if err != nil || len(nonceBytes) != NonceSize {
		return "", ErrShortMessage
	}
	cipher, err := base64.StdEncoding.DecodeString(cipherWithNonce[sharedNonceChars:])
	if err != nil || len(cipher) < secretbox.Overhead {
		return "", ErrShortMessage
	}

	keyBytes, err := decodeKey(sharedKey)
	if err != nil {
		return "", fmt.Errorf("invalid shared key: %w", err)
	}

	var nonce [NonceSize]byte
	copy(nonce[:], nonceBytes)

	message, ok := secretbox.Open(nil, cipher, &nonce, keyBytes)
	if !ok {
		return "", ErrDecryptionFailed
	}

	content, err := base64.StdEncoding.DecodeString(string(message))
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(content), nil
}

func encodeKey(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}

func decodeKey(key string) (*[KeySize]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return nil, err
	}
	if len(raw) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(raw))
	}
	var out [KeySize]byte
	copy(out[:], raw)
	return &out, nil
}
