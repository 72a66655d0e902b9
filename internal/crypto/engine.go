// Package crypto provides the per-session key agreement and frame
// encryption for encrypted host sessions.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/ashureev/hostlink/internal/domain"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	// PublicKeySize is the size of a serialized X25519 public key in bytes.
	PublicKeySize = curve25519.PointSize

	// KeySize is the size of a derived session key in bytes.
	KeySize = chacha20poly1305.KeySize

	// NonceSize is the AEAD nonce size; the message index occupies the low
	// eight bytes.
	NonceSize = chacha20poly1305.NonceSize

	// DefaultKeyTTL bounds how long a derived session key may be used.
	DefaultKeyTTL = time.Hour
)

// hkdfInfo binds derived keys to this protocol version.
var hkdfInfo = []byte("hostlink-session-v1")

// Direction bytes occupy the first nonce byte so the client and host
// counters seal in disjoint nonce spaces under the shared key.
const (
	directionClient byte = 0x00
	directionHost   byte = 0x01
)

var (
	errInvalidPublicKey = errors.New("crypto: invalid public key")
	errKeyDestroyed     = errors.New("crypto: session key destroyed")
	errIndexReused      = errors.New("crypto: message index already used")
)

// Engine derives session keys. One engine serves all sessions of an
// application instance; derived keys are exclusively owned by one session.
type Engine struct {
	keyTTL time.Duration
}

// NewEngine creates an engine with the given key TTL. A non-positive TTL
// falls back to DefaultKeyTTL.
func NewEngine(keyTTL time.Duration) *Engine {
	if keyTTL <= 0 {
		keyTTL = DefaultKeyTTL
	}
	return &Engine{keyTTL: keyTTL}
}

// GenerateKeyPair returns a fresh X25519 keypair. Hosts use this for their
// long-lived identity key; the engine uses it internally for ephemeral keys.
func GenerateKeyPair() (public, private []byte, err error) {
	private = make([]byte, PublicKeySize)
	if _, err := rand.Read(private); err != nil {
		return nil, nil, fmt.Errorf("generate private key: %w", err)
	}
	public, err = curve25519.X25519(private, curve25519.Basepoint)
	if err != nil {
		return nil, nil, fmt.Errorf("derive public key: %w", err)
	}
	return public, private, nil
}

// DeriveSessionKey performs the client side of the authenticated key
// agreement: an ephemeral X25519 keypair against the host's long-lived
// public key, expanded through HKDF-SHA256 bound to both public keys. The
// ephemeral private key is wiped before returning.
func (e *Engine) DeriveSessionKey(hostPublic []byte) (*SessionKey, error) {
	if len(hostPublic) != PublicKeySize {
		return nil, errInvalidPublicKey
	}

	clientPublic, clientPrivate, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	defer wipe(clientPrivate)

	shared, err := curve25519.X25519(clientPrivate, hostPublic)
	if err != nil {
		return nil, fmt.Errorf("key agreement: %w", err)
	}
	defer wipe(shared)

	return e.expand(shared, clientPublic, hostPublic, directionClient)
}

// RespondSessionKey performs the host side of the agreement from the host's
// private key and the client public key received at session init. Exported
// for host implementations and protocol tests; the client engine never calls
// it.
func (e *Engine) RespondSessionKey(hostPrivate, clientPublic []byte) (*SessionKey, error) {
	if len(hostPrivate) != PublicKeySize || len(clientPublic) != PublicKeySize {
		return nil, errInvalidPublicKey
	}

	hostPublic, err := curve25519.X25519(hostPrivate, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive public key: %w", err)
	}

	shared, err := curve25519.X25519(hostPrivate, clientPublic)
	if err != nil {
		return nil, fmt.Errorf("key agreement: %w", err)
	}
	defer wipe(shared)

	return e.expand(shared, clientPublic, hostPublic, directionHost)
}

// expand stretches the raw shared secret into the session key. Salt is the
// concatenation of both public keys so transcript mismatches yield distinct
// keys instead of silent interop failures.
func (e *Engine) expand(shared, clientPublic, hostPublic []byte, direction byte) (*SessionKey, error) {
	salt := make([]byte, 0, 2*PublicKeySize)
	salt = append(salt, clientPublic...)
	salt = append(salt, hostPublic...)

	key := make([]byte, KeySize)
	kdf := hkdf.New(sha256.New, shared, salt, hkdfInfo)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("expand session key: %w", err)
	}

	return &SessionKey{
		key:          key,
		clientPublic: clientPublic,
		direction:    direction,
		expiresAt:    time.Now().Add(e.keyTTL),
	}, nil
}

// SessionKey is the symmetric key material for one session. It never leaves
// this package: callers encrypt and decrypt through it and zero it when the
// session ends.
type SessionKey struct {
	mu           sync.Mutex
	key          []byte
	clientPublic []byte
	direction    byte
	expiresAt    time.Time
	lastIndex    uint64
	indexUsed    bool
	lastInbound  uint64
	inboundUsed  bool
	destroyed    bool
}

// ClientPublic returns the ephemeral client public key for session init.
func (k *SessionKey) ClientPublic() []byte {
	out := make([]byte, len(k.clientPublic))
	copy(out, k.clientPublic)
	return out
}

// ExpiresAt returns the key expiry deadline.
func (k *SessionKey) ExpiresAt() time.Time {
	return k.expiresAt
}

// Expired reports whether the key passed its TTL.
func (k *SessionKey) Expired() bool {
	return time.Now().After(k.expiresAt)
}

// Encrypt seals plaintext under the session key. The message index is folded
// into the nonce, so every frame is unique and replay-resistant; reusing or
// rewinding an index on this key is rejected. The nonce is prefixed to the
// returned ciphertext.
func (k *SessionKey) Encrypt(messageIndex uint64, plaintext []byte) ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if err := k.usable(); err != nil {
		return nil, err
	}
	if k.indexUsed && messageIndex <= k.lastIndex {
		return nil, fmt.Errorf("%w: index %d, last %d", errIndexReused, messageIndex, k.lastIndex)
	}

	aead, err := chacha20poly1305.New(k.key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}

	nonce := make([]byte, NonceSize)
	nonce[0] = k.direction
	putIndex(nonce, messageIndex)

	// Commit the index before sealing so a retry after a transport failure
	// can never reuse it.
	k.lastIndex = messageIndex
	k.indexUsed = true

	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a nonce-prefixed ciphertext. A failed authentication tag is
// fatal: it signals tampering or a stale key, never a transient fault. Only
// frames sealed in the peer's direction are accepted, so a reflected copy of
// our own output never authenticates, and the inbound message index must
// strictly increase, so previously seen peer frames cannot be replayed.
func (k *SessionKey) Decrypt(ciphertext []byte) ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if err := k.usable(); err != nil {
		return nil, err
	}
	if len(ciphertext) < NonceSize+chacha20poly1305.Overhead {
		return nil, &domain.AuthenticationError{Reason: "ciphertext too short"}
	}

	nonce, box := ciphertext[:NonceSize], ciphertext[NonceSize:]
	peer := directionHost
	if k.direction == directionHost {
		peer = directionClient
	}
	if nonce[0] != peer {
		return nil, &domain.AuthenticationError{Reason: "frame not sealed in the peer's direction"}
	}

	aead, err := chacha20poly1305.New(k.key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}

	plaintext, err := aead.Open(nil, nonce, box, nil)
	if err != nil {
		return nil, &domain.AuthenticationError{Reason: "ciphertext authentication tag mismatch"}
	}

	index := binary.BigEndian.Uint64(nonce[NonceSize-8:])
	if k.inboundUsed && index <= k.lastInbound {
		return nil, &domain.AuthenticationError{Reason: fmt.Sprintf("replayed message index %d", index)}
	}
	k.lastInbound = index
	k.inboundUsed = true

	return plaintext, nil
}

// Zero wipes the key material. The key is unusable afterwards.
func (k *SessionKey) Zero() {
	k.mu.Lock()
	defer k.mu.Unlock()
	wipe(k.key)
	k.destroyed = true
}

func (k *SessionKey) usable() error {
	if k.destroyed {
		return errKeyDestroyed
	}
	if time.Now().After(k.expiresAt) {
		return domain.ErrKeyExpired
	}
	return nil
}

func putIndex(nonce []byte, index uint64) {
	binary.BigEndian.PutUint64(nonce[NonceSize-8:], index)
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
