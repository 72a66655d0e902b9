package crypto

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/ashureev/hostlink/internal/domain"
)

func TestDeriveSessionKey_SharedSecretMatches(t *testing.T) {
	hostPub, hostPriv, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}

	eng := NewEngine(time.Hour)
	clientKey, err := eng.DeriveSessionKey(hostPub)
	if err != nil {
		t.Fatalf("DeriveSessionKey: %v", err)
	}

	hostKey, err := eng.RespondSessionKey(hostPriv, clientKey.ClientPublic())
	if err != nil {
		t.Fatalf("RespondSessionKey: %v", err)
	}

	plaintext := []byte(`{"prompt":"hello"}`)
	ciphertext, err := clientKey.Encrypt(1, plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if bytes.Contains(ciphertext, plaintext) {
		t.Error("ciphertext contains plaintext")
	}

	got, err := hostKey.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("Decrypt = %q, want %q", got, plaintext)
	}
}

func TestDeriveSessionKey_RejectsBadPublicKey(t *testing.T) {
	eng := NewEngine(time.Hour)
	if _, err := eng.DeriveSessionKey([]byte("short")); err == nil {
		t.Error("expected error for truncated public key")
	}
}

func TestEncrypt_RejectsIndexReuse(t *testing.T) {
	key := testKey(t, time.Hour)

	if _, err := key.Encrypt(5, []byte("first")); err != nil {
		t.Fatalf("Encrypt(5): %v", err)
	}

	cases := []uint64{5, 4, 0}
	for _, idx := range cases {
		if _, err := key.Encrypt(idx, []byte("replay")); err == nil {
			t.Errorf("Encrypt(%d) after index 5 should fail", idx)
		}
	}

	if _, err := key.Encrypt(6, []byte("next")); err != nil {
		t.Errorf("Encrypt(6) should succeed after 5: %v", err)
	}
}

func TestDecrypt_TamperedCiphertext(t *testing.T) {
	clientKey, hostKey := testKeyPair(t)

	ciphertext, err := clientKey.Encrypt(1, []byte("payload"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	ciphertext[len(ciphertext)-1] ^= 0x01

	_, err = hostKey.Decrypt(ciphertext)
	var authErr *domain.AuthenticationError
	if !errors.As(err, &authErr) {
		t.Errorf("Decrypt of tampered ciphertext = %v, want AuthenticationError", err)
	}
}

func TestDecrypt_RejectsReflectedFrame(t *testing.T) {
	clientKey, _ := testKeyPair(t)

	ciphertext, err := clientKey.Encrypt(1, []byte("outbound"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	// A copy of our own sealed frame must never authenticate as host
	// traffic: the nonce carries our send direction, not the peer's.
	_, err = clientKey.Decrypt(ciphertext)
	var authErr *domain.AuthenticationError
	if !errors.As(err, &authErr) {
		t.Errorf("Decrypt of reflected own frame = %v, want AuthenticationError", err)
	}
}

func TestDecrypt_RejectsReplayedFrame(t *testing.T) {
	clientKey, hostKey := testKeyPair(t)

	first, err := hostKey.Encrypt(1, []byte("chunk one"))
	if err != nil {
		t.Fatalf("Encrypt(1): %v", err)
	}
	second, err := hostKey.Encrypt(2, []byte("chunk two"))
	if err != nil {
		t.Fatalf("Encrypt(2): %v", err)
	}

	if _, err := clientKey.Decrypt(first); err != nil {
		t.Fatalf("Decrypt(first): %v", err)
	}
	if _, err := clientKey.Decrypt(second); err != nil {
		t.Fatalf("Decrypt(second): %v", err)
	}

	var authErr *domain.AuthenticationError
	if _, err := clientKey.Decrypt(first); !errors.As(err, &authErr) {
		t.Errorf("Decrypt of replayed frame = %v, want AuthenticationError", err)
	}
	if _, err := clientKey.Decrypt(second); !errors.As(err, &authErr) {
		t.Errorf("Decrypt of rewound frame = %v, want AuthenticationError", err)
	}
}

func TestDecrypt_TruncatedCiphertext(t *testing.T) {
	key := testKey(t, time.Hour)

	_, err := key.Decrypt([]byte("too short"))
	var authErr *domain.AuthenticationError
	if !errors.As(err, &authErr) {
		t.Errorf("Decrypt of truncated ciphertext = %v, want AuthenticationError", err)
	}
}

func TestSessionKey_Expiry(t *testing.T) {
	key := testKey(t, time.Nanosecond)
	time.Sleep(10 * time.Millisecond)

	if !key.Expired() {
		t.Fatal("key should report expired")
	}
	if _, err := key.Encrypt(1, []byte("late")); !errors.Is(err, domain.ErrKeyExpired) {
		t.Errorf("Encrypt on expired key = %v, want ErrKeyExpired", err)
	}
	if _, err := key.Decrypt(make([]byte, 64)); !errors.Is(err, domain.ErrKeyExpired) {
		t.Errorf("Decrypt on expired key = %v, want ErrKeyExpired", err)
	}
}

func TestSessionKey_Zero(t *testing.T) {
	key := testKey(t, time.Hour)
	key.Zero()

	if _, err := key.Encrypt(1, []byte("gone")); err == nil {
		t.Error("Encrypt on zeroed key should fail")
	}
	for _, b := range key.key {
		if b != 0 {
			t.Fatal("key material not wiped")
		}
	}
}

func TestDistinctSessionsDeriveDistinctKeys(t *testing.T) {
	hostPub, _, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}

	eng := NewEngine(time.Hour)
	a, err := eng.DeriveSessionKey(hostPub)
	if err != nil {
		t.Fatalf("DeriveSessionKey: %v", err)
	}
	b, err := eng.DeriveSessionKey(hostPub)
	if err != nil {
		t.Fatalf("DeriveSessionKey: %v", err)
	}

	if bytes.Equal(a.key, b.key) {
		t.Error("two sessions derived the same key")
	}
}

func testKeyPair(t *testing.T) (client, host *SessionKey) {
	t.Helper()
	hostPub, hostPriv, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	eng := NewEngine(time.Hour)
	client, err = eng.DeriveSessionKey(hostPub)
	if err != nil {
		t.Fatalf("DeriveSessionKey: %v", err)
	}
	host, err = eng.RespondSessionKey(hostPriv, client.ClientPublic())
	if err != nil {
		t.Fatalf("RespondSessionKey: %v", err)
	}
	return client, host
}

func testKey(t *testing.T, ttl time.Duration) *SessionKey {
	t.Helper()
	hostPub, _, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	key, err := NewEngine(ttl).DeriveSessionKey(hostPub)
	if err != nil {
		t.Fatalf("DeriveSessionKey: %v", err)
	}
	return key
}
