package crypto

import (
	"bytes"
	"errors"
	"testing"
)

func testEncryptor(t *testing.T) *Encryptor {
	t.Helper()
	enc, err := NewEncryptor(bytes.Repeat([]byte{7}, 32))
	if err != nil {
		t.Fatalf("NewEncryptor failed: %v", err)
	}
	return enc
}

func TestNewEncryptorKeySize(t *testing.T) {
	if _, err := NewEncryptor([]byte("short")); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
}

func TestEncryptDecrypt(t *testing.T) {
	enc := testEncryptor(t)

	tests := []string{"ya29.access-token", "1//refresh", "ünïcødé", ""}
	for _, plain := range tests {
		t.Run(plain, func(t *testing.T) {
			sealed, err := enc.Encrypt(plain)
			if err != nil {
				t.Fatalf("Encrypt failed: %v", err)
			}
			if plain != "" && sealed == plain {
				t.Fatal("ciphertext equals plaintext")
			}
			got, err := enc.Decrypt(sealed)
			if err != nil {
				t.Fatalf("Decrypt failed: %v", err)
			}
			if got != plain {
				t.Errorf("expected %q, got %q", plain, got)
			}
		})
	}
}

func TestEncryptUsesFreshNonce(t *testing.T) {
	enc := testEncryptor(t)
	a, _ := enc.Encrypt("same")
	b, _ := enc.Encrypt("same")
	if a == b {
		t.Error("two encryptions of the same value should differ")
	}
}

func TestDecryptRejectsTampering(t *testing.T) {
	enc := testEncryptor(t)

	if _, err := enc.Decrypt("not base64!"); !errors.Is(err, ErrInvalidCiphertext) {
		t.Errorf("expected ErrInvalidCiphertext for bad encoding, got %v", err)
	}
	if _, err := enc.Decrypt("AAAA"); !errors.Is(err, ErrInvalidCiphertext) {
		t.Errorf("expected ErrInvalidCiphertext for short input, got %v", err)
	}

	other, _ := NewEncryptor(bytes.Repeat([]byte{9}, 32))
	sealed, _ := other.Encrypt("secret")
	if _, err := enc.Decrypt(sealed); !errors.Is(err, ErrInvalidCiphertext) {
		t.Errorf("expected ErrInvalidCiphertext for wrong key, got %v", err)
	}
}
