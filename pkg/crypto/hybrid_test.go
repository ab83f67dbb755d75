package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"testing"
)

// encryptEnvelope builds an envelope the way the upstream does: AES-256-CBC
// with IV = key[:16], HMAC-SHA256 over the ciphertext with the same key,
// key wrapped with RSA-OAEP(SHA-1).
func encryptEnvelope(t *testing.T, plaintext []byte, key []byte, pub *rsa.PublicKey) *Envelope {
	t.Helper()

	block, err := aes.NewCipher(key)
	if err != nil {
		t.Fatalf("aes.NewCipher failed: %v", err)
	}

	padLen := aes.BlockSize - len(plaintext)%aes.BlockSize
	padded := append(append([]byte{}, plaintext...), bytes.Repeat([]byte{byte(padLen)}, padLen)...)

	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, key[:aes.BlockSize]).CryptBlocks(ciphertext, padded)

	mac := hmac.New(sha256.New, key)
	mac.Write(ciphertext)

	wrappedKey, err := rsa.EncryptOAEP(sha1.New(), rand.Reader, pub, key, nil)
	if err != nil {
		t.Fatalf("rsa.EncryptOAEP failed: %v", err)
	}

	return &Envelope{
		EncryptedContent:                base64.StdEncoding.EncodeToString(ciphertext),
		EncryptedSymmetricKey:           base64.StdEncoding.EncodeToString(wrappedKey),
		DataSignature:                   base64.StdEncoding.EncodeToString(mac.Sum(nil)),
		EncryptionCertificateID:         "test-cert",
		EncryptionCertificateThumbprint: "test-thumbprint",
	}
}

func testKeyPair(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("rsa.GenerateKey failed: %v", err)
	}
	return key
}

func symmetricKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("rand.Read failed: %v", err)
	}
	return key
}

func TestDecryptRoundTrip(t *testing.T) {
	privateKey := testKeyPair(t)
	plaintext := []byte(`{"@odata.type":"#microsoft.graph.chatMessage","body":{"content":"hello"}}`)

	env := encryptEnvelope(t, plaintext, symmetricKey(t), &privateKey.PublicKey)

	got, err := Decrypt(env, func(certID, thumbprint string) (*rsa.PrivateKey, error) {
		if certID != "test-cert" || thumbprint != "test-thumbprint" {
			t.Errorf("Resolver called with unexpected identifiers: %s / %s", certID, thumbprint)
		}
		return privateKey, nil
	})
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("Plaintext mismatch: got %q, want %q", got, plaintext)
	}
}

func TestDecryptTamperedCiphertext(t *testing.T) {
	privateKey := testKeyPair(t)
	env := encryptEnvelope(t, []byte("some payload"), symmetricKey(t), &privateKey.PublicKey)

	// Flip one byte of the ciphertext
	raw, _ := base64.StdEncoding.DecodeString(env.EncryptedContent)
	raw[0] ^= 0xff
	env.EncryptedContent = base64.StdEncoding.EncodeToString(raw)

	_, err := Decrypt(env, func(string, string) (*rsa.PrivateKey, error) {
		return privateKey, nil
	})
	if !errors.Is(err, ErrIntegrity) {
		t.Errorf("Expected ErrIntegrity for tampered ciphertext, got %v", err)
	}
}

func TestDecryptTamperedSignature(t *testing.T) {
	privateKey := testKeyPair(t)
	env := encryptEnvelope(t, []byte("some payload"), symmetricKey(t), &privateKey.PublicKey)

	sig, _ := base64.StdEncoding.DecodeString(env.DataSignature)
	sig[3] ^= 0x01
	env.DataSignature = base64.StdEncoding.EncodeToString(sig)

	_, err := Decrypt(env, func(string, string) (*rsa.PrivateKey, error) {
		return privateKey, nil
	})
	if !errors.Is(err, ErrIntegrity) {
		t.Errorf("Expected ErrIntegrity for tampered signature, got %v", err)
	}
}

func TestDecryptKeyNotFound(t *testing.T) {
	privateKey := testKeyPair(t)
	env := encryptEnvelope(t, []byte("some payload"), symmetricKey(t), &privateKey.PublicKey)

	_, err := Decrypt(env, func(string, string) (*rsa.PrivateKey, error) {
		return nil, errors.New("no such certificate")
	})
	if !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Expected ErrKeyNotFound, got %v", err)
	}

	_, err = Decrypt(env, func(string, string) (*rsa.PrivateKey, error) {
		return nil, nil
	})
	if !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Expected ErrKeyNotFound for nil key, got %v", err)
	}
}

func TestDecryptMalformedBase64(t *testing.T) {
	privateKey := testKeyPair(t)
	env := encryptEnvelope(t, []byte("some payload"), symmetricKey(t), &privateKey.PublicKey)
	env.EncryptedContent = "not-base64!!!"

	_, err := Decrypt(env, func(string, string) (*rsa.PrivateKey, error) {
		return privateKey, nil
	})
	if !errors.Is(err, ErrDecode) {
		t.Errorf("Expected ErrDecode for malformed base64, got %v", err)
	}
}

func TestDecryptWrongKey(t *testing.T) {
	privateKey := testKeyPair(t)
	otherKey := testKeyPair(t)
	env := encryptEnvelope(t, []byte("some payload"), symmetricKey(t), &privateKey.PublicKey)

	_, err := Decrypt(env, func(string, string) (*rsa.PrivateKey, error) {
		return otherKey, nil
	})
	if err == nil {
		t.Error("Expected decryption with the wrong private key to fail")
	}
}
