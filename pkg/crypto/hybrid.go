package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
)

// Decryption failures are terminal for the single envelope; callers must
// skip the item and continue with the rest of the batch.
var (
	// ErrKeyNotFound indicates the resolver could not supply a private key
	// for the certificate named in the envelope.
	ErrKeyNotFound = errors.New("decryption key not found")

	// ErrIntegrity indicates the payload signature did not match. The
	// ciphertext is never decrypted in this case.
	ErrIntegrity = errors.New("payload signature mismatch")

	// ErrDecode indicates malformed base64, an invalid key size or a
	// ciphertext that cannot be decrypted.
	ErrDecode = errors.New("payload decode failed")
)

// Envelope is the hybrid-encrypted wire payload attached to a change
// notification: an AES-encrypted body, the AES key wrapped with the
// subscriber's RSA public key, and an HMAC over the ciphertext.
type Envelope struct {
	ODataType                       string `json:"@odata.type,omitempty"`
	EncryptedContent                string `json:"encryptedContent"`
	EncryptedSymmetricKey           string `json:"encryptedSymmetricKey"`
	EncryptionCertificateID         string `json:"encryptionCertificateId"`
	EncryptionCertificateThumbprint string `json:"encryptionCertificateThumbprint"`
	DataSignature                   string `json:"dataSignature"`
}

// KeyResolver supplies the RSA private key matching the certificate the
// upstream used to wrap the symmetric key. Decoupled from any particular
// vault: callers pass whatever resolver fits their key storage.
type KeyResolver func(certificateID, thumbprint string) (*rsa.PrivateKey, error)

// Decrypt decodes a hybrid-encrypted envelope and returns the plaintext.
//
// The scheme follows the upstream webhook encryption exactly:
//  1. RSA-OAEP(SHA-1) unwrap of the symmetric key material.
//  2. HMAC-SHA256 over the raw ciphertext bytes, keyed with the full key
//     material, compared constant-time against dataSignature. The ciphertext
//     is not touched when the signature does not match.
//  3. AES-CBC with the key material as key and its first block as IV,
//     followed by PKCS#7 unpadding.
//
// The same key material is deliberately reused for both the HMAC and the AES
// key; that is the upstream byte-split, not a local choice.
func Decrypt(env *Envelope, resolve KeyResolver) ([]byte, error) {
	if resolve == nil {
		return nil, ErrKeyNotFound
	}
	privateKey, err := resolve(env.EncryptionCertificateID, env.EncryptionCertificateThumbprint)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyNotFound, err)
	}
	if privateKey == nil {
		return nil, ErrKeyNotFound
	}

	wrappedKey, err := base64.StdEncoding.DecodeString(env.EncryptedSymmetricKey)
	if err != nil {
		return nil, fmt.Errorf("%w: bad symmetric key encoding: %v", ErrDecode, err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.EncryptedContent)
	if err != nil {
		return nil, fmt.Errorf("%w: bad content encoding: %v", ErrDecode, err)
	}
	signature, err := base64.StdEncoding.DecodeString(env.DataSignature)
	if err != nil {
		return nil, fmt.Errorf("%w: bad signature encoding: %v", ErrDecode, err)
	}

	keyMaterial, err := rsa.DecryptOAEP(sha1.New(), nil, privateKey, wrappedKey, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: symmetric key unwrap failed: %v", ErrDecode, err)
	}

	mac := hmac.New(sha256.New, keyMaterial)
	mac.Write(ciphertext)
	if !hmac.Equal(mac.Sum(nil), signature) {
		return nil, ErrIntegrity
	}

	block, err := aes.NewCipher(keyMaterial)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid symmetric key size %d: %v", ErrDecode, len(keyMaterial), err)
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext length %d is not a block multiple", ErrDecode, len(ciphertext))
	}

	iv := keyMaterial[:aes.BlockSize]
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	return stripPKCS7(plaintext)
}

// stripPKCS7 removes PKCS#7 padding, rejecting malformed pad bytes
func stripPKCS7(data []byte) ([]byte, error) {
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > aes.BlockSize || padLen > len(data) {
		return nil, fmt.Errorf("%w: invalid padding length %d", ErrDecode, padLen)
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, fmt.Errorf("%w: invalid padding", ErrDecode)
		}
	}
	return data[:len(data)-padLen], nil
}
