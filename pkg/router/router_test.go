package router

import (
	"bytes"
	"context"
	crypto_aes "crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/changerelay/changerelay/pkg/cache"
	"github.com/changerelay/changerelay/pkg/crypto"
	"github.com/changerelay/changerelay/pkg/history"
	"github.com/changerelay/changerelay/pkg/subscription"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentEvent struct {
	groupID  string
	event    string
	payloads []any
}

type fakeSender struct {
	sent    []sentEvent
	failFor string
}

func (s *fakeSender) SendToGroup(_ context.Context, groupID, event string, payloads ...any) error {
	if groupID == s.failFor {
		return errors.New("no such group")
	}
	s.sent = append(s.sent, sentEvent{groupID: groupID, event: event, payloads: payloads})
	return nil
}

// sealEnvelope builds a hybrid envelope the way the upstream does: AES-CBC
// body, HMAC over the ciphertext, RSA-OAEP wrapped key material.
func sealEnvelope(t *testing.T, publicKey *rsa.PublicKey, plaintext []byte) *crypto.Envelope {
	t.Helper()

	keyMaterial := make([]byte, 32)
	_, err := rand.Read(keyMaterial)
	require.NoError(t, err)

	padLen := crypto_aes.BlockSize - len(plaintext)%crypto_aes.BlockSize
	padded := append(append([]byte{}, plaintext...), bytes.Repeat([]byte{byte(padLen)}, padLen)...)

	block, err := crypto_aes.NewCipher(keyMaterial)
	require.NoError(t, err)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, keyMaterial[:crypto_aes.BlockSize]).CryptBlocks(ciphertext, padded)

	mac := hmac.New(sha256.New, keyMaterial)
	mac.Write(ciphertext)

	wrappedKey, err := rsa.EncryptOAEP(sha1.New(), rand.Reader, publicKey, keyMaterial, nil)
	require.NoError(t, err)

	return &crypto.Envelope{
		EncryptedContent:        base64.StdEncoding.EncodeToString(ciphertext),
		EncryptedSymmetricKey:   base64.StdEncoding.EncodeToString(wrappedKey),
		EncryptionCertificateID: "cert-1",
		DataSignature:           base64.StdEncoding.EncodeToString(mac.Sum(nil)),
	}
}

func batchBody(t *testing.T, items ...any) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{"value": items})
	require.NoError(t, err)
	return body
}

func TestRouteDispatchesBatch(t *testing.T) {
	sender := &fakeSender{}
	router := NewRouter(sender, nil, nil, nil)

	body := batchBody(t,
		map[string]any{"subscriptionId": "sub-1", "changeType": "created"},
		map[string]any{"subscriptionId": "sub-2", "changeType": "updated"},
		map[string]any{"subscriptionId": "sub-1", "changeType": "deleted"},
	)
	require.NoError(t, router.Route(context.Background(), body))

	require.Len(t, sender.sent, 3)
	assert.Equal(t, "sub-1", sender.sent[0].groupID)
	assert.Equal(t, "sub-2", sender.sent[1].groupID)
	assert.Equal(t, "sub-1", sender.sent[2].groupID)
	for _, event := range sender.sent {
		assert.Equal(t, EventNewMessage, event.event)
		require.Len(t, event.payloads, 2)
	}
	// Batch order preserved for the same subscription id
	first := sender.sent[0].payloads[0].(Notification)
	third := sender.sent[2].payloads[0].(Notification)
	assert.Equal(t, "created", first.ChangeType)
	assert.Equal(t, "deleted", third.ChangeType)
}

func TestRouteSkipsValidationSentinel(t *testing.T) {
	sender := &fakeSender{}
	router := NewRouter(sender, nil, nil, nil)

	body := batchBody(t,
		map[string]any{"subscriptionId": "na"},
		map[string]any{"changeType": "created"}, // no subscription id
	)
	require.NoError(t, router.Route(context.Background(), body))
	assert.Empty(t, sender.sent)
}

func TestRouteDecryptsContent(t *testing.T) {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	resolver := func(certificateID, thumbprint string) (*rsa.PrivateKey, error) {
		return privateKey, nil
	}

	sender := &fakeSender{}
	router := NewRouter(sender, nil, nil, resolver)

	envelope := sealEnvelope(t, &privateKey.PublicKey, []byte(`{"body":"hello"}`))
	body := batchBody(t, map[string]any{
		"subscriptionId":   "sub-1",
		"encryptedContent": envelope,
	})
	require.NoError(t, router.Route(context.Background(), body))

	require.Len(t, sender.sent, 1)
	assert.Equal(t, `{"body":"hello"}`, sender.sent[0].payloads[1])
}

func TestRouteIsolatesItemFailures(t *testing.T) {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	resolver := func(certificateID, thumbprint string) (*rsa.PrivateKey, error) {
		return privateKey, nil
	}

	sender := &fakeSender{failFor: "sub-dead"}
	router := NewRouter(sender, nil, nil, resolver)

	broken := sealEnvelope(t, &privateKey.PublicKey, []byte("payload"))
	broken.DataSignature = base64.StdEncoding.EncodeToString([]byte("tampered"))

	body := batchBody(t,
		map[string]any{"subscriptionId": "sub-1"},
		map[string]any{"subscriptionId": "sub-bad", "encryptedContent": broken},
		map[string]any{"subscriptionId": "sub-dead"},
		map[string]any{"subscriptionId": "sub-2"},
	)
	require.NoError(t, router.Route(context.Background(), body))

	// The undecryptable and undeliverable items are skipped, the rest land
	require.Len(t, sender.sent, 2)
	assert.Equal(t, "sub-1", sender.sent[0].groupID)
	assert.Equal(t, "sub-2", sender.sent[1].groupID)
}

func TestRouteRecordsHistory(t *testing.T) {
	memCache := cache.NewMemoryCache()
	store := subscription.NewStore(memCache)

	record := &subscription.Record{SubscriptionID: "sub-1"}
	record.Resource = "me/chats/messages"
	record.ExpirationTime = time.Now().Add(time.Hour)
	require.NoError(t, store.Save(context.Background(), "user-42", record))

	histStore := history.NewStore(t.TempDir())
	sender := &fakeSender{failFor: "sub-unknown"}
	router := NewRouter(sender, store, histStore, nil)

	body := batchBody(t,
		map[string]any{"subscriptionId": "sub-1", "resource": "me/chats/messages", "changeType": "created"},
		map[string]any{"subscriptionId": "sub-unknown"},
	)
	require.NoError(t, router.Route(context.Background(), body))

	// Delivered entry attributed to the subscription's owner
	entries, total, err := histStore.List("user-42", 10, 0, nil)
	require.NoError(t, err)
	require.Equal(t, 1, total)
	assert.True(t, entries[0].Delivered)
	assert.Equal(t, "sub-1", entries[0].SubscriptionID)
	assert.Equal(t, "created", entries[0].ChangeType)

	// Failed entry for an uncached subscription goes to the unknown bucket
	entries, total, err = histStore.List("unknown", 10, 0, nil)
	require.NoError(t, err)
	require.Equal(t, 1, total)
	assert.False(t, entries[0].Delivered)
	assert.NotEmpty(t, entries[0].Error)
}

func TestRouteRejectsMalformedBatch(t *testing.T) {
	router := NewRouter(&fakeSender{}, nil, nil, nil)
	err := router.Route(context.Background(), []byte("not json"))
	assert.Error(t, err)
}

func TestRouteSkipsMalformedItem(t *testing.T) {
	sender := &fakeSender{}
	router := NewRouter(sender, nil, nil, nil)

	body := []byte(fmt.Sprintf(`{"value":[%s,{"subscriptionId":"sub-1"}]}`, `{"subscriptionId":42}`))
	require.NoError(t, router.Route(context.Background(), body))
	require.Len(t, sender.sent, 1)
	assert.Equal(t, "sub-1", sender.sent[0].groupID)
}
