package broker

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/SherClockHolmes/webpush-go"
)

// WebPushConfig holds VAPID configuration for the Web Push backend
type WebPushConfig struct {
	VAPIDPublicKey  string `json:"vapid_public_key"`
	VAPIDPrivateKey string `json:"vapid_private_key"`
	ContactEmail    string `json:"contact_email"`
}

// PushRegistration is a browser push subscription tied to a connection id
type PushRegistration struct {
	Endpoint string            `json:"endpoint"`
	Keys     map[string]string `json:"keys"`
}

// WebPushBroker delivers events as Web Push messages, so clients without an
// open socket still hear about changes. Registrations are held in memory,
// mirroring the hub's connection registry.
type WebPushBroker struct {
	config *WebPushConfig

	mu     sync.RWMutex
	subs   map[string]PushRegistration
	groups map[string]map[string]struct{}
}

// NewWebPushBroker creates a Web Push backend
func NewWebPushBroker(config *WebPushConfig) (*WebPushBroker, error) {
	if config.VAPIDPublicKey == "" || config.VAPIDPrivateKey == "" || config.ContactEmail == "" {
		return nil, fmt.Errorf("web push requires vapid_public_key, vapid_private_key and contact_email")
	}
	return &WebPushBroker{
		config: config,
		subs:   make(map[string]PushRegistration),
		groups: make(map[string]map[string]struct{}),
	}, nil
}

// VAPIDPublicKey exposes the key browsers need to subscribe
func (b *WebPushBroker) VAPIDPublicKey() string {
	return b.config.VAPIDPublicKey
}

// Register stores a push subscription under a connection id
func (b *WebPushBroker) Register(connectionID string, reg PushRegistration) error {
	if reg.Endpoint == "" {
		return fmt.Errorf("push registration has no endpoint")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[connectionID] = reg
	return nil
}

// Unregister drops a push subscription and its group memberships
func (b *WebPushBroker) Unregister(connectionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, connectionID)
	for groupID, members := range b.groups {
		delete(members, connectionID)
		if len(members) == 0 {
			delete(b.groups, groupID)
		}
	}
}

// JoinGroup adds a registered push subscription to a routing group
func (b *WebPushBroker) JoinGroup(_ context.Context, groupID, connectionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[connectionID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, connectionID)
	}
	members, ok := b.groups[groupID]
	if !ok {
		members = make(map[string]struct{})
		b.groups[groupID] = members
	}
	members[connectionID] = struct{}{}
	return nil
}

// SendToGroup pushes an event frame to every registration in a group.
// Rejected endpoints are dropped so dead browsers stop accumulating.
func (b *WebPushBroker) SendToGroup(ctx context.Context, groupID, event string, payloads ...any) error {
	data, err := marshalEvent(event, payloads)
	if err != nil {
		return err
	}

	b.mu.RLock()
	targets := make(map[string]PushRegistration)
	for id := range b.groups[groupID] {
		if reg, ok := b.subs[id]; ok {
			targets[id] = reg
		}
	}
	b.mu.RUnlock()

	for id, reg := range targets {
		if err := b.push(reg, data); err != nil {
			log.Printf("Dropping push registration %s: %v", id, err)
			b.Unregister(id)
		}
	}
	return nil
}

// SendToConnection pushes an event frame to a single registration
func (b *WebPushBroker) SendToConnection(_ context.Context, connectionID, event string, payloads ...any) error {
	data, err := marshalEvent(event, payloads)
	if err != nil {
		return err
	}

	b.mu.RLock()
	reg, ok := b.subs[connectionID]
	b.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, connectionID)
	}
	return b.push(reg, data)
}

func (b *WebPushBroker) push(reg PushRegistration, data []byte) error {
	sub := &webpush.Subscription{
		Endpoint: reg.Endpoint,
		Keys: webpush.Keys{
			P256dh: reg.Keys["p256dh"],
			Auth:   reg.Keys["auth"],
		},
	}
	options := &webpush.Options{
		Subscriber:      b.config.ContactEmail,
		VAPIDPublicKey:  b.config.VAPIDPublicKey,
		VAPIDPrivateKey: b.config.VAPIDPrivateKey,
		TTL:             86400,
		Urgency:         webpush.UrgencyNormal,
	}

	resp, err := webpush.SendNotification(data, sub, options)
	if err != nil {
		return fmt.Errorf("failed to send notification: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Printf("Error closing push response body: %v", err)
		}
	}()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("notification rejected with status %d", resp.StatusCode)
	}
	return nil
}
