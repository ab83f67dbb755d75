package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/changerelay/changerelay/pkg/crypto"
	"github.com/changerelay/changerelay/pkg/history"
	"github.com/changerelay/changerelay/pkg/subscription"
)

// validationSentinel is the subscription id the upstream puts on validation
// notifications. They carry no change and are silently skipped.
const validationSentinel = "na"

// EventNewMessage is the event name delivered to routing groups
const EventNewMessage = "NewMessage"

// GroupSender delivers an event to a routing group
type GroupSender interface {
	SendToGroup(ctx context.Context, groupID, event string, payloads ...any) error
}

// RecordFinder resolves a subscription id to its stored record
type RecordFinder interface {
	Find(ctx context.Context, subscriptionID string) (*subscription.Record, bool, error)
}

// Recorder logs delivery attempts
type Recorder interface {
	AddEntry(userID string, entry history.Entry) error
}

// Notification is one item of an inbound webhook batch
type Notification struct {
	SubscriptionID                 string           `json:"subscriptionId"`
	ClientState                    string           `json:"clientState,omitempty"`
	ChangeType                     string           `json:"changeType,omitempty"`
	Resource                       string           `json:"resource,omitempty"`
	SubscriptionExpirationDateTime *time.Time       `json:"subscriptionExpirationDateTime,omitempty"`
	EncryptedContent               *crypto.Envelope `json:"encryptedContent,omitempty"`
}

// batch is the webhook wire format: a bag of notifications
type batch struct {
	Value []json.RawMessage `json:"value"`
}

// Router fans inbound notification batches out to routing groups. Items are
// processed independently: a bad item is logged and skipped, never allowed
// to block its siblings.
type Router struct {
	sender   GroupSender
	finder   RecordFinder
	recorder Recorder
	resolve  crypto.KeyResolver
}

// NewRouter creates a notification router. finder and recorder are optional;
// without them deliveries are not attributed or logged. resolve is only
// needed when subscriptions carry encrypted resource data.
func NewRouter(sender GroupSender, finder RecordFinder, recorder Recorder, resolve crypto.KeyResolver) *Router {
	return &Router{
		sender:   sender,
		finder:   finder,
		recorder: recorder,
		resolve:  resolve,
	}
}

// Route parses a webhook batch body and dispatches each notification to the
// group named by its subscription id. Only a malformed batch is an error;
// item-level failures are contained.
func (r *Router) Route(ctx context.Context, body []byte) error {
	var b batch
	if err := json.Unmarshal(body, &b); err != nil {
		return fmt.Errorf("parsing notification batch: %w", err)
	}

	for i, raw := range b.Value {
		r.routeItem(ctx, i, raw)
	}
	return nil
}

func (r *Router) routeItem(ctx context.Context, index int, raw json.RawMessage) {
	var item Notification
	if err := json.Unmarshal(raw, &item); err != nil {
		log.Printf("Skipping malformed notification at index %d: %v", index, err)
		return
	}

	if item.SubscriptionID == "" || item.SubscriptionID == validationSentinel {
		return
	}

	var plaintext string
	if item.EncryptedContent != nil {
		decrypted, err := crypto.Decrypt(item.EncryptedContent, r.resolve)
		if err != nil {
			log.Printf("Unable to decrypt notification for subscription %s: %v", item.SubscriptionID, err)
			r.record(ctx, &item, false, err)
			return
		}
		plaintext = string(decrypted)
	}

	if err := r.sender.SendToGroup(ctx, item.SubscriptionID, EventNewMessage, item, plaintext); err != nil {
		log.Printf("Delivering notification for subscription %s: %v", item.SubscriptionID, err)
		r.record(ctx, &item, false, err)
		return
	}
	r.record(ctx, &item, true, nil)
}

// Decrypt opens a single envelope with the router's key resolver. Exposed
// for the diagnostics endpoint.
func (r *Router) Decrypt(env *crypto.Envelope) ([]byte, error) {
	return crypto.Decrypt(env, r.resolve)
}

// record writes a delivery history entry, attributing the subscription id
// back to its owner when the record is still cached
func (r *Router) record(ctx context.Context, item *Notification, delivered bool, cause error) {
	if r.recorder == nil {
		return
	}

	userID := "unknown"
	if r.finder != nil {
		if record, found, err := r.finder.Find(ctx, item.SubscriptionID); err == nil && found && record.UserID != "" {
			userID = record.UserID
		}
	}

	entry := history.Entry{
		SubscriptionID: item.SubscriptionID,
		Resource:       item.Resource,
		ChangeType:     item.ChangeType,
		Delivered:      delivered,
	}
	if cause != nil {
		entry.Error = cause.Error()
	}
	if err := r.recorder.AddEntry(userID, entry); err != nil {
		log.Printf("Recording delivery history for %s: %v", item.SubscriptionID, err)
	}
}
