package subscription

import (
	"fmt"
	"time"
)

// Definition is the client-supplied subscription intent. It is immutable
// once submitted for a given request.
type Definition struct {
	// Resource identifies the watched entity, e.g. "me/chats/{id}/messages"
	Resource string `json:"resource"`
	// ExpirationTime is the expiration requested by the client. The upstream
	// API may clamp it; the confirmed value lives on the Record.
	ExpirationTime time.Time `json:"expirationTime"`
	// ChangeTypes lists the change kinds to watch, e.g. created/updated/deleted
	ChangeTypes []string `json:"changeTypes"`
	// IncludeResourceData requests encrypted resource payloads in
	// notifications. Requires an encryption certificate on the create call.
	IncludeResourceData bool `json:"includeResourceData"`
}

// Validate checks that the definition is well-formed
func (d *Definition) Validate(now time.Time) error {
	if d.Resource == "" {
		return fmt.Errorf("%w: resource is required", ErrInvalidDefinition)
	}
	if d.ExpirationTime.IsZero() {
		return fmt.Errorf("%w: expiration time is required", ErrInvalidDefinition)
	}
	if !d.ExpirationTime.After(now) {
		return fmt.Errorf("%w: expiration time is in the past", ErrInvalidDefinition)
	}
	if len(d.ChangeTypes) == 0 {
		return fmt.Errorf("%w: at least one change type is required", ErrInvalidDefinition)
	}
	return nil
}

// Record is the persisted subscription state: the definition it was created
// from plus the id assigned by the upstream API. ExpirationTime always holds
// the upstream-confirmed value, never the client-requested one verbatim.
type Record struct {
	Definition
	SubscriptionID string `json:"subscriptionId"`
	// UserID is the owner, filled in when the record is persisted. It lets
	// inbound notifications be attributed back to a user by subscription id.
	UserID string `json:"userId,omitempty"`
}

// RemainingLifetime returns how long the subscription stays valid from now
func (r *Record) RemainingLifetime(now time.Time) time.Duration {
	return r.ExpirationTime.Sub(now)
}
