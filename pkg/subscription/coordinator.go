package subscription

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"
)

// RenewalWindow is how close to expiry a cached subscription is renewed
// ahead of time instead of being served as-is. Serving a subscription that
// expires mid-use would silently drop notifications.
const RenewalWindow = 5 * time.Minute

var (
	// ErrInvalidDefinition indicates a malformed subscription request
	ErrInvalidDefinition = errors.New("invalid subscription definition")

	// ErrCreationFailed indicates the upstream create call failed after all
	// fallback attempts were exhausted
	ErrCreationFailed = errors.New("subscription creation failed")
)

// UpstreamClient is the coordinator's view of the upstream subscription API.
// Get reports a missing subscription as found=false, not as an error.
type UpstreamClient interface {
	Create(ctx context.Context, token string, def *Definition) (*Record, error)
	Renew(ctx context.Context, token, subscriptionID string, newExpiry time.Time) (*Record, error)
	Get(ctx context.Context, token, subscriptionID string) (*Record, bool, error)
}

// Coordinator owns the subscription lifecycle for (resource, user) pairs:
// create on first subscribe, reuse while fresh, renew inside the renewal
// window, and recreate when a failed renewal turns out to mean the upstream
// subscription is gone.
//
// Concurrent subscribes for the same pair are not serialized; both may
// observe a miss and both create. The cache resolves that as last-write-wins
// and the loser's upstream subscription simply expires unrenewed.
type Coordinator struct {
	store    *Store
	upstream UpstreamClient
	now      func() time.Time
}

// NewCoordinator creates a lifecycle coordinator
func NewCoordinator(store *Store, upstream UpstreamClient) *Coordinator {
	return &Coordinator{
		store:    store,
		upstream: upstream,
		now:      time.Now,
	}
}

// Subscribe resolves the definition to a live subscription record and
// persists it with TTL equal to its remaining lifetime. Callers join the
// requesting connection to the routing group only after Subscribe returns,
// so a cancelled request never leaves partially-joined group state.
func (c *Coordinator) Subscribe(ctx context.Context, token, userID string, def *Definition) (*Record, error) {
	if def == nil {
		return nil, fmt.Errorf("%w: no definition supplied", ErrInvalidDefinition)
	}
	if err := def.Validate(c.now()); err != nil {
		return nil, err
	}

	record, found, err := c.store.Lookup(ctx, def.Resource, userID)
	if err != nil {
		return nil, fmt.Errorf("subscription lookup for %s: %w", def.Resource, err)
	}

	switch {
	case !found:
		log.Printf("No cached subscription for %s, creating", LogicalKey(def.Resource, userID))
		record, err = c.create(ctx, token, def)
		if err != nil {
			return nil, err
		}

	case record.RemainingLifetime(c.now()) < RenewalWindow:
		log.Printf("Subscription %s expires in %s, renewing", record.SubscriptionID, record.RemainingLifetime(c.now()))
		record, err = c.renewOrRecreate(ctx, token, userID, record, def)
		if err != nil {
			return nil, err
		}

	default:
		// Fresh: reuse the cached record without touching the upstream.
		// The save below refreshes the cache TTL to the remaining lifetime.
		log.Printf("Reusing cached subscription %s for %s", record.SubscriptionID, record.Resource)
	}

	if err := c.store.Save(ctx, userID, record); err != nil {
		return nil, fmt.Errorf("persisting subscription %s: %w", record.SubscriptionID, err)
	}
	return record, nil
}

// create mints a new upstream subscription from the definition
func (c *Coordinator) create(ctx context.Context, token string, def *Definition) (*Record, error) {
	record, err := c.upstream.Create(ctx, token, def)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCreationFailed, err)
	}
	if record.SubscriptionID == "" {
		return nil, fmt.Errorf("%w: upstream returned no subscription id", ErrCreationFailed)
	}
	log.Printf("Created subscription %s for %s", record.SubscriptionID, def.Resource)
	return record, nil
}

// renewOrRecreate attempts a renewal and falls back on failure: an upstream
// that still knows the subscription is trusted as ground truth (the renewal
// likely failed for a transient reason), while a confirmed absence evicts
// the stale cache entries and creates a replacement.
func (c *Coordinator) renewOrRecreate(ctx context.Context, token, userID string, cached *Record, def *Definition) (*Record, error) {
	renewed, err := c.upstream.Renew(ctx, token, cached.SubscriptionID, def.ExpirationTime)
	if err == nil {
		// Upstream may issue a new id on renewal; carry the cached
		// definition forward under the confirmed id and expiration.
		record := &Record{Definition: cached.Definition, SubscriptionID: renewed.SubscriptionID}
		record.ExpirationTime = renewed.ExpirationTime
		return record, nil
	}
	log.Printf("Renewing subscription %s failed: %v", cached.SubscriptionID, err)

	existing, found, getErr := c.upstream.Get(ctx, token, cached.SubscriptionID)
	if getErr != nil {
		// Can't tell whether the subscription still exists. Treat it as
		// gone: recreating is safe, serving a possibly-dead subscription
		// is not.
		log.Printf("Existence check for %s failed: %v", cached.SubscriptionID, getErr)
		found = false
	}

	if found {
		log.Printf("Subscription %s still exists upstream, adopting it", existing.SubscriptionID)
		record := &Record{Definition: cached.Definition, SubscriptionID: existing.SubscriptionID}
		record.ExpirationTime = existing.ExpirationTime
		return record, nil
	}

	log.Printf("Subscription %s gone upstream, removing cache entries and recreating", cached.SubscriptionID)
	if err := c.store.Delete(ctx, userID, cached); err != nil {
		log.Printf("Removing stale cache entries for %s: %v", cached.SubscriptionID, err)
	}
	return c.create(ctx, token, def)
}
