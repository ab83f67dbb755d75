package subscription

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/changerelay/changerelay/pkg/cache"
)

// Store persists subscription records in the shared cache using a two-level
// keying scheme: the logical key "{resource}_{userId}" maps to the upstream
// subscription id, and the id maps to the JSON-encoded record. Both entries
// carry the same TTL so they age out together with the subscription itself.
type Store struct {
	cache cache.Cache
	now   func() time.Time
}

// NewStore creates a subscription store on top of the given cache
func NewStore(c cache.Cache) *Store {
	return &Store{
		cache: c,
		now:   time.Now,
	}
}

// LogicalKey builds the cache key identifying a user's interest in a
// resource, independent of the upstream subscription id.
func LogicalKey(resource, userID string) string {
	return fmt.Sprintf("%s_%s", resource, userID)
}

// Lookup resolves logical key -> subscription id -> record. A miss on either
// hop returns found=false; only cache connectivity problems are errors.
func (s *Store) Lookup(ctx context.Context, resource, userID string) (*Record, bool, error) {
	idBytes, found, err := s.cache.Get(ctx, LogicalKey(resource, userID))
	if err != nil {
		return nil, false, fmt.Errorf("logical key lookup: %w", err)
	}
	if !found || len(idBytes) == 0 {
		return nil, false, nil
	}

	return s.Find(ctx, string(idBytes))
}

// Find resolves a subscription id directly to its record, skipping the
// logical key hop. Inbound notifications use it to attribute a subscription
// id back to its owner.
func (s *Store) Find(ctx context.Context, subscriptionID string) (*Record, bool, error) {
	recordBytes, found, err := s.cache.Get(ctx, subscriptionID)
	if err != nil {
		return nil, false, fmt.Errorf("record lookup: %w", err)
	}
	if !found {
		return nil, false, nil
	}

	var record Record
	if err := json.Unmarshal(recordBytes, &record); err != nil {
		// A corrupt entry is treated as a miss; the coordinator will
		// recreate and overwrite it.
		log.Printf("Dropping corrupt subscription record for %s: %v", subscriptionID, err)
		return nil, false, nil
	}
	return &record, true, nil
}

// Save writes both mappings with TTL equal to the record's remaining
// lifetime. The write is not transactional: the logical key goes first, and
// a failure after it only leaves a dangling pointer that reads as a future
// cache miss, never a wrong record.
func (s *Store) Save(ctx context.Context, userID string, record *Record) error {
	if record.SubscriptionID == "" {
		return fmt.Errorf("record has no subscription id")
	}

	ttl := record.RemainingLifetime(s.now())
	if ttl <= 0 {
		return fmt.Errorf("record for %s already expired at %s", record.Resource, record.ExpirationTime)
	}
	record.UserID = userID

	if err := s.cache.Set(ctx, LogicalKey(record.Resource, userID), []byte(record.SubscriptionID), ttl); err != nil {
		return fmt.Errorf("saving logical key: %w", err)
	}

	recordBytes, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encoding record: %w", err)
	}
	if err := s.cache.Set(ctx, record.SubscriptionID, recordBytes, ttl); err != nil {
		return fmt.Errorf("saving record: %w", err)
	}
	return nil
}

// Delete removes both mappings. Used when the upstream confirms the
// subscription no longer exists.
func (s *Store) Delete(ctx context.Context, userID string, record *Record) error {
	if err := s.cache.Delete(ctx, LogicalKey(record.Resource, userID)); err != nil {
		return fmt.Errorf("deleting logical key: %w", err)
	}
	if err := s.cache.Delete(ctx, record.SubscriptionID); err != nil {
		return fmt.Errorf("deleting record: %w", err)
	}
	return nil
}
