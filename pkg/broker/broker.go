package broker

import (
	"context"
	"errors"
	"log"
)

// ErrUnknownConnection indicates the connection id is not registered with
// this broker. A composite broker treats it as "try the next backend".
var ErrUnknownConnection = errors.New("unknown connection")

// Broker delivers events to routing groups of live connections. Groups are
// named by subscription id; membership lives entirely inside the broker,
// never in the relay's persistent state.
type Broker interface {
	// JoinGroup adds a connection to a routing group
	JoinGroup(ctx context.Context, groupID, connectionID string) error

	// SendToGroup delivers an event to every member of a group
	SendToGroup(ctx context.Context, groupID, event string, payloads ...any) error

	// SendToConnection delivers an event to a single connection
	SendToConnection(ctx context.Context, connectionID, event string, payloads ...any) error
}

// Event is the wire frame delivered to clients
type Event struct {
	Event    string `json:"event"`
	Payloads []any  `json:"payloads"`
}

// Composite fans broker operations out to multiple backends, so a group can
// hold WebSocket connections and Web Push registrations at the same time.
type Composite struct {
	backends []Broker
}

// NewComposite creates a composite broker over the given backends
func NewComposite(backends ...Broker) *Composite {
	return &Composite{backends: backends}
}

// JoinGroup joins the connection on every backend that knows it. It fails
// only when no backend recognizes the connection id.
func (c *Composite) JoinGroup(ctx context.Context, groupID, connectionID string) error {
	joined := false
	for _, b := range c.backends {
		err := b.JoinGroup(ctx, groupID, connectionID)
		if err == nil {
			joined = true
			continue
		}
		if !errors.Is(err, ErrUnknownConnection) {
			return err
		}
	}
	if !joined {
		return ErrUnknownConnection
	}
	return nil
}

// SendToGroup delivers to every backend. Backend failures are logged, not
// propagated: one slow push endpoint must not block socket delivery.
func (c *Composite) SendToGroup(ctx context.Context, groupID, event string, payloads ...any) error {
	for _, b := range c.backends {
		if err := b.SendToGroup(ctx, groupID, event, payloads...); err != nil {
			log.Printf("Broker send to group %s failed: %v", groupID, err)
		}
	}
	return nil
}

// SendToConnection delivers to the first backend that knows the connection
func (c *Composite) SendToConnection(ctx context.Context, connectionID, event string, payloads ...any) error {
	for _, b := range c.backends {
		err := b.SendToConnection(ctx, connectionID, event, payloads...)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrUnknownConnection) {
			return err
		}
	}
	return ErrUnknownConnection
}
