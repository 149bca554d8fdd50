package pubsub

import "time"

// Event is a single published occurrence. Name is matched against
// subscriptions exactly or by "/"-delimited prefix (see Subscribe).
type Event struct {
	Name         string
	UserID       string
	DeviceID     string
	ConnectionID string
	Context      map[string]any
	TTL          time.Duration
	PublishedAt  time.Time
	Broadcasted  bool
}

// Metadata carries publish-time flags that are not part of the event
// itself but govern how subscriptions filter it.
type Metadata struct {
	// IsPublic marks an event visible across user ownership boundaries:
	// a UserID-filtered subscription not owned by the publisher still
	// receives it.
	IsPublic bool

	// IsInternal marks an event originating from the gateway itself
	// rather than relayed from a device or user action.
	IsInternal bool
}

// Handler receives a dispatched event along with the metadata it was
// published with.
type Handler func(Event, Metadata)
