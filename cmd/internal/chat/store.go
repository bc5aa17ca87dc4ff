package chat

import "context"

// MessageStore is the durable side of chat history. The batched writer is
// its only producer; history queries share the same connection pool.
type MessageStore interface {
	// SaveBatch persists a batch of IMs in one round trip.
	SaveBatch(ctx context.Context, ims []IM) error

	// RecentBefore returns up to limit messages with timestamp at or before
	// latest, most-recent-first. Callers reverse for oldest-first delivery.
	RecentBefore(ctx context.Context, latest Timestamp, limit int) ([]IM, error)
}
