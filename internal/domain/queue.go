package domain

import "context"

// Message is a fully rendered outbound notification.
type Message struct {
	ID         string `json:"id"`
	EventID    string `json:"event_id"`
	CampaignID string `json:"campaign_id"`
	To         string `json:"to"`
	Subject    string `json:"subject"`
	Body       string `json:"body"`

	// RawID is the internal Stream ID from Redis (e.g. 1700000-0).
	// We need this to Acknowledge the message later.
	RawID string `json:"-"`
}

// MailQueue defines the contract for the outbound mail queue.
// It decouples message dispatch from the relay that talks to the mail server.
type MailQueue interface {
	// Publish enqueues a message for delivery.
	Publish(ctx context.Context, msg Message) error

	// Subscribe returns a read-only channel that streams messages from the queue.
	// It handles the details of consumer groups internally.
	Subscribe(ctx context.Context) (<-chan Message, error)

	// Acknowledge confirms that a message has been delivered.
	// This removes it from the Pending Entry List (PEL).
	Acknowledge(ctx context.Context, rawID string) error
}
