package domain

import "context"

// RegistrationStore is the storage collaborator for attendee registrations.
// Implementations must be safe for concurrent use.
type RegistrationStore interface {
	// Exists reports whether a dedup key is already known for the event.
	Exists(ctx context.Context, eventID, key string) (bool, error)

	// Insert persists the item. It returns AlreadyApplied if any of its keys
	// is already taken, in which case nothing is written.
	Insert(ctx context.Context, eventID string, item WorkItem) (Outcome, error)

	// Keys returns a snapshot of every dedup key known for the event.
	Keys(ctx context.Context, eventID string) (map[string]struct{}, error)
}

// Messenger sends a single rendered message to one recipient.
// Implementations must be safe for concurrent use.
type Messenger interface {
	Send(ctx context.Context, msg Message) error
}

// MailSender delivers a message to the mail server.
type MailSender interface {
	Deliver(ctx context.Context, msg Message) error
}

// SentLog remembers which recipients of a campaign were already messaged.
type SentLog interface {
	// Claim marks key as sent for the campaign. It returns false if it was already marked.
	Claim(ctx context.Context, campaignID, key string) (bool, error)
	// Release undoes a Claim after a failed send.
	Release(ctx context.Context, campaignID, key string) error
	// Keys returns a snapshot of every key marked for the campaign.
	Keys(ctx context.Context, campaignID string) (map[string]struct{}, error)
}
