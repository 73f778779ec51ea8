package batch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"text/template"

	"github.com/google/uuid"

	"github.com/dontdude/rollcall/internal/domain"
)

// escalate turns collaborator-wide failures into job-fatal errors.
func escalate(err error) error {
	if errors.Is(err, domain.ErrUnavailable) {
		return Fatal(err)
	}
	return err
}

// RegistrationEffect persists each item as a registration for eventID.
// An item whose keys are already taken is reported as a duplicate.
func RegistrationEffect(store domain.RegistrationStore, eventID string) Effect {
	return func(ctx context.Context, item domain.WorkItem) (domain.Outcome, error) {
		outcome, err := store.Insert(ctx, eventID, item)
		if err != nil {
			return 0, escalate(fmt.Errorf("insert registration: %w", err))
		}
		return outcome, nil
	}
}

// Campaign is a notification whose subject and body are templates over the
// recipient's fields, e.g. "Hi {{.name}}".
type Campaign struct {
	ID      string
	EventID string
	subject *template.Template
	body    *template.Template
}

// NewCampaign parses the subject and body templates.
func NewCampaign(id, eventID, subject, body string) (*Campaign, error) {
	if strings.TrimSpace(subject) == "" {
		return nil, errors.New("campaign subject is required")
	}
	if strings.TrimSpace(body) == "" {
		return nil, errors.New("campaign body is required")
	}
	st, err := template.New("subject").Option("missingkey=zero").Parse(subject)
	if err != nil {
		return nil, fmt.Errorf("parse subject: %w", err)
	}
	bt, err := template.New("body").Option("missingkey=zero").Parse(body)
	if err != nil {
		return nil, fmt.Errorf("parse body: %w", err)
	}
	return &Campaign{ID: id, EventID: eventID, subject: st, body: bt}, nil
}

// Render produces the message for one recipient.
func (c *Campaign) Render(item domain.WorkItem) (domain.Message, error) {
	var subj, body bytes.Buffer
	if err := c.subject.Execute(&subj, item.Fields); err != nil {
		return domain.Message{}, fmt.Errorf("render subject: %w", err)
	}
	if err := c.body.Execute(&body, item.Fields); err != nil {
		return domain.Message{}, fmt.Errorf("render body: %w", err)
	}
	return domain.Message{
		ID:         uuid.NewString(),
		EventID:    c.EventID,
		CampaignID: c.ID,
		To:         item.Fields["email"],
		Subject:    strings.TrimSpace(subj.String()),
		Body:       body.String(),
	}, nil
}

// NotificationEffect sends the campaign to each item. The sent log makes a
// re-run over the same recipients report duplicates instead of resending.
func NotificationEffect(m domain.Messenger, sent domain.SentLog, c *Campaign) Effect {
	return func(ctx context.Context, item domain.WorkItem) (domain.Outcome, error) {
		msg, err := c.Render(item)
		if err != nil {
			return 0, err
		}
		key := ""
		if len(item.Keys) > 0 {
			key = item.Keys[0]
		}
		if key != "" {
			first, err := sent.Claim(ctx, c.ID, key)
			if err != nil {
				return 0, escalate(fmt.Errorf("claim recipient: %w", err))
			}
			if !first {
				return domain.AlreadyApplied, nil
			}
		}
		if err := m.Send(ctx, msg); err != nil {
			if key != "" {
				if rerr := sent.Release(ctx, c.ID, key); rerr != nil {
					err = errors.Join(err, rerr)
				}
			}
			return 0, escalate(fmt.Errorf("send to %s: %w", msg.To, err))
		}
		return domain.Applied, nil
	}
}
