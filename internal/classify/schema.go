package classify

import (
	"regexp"
	"strings"
)

// Field names shared by the shipped schemas.
const (
	FieldName        = "name"
	FieldRegNo       = "regNo"
	FieldEmail       = "email"
	FieldPhone       = "phone"
	FieldRecipientID = "recipientId"
)

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// Schema describes one kind of bulk input.
type Schema struct {
	// Kind names the input kind in logs and metrics.
	Kind string
	// Required lists the mandatory fields in the order they are checked.
	Required []string
	// Optional lists fields that are carried through but not checked.
	Optional []string
	// Contact is the field validated as an email address.
	Contact string
	// KeyFields produce the dedup keys, in order.
	KeyFields []string
	// KnownReason is the reason given to rows whose key already exists.
	KnownReason string
	// Aliases maps lowercased header spellings to field names.
	Aliases map[string]string
}

// Registrations is the schema for attendee registration imports.
var Registrations = Schema{
	Kind:        "registration",
	Required:    []string{FieldName, FieldRegNo, FieldEmail},
	Optional:    []string{FieldPhone},
	Contact:     FieldEmail,
	KeyFields:   []string{FieldRegNo, FieldEmail},
	KnownReason: "already registered",
	Aliases: map[string]string{
		"name":                FieldName,
		"full name":           FieldName,
		"full_name":           FieldName,
		"regno":               FieldRegNo,
		"reg no":              FieldRegNo,
		"reg_no":              FieldRegNo,
		"registration number": FieldRegNo,
		"registration_number": FieldRegNo,
		"email":               FieldEmail,
		"e-mail":              FieldEmail,
		"email address":       FieldEmail,
		"phone":               FieldPhone,
		"phone number":        FieldPhone,
		"mobile":              FieldPhone,
	},
}

// Recipients is the schema for notification recipient lists.
var Recipients = Schema{
	Kind:        "notification",
	Required:    []string{FieldRecipientID, FieldEmail},
	Optional:    []string{FieldName},
	Contact:     FieldEmail,
	KeyFields:   []string{FieldRecipientID, FieldEmail},
	KnownReason: "already notified",
	Aliases: map[string]string{
		"recipientid":  FieldRecipientID,
		"recipient_id": FieldRecipientID,
		"id":           FieldRecipientID,
		"email":        FieldEmail,
		"e-mail":       FieldEmail,
		"name":         FieldName,
	},
}

// fields returns every field the schema carries.
func (s Schema) fields() []string {
	out := make([]string, 0, len(s.Required)+len(s.Optional))
	out = append(out, s.Required...)
	return append(out, s.Optional...)
}

// canonical resolves a raw header or JSON key to a schema field name.
func (s Schema) canonical(raw string) (string, bool) {
	k := strings.ToLower(strings.TrimSpace(raw))
	if f, ok := s.Aliases[k]; ok {
		return f, true
	}
	for _, f := range s.fields() {
		if strings.ToLower(f) == k {
			return f, true
		}
	}
	return "", false
}

// Normalize returns the canonical form of a field value.
func Normalize(field, value string) string {
	v := strings.TrimSpace(value)
	switch field {
	case FieldEmail:
		return strings.ToLower(v)
	case FieldRegNo:
		return strings.ToUpper(strings.Join(strings.Fields(v), ""))
	}
	return v
}

// Key builds the dedup key for a normalized field value.
func Key(field, normalized string) string {
	switch field {
	case FieldRegNo:
		return "reg:" + normalized
	case FieldRecipientID:
		return "recipient:" + normalized
	}
	return strings.ToLower(field) + ":" + normalized
}
