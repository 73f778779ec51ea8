package domain

// WorkItem is one unit of input for a bulk job.
// It carries the caller payload in Fields and the normalized keys used for deduplication.
type WorkItem struct {
	// Index is the zero-based position of the item in the original input.
	Index int `json:"index"`
	// Fields is the caller-defined payload (e.g. name, regNo, email, phone).
	Fields map[string]string `json:"fields"`
	// Keys are the normalized dedup keys (e.g. "email:a@b.com", "reg:CS101").
	Keys []string `json:"keys,omitempty"`
}

// Field returns the value of a payload field, or "" if absent.
func (w WorkItem) Field(name string) string {
	return w.Fields[name]
}

// Verdict is the preview-time classification of a WorkItem.
type Verdict string

const (
	VerdictValid     Verdict = "valid"
	VerdictDuplicate Verdict = "duplicate"
	VerdictRejected  Verdict = "rejected"
)

// Classified attaches a Verdict and an optional reason to a WorkItem.
// It is assigned once during preview and never revised.
type Classified struct {
	Item    WorkItem `json:"item"`
	Verdict Verdict  `json:"verdict"`
	Reason  string   `json:"reason,omitempty"`
}
