package classify

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"

	"github.com/dontdude/rollcall/internal/domain"
)

// ErrNoHeader is returned when a CSV input has no usable header row.
var ErrNoHeader = errors.New("csv: no recognised header columns")

// FromCSV reads a header-mapped CSV document into work items.
// Unknown columns are ignored; missing columns leave the field empty.
func FromCSV(r io.Reader, schema Schema) ([]domain.WorkItem, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrNoHeader
		}
		return nil, fmt.Errorf("read csv header: %w", err)
	}

	cols := make(map[int]string, len(header))
	var mapped []string
	for i, h := range header {
		if i == 0 {
			h = strings.TrimPrefix(h, "\ufeff")
		}
		// The first column naming a field wins.
		if f, ok := schema.canonical(h); ok && !slices.Contains(mapped, f) {
			cols[i] = f
			mapped = append(mapped, f)
		}
	}
	if len(cols) == 0 {
		return nil, ErrNoHeader
	}

	var items []domain.WorkItem
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv row %d: %w", len(items)+1, err)
		}
		if blank(rec) {
			continue
		}
		raw := make(map[string]string, len(cols))
		for i, f := range cols {
			if i < len(rec) {
				raw[f] = rec[i]
			}
		}
		items = append(items, newItem(len(items), raw, schema))
	}
	return items, nil
}

// FromRecords converts decoded JSON objects (direct API bodies or handoff
// payloads) into work items. Scalar values are rendered as strings, so
// {"regNo": 1001} reads as "1001"; nested values keep their JSON text.
//
// When a record names one field twice, the field's own name beats an alias
// and otherwise the alias that sorts first wins.
func FromRecords[V any](records []map[string]V, schema Schema) []domain.WorkItem {
	items := make([]domain.WorkItem, 0, len(records))
	for _, rec := range records {
		keys := make([]string, 0, len(rec))
		for k := range rec {
			keys = append(keys, k)
		}
		slices.Sort(keys)

		raw := make(map[string]string, len(rec))
		for _, k := range keys {
			f, ok := schema.canonical(k)
			if !ok {
				continue
			}
			if _, taken := raw[f]; taken && k != f {
				continue
			}
			raw[f] = scalar(rec[k])
		}
		items = append(items, newItem(len(items), raw, schema))
	}
	return items
}

// scalar renders one decoded JSON value as a field string.
func scalar(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

func newItem(index int, raw map[string]string, schema Schema) domain.WorkItem {
	fields := make(map[string]string, len(raw))
	for _, f := range schema.fields() {
		fields[f] = Normalize(f, raw[f])
	}
	var keys []string
	for _, f := range schema.KeyFields {
		if v := fields[f]; v != "" {
			keys = append(keys, Key(f, v))
		}
	}
	return domain.WorkItem{Index: index, Fields: fields, Keys: keys}
}

func blank(rec []string) bool {
	for _, v := range rec {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
