package deployment

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Value is the small variant a raw stored field collapses to before
// interpretation: absent, text, or number. It exists only as input to the
// coercion helpers below and never leaks into the canonical record.
type Value struct {
	kind   valueKind
	text   string
	number float64
}

type valueKind int

const (
	valueAbsent valueKind = iota
	valueText
	valueNumber
)

// newValue classifies a decoded JSON value. Anything that is not a string,
// number, or bool is treated as absent.
func newValue(raw any, ok bool) Value {
	if !ok || raw == nil {
		return Value{}
	}
	switch v := raw.(type) {
	case string:
		return Value{kind: valueText, text: v}
	case float64:
		return Value{kind: valueNumber, number: v}
	case int:
		return Value{kind: valueNumber, number: float64(v)}
	case int64:
		return Value{kind: valueNumber, number: float64(v)}
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return Value{kind: valueNumber, number: f}
		}
		return Value{kind: valueText, text: v.String()}
	case bool:
		return Value{kind: valueText, text: strconv.FormatBool(v)}
	}
	return Value{}
}

// String renders the value as stored text: numbers keep their raw form with
// no exponent so identifiers survive numeric encodings intact.
func (v Value) String() string {
	switch v.kind {
	case valueText:
		return v.text
	case valueNumber:
		return strconv.FormatFloat(v.number, 'f', -1, 64)
	}
	return ""
}

// IsAbsent reports whether the field was missing, null, or uninterpretable.
func (v Value) IsAbsent() bool {
	return v.kind == valueAbsent
}

// millisThreshold separates Unix-seconds from Unix-millisecond epochs by
// magnitude: 1e12 seconds is year 33658 while 1e12 ms is September 2001, so
// every plausible timestamp lands on the right side.
const millisThreshold = 1e12

// timestampLayouts are tried in order after RFC 3339 fails.
var timestampLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	time.RFC1123,
	time.RFC1123Z,
}

// ResolveTimestamp coerces a heterogeneous stored encoding into a concrete
// instant. Tries, in order: ISO-8601/offset parse, a set of plain date/time
// layouts, then integer Unix epoch (seconds or milliseconds by magnitude).
// Returns nil when nothing applies; it never fails.
func ResolveTimestamp(v Value) *time.Time {
	switch v.kind {
	case valueAbsent:
		return nil
	case valueNumber:
		return epochTime(v.number)
	}

	s := strings.TrimSpace(v.text)
	if s == "" {
		return nil
	}

	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return &t
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return epochTime(n)
	}

	return nil
}

func epochTime(n float64) *time.Time {
	if n <= 0 {
		return nil
	}
	var t time.Time
	if n >= millisThreshold {
		t = time.UnixMilli(int64(n)).UTC()
	} else {
		t = time.Unix(int64(n), 0).UTC()
	}
	return &t
}
