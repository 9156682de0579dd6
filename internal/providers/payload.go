package providers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"payment-orchestration-backend/internal/models"
	"payment-orchestration-backend/internal/payerr"
)

// payload is a decoded JSON object read with dotted paths. Providers
// rename fields between API versions, so lookups take several aliases
// and return the first one present.
type payload map[string]any

func decodePayload(raw []byte) (payload, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, payerr.InvalidRequest("empty callback body")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var p payload
	if err := dec.Decode(&p); err != nil {
		return nil, payerr.Wrap(payerr.KindInvalidRequest, "callback body is not a JSON object", err)
	}
	return p, nil
}

func (p payload) lookup(path string) (any, bool) {
	var cur any = map[string]any(p)
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[part]; !ok || cur == nil {
			return nil, false
		}
	}
	return cur, true
}

func (p payload) str(paths ...string) string {
	for _, path := range paths {
		v, ok := p.lookup(path)
		if !ok {
			continue
		}
		var s string
		switch t := v.(type) {
		case string:
			s = t
		case json.Number:
			s = t.String()
		case bool:
			s = fmt.Sprint(t)
		default:
			continue
		}
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
	}
	return ""
}

func (p payload) decimal(paths ...string) (decimal.Decimal, bool) {
	s := p.str(paths...)
	if s == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

func (p payload) time(paths ...string) *time.Time {
	s := p.str(paths...)
	if s == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.000Z", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

func (p payload) object(path string) payload {
	v, ok := p.lookup(path)
	if !ok {
		return nil
	}
	m, _ := v.(map[string]any)
	return payload(m)
}

func (p payload) list(paths ...string) []payload {
	for _, path := range paths {
		v, ok := p.lookup(path)
		if !ok {
			continue
		}
		items, ok := v.([]any)
		if !ok {
			continue
		}
		out := make([]payload, 0, len(items))
		for _, it := range items {
			if m, ok := it.(map[string]any); ok {
				out = append(out, payload(m))
			}
		}
		return out
	}
	return nil
}

// statusTable maps a provider's raw status strings, compared lower-cased
// and without trailing punctuation, to canonical statuses.
type statusTable map[string]models.TransactionStatus

func (t statusTable) normalize(raw string) models.TransactionStatus {
	key := strings.ToLower(strings.TrimRight(strings.TrimSpace(raw), ".!"))
	if s, ok := t[key]; ok {
		return s
	}
	return models.StatusUnknown
}

func nullAmount(provider string, p payload, paths ...string) decimal.NullDecimal {
	if d, ok := p.decimal(paths...); ok {
		return decimal.NewNullDecimal(FromWire(provider, d))
	}
	return decimal.NullDecimal{}
}

func requireReference(d *CallbackDelta) error {
	if d.Reference == "" && d.CorrelationID == "" {
		return payerr.InvalidRequest("callback carries no transaction reference")
	}
	return nil
}
