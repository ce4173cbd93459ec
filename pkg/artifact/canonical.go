package artifact

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Canonicalize reduces payload to its canonical form for type t:
// volatile fields are dropped at every depth, list elements are ordered by
// their id|name|json key and, for free-text types, string leaves go through
// NormalizeText. Map key order is fixed at encoding time. Canonicalize is
// idempotent.
func (r *Registry) Canonicalize(t Type, payload any) (any, error) {
	generic, err := Generic(payload)
	if err != nil {
		return nil, err
	}
	def, _ := r.Lookup(t)
	return r.canonicalValue(generic, def.FreeText)
}

// Hash canonicalizes payload and returns its fingerprint.
func (r *Registry) Hash(t Type, payload any) (string, error) {
	c, err := r.Canonicalize(t, payload)
	if err != nil {
		return "", err
	}
	return Fingerprint(c)
}

func (r *Registry) canonicalValue(v any, freeText bool) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, child := range t {
			if _, drop := r.volatile[k]; drop {
				continue
			}
			c, err := r.canonicalValue(child, freeText)
			if err != nil {
				return nil, err
			}
			out[k] = c
		}
		return out, nil
	case []any:
		type keyed struct {
			key string
			val any
		}
		items := make([]keyed, len(t))
		for i, child := range t {
			c, err := r.canonicalValue(child, freeText)
			if err != nil {
				return nil, err
			}
			k, err := sortKey(c)
			if err != nil {
				return nil, err
			}
			items[i] = keyed{key: k, val: c}
		}
		sort.SliceStable(items, func(i, j int) bool { return items[i].key < items[j].key })
		out := make([]any, len(items))
		for i, it := range items {
			out[i] = it.val
		}
		return out, nil
	case string:
		if freeText {
			return NormalizeText(t), nil
		}
		return t, nil
	default:
		return t, nil
	}
}

// NormalizeText converts CRLF and CR line endings to LF, strips trailing
// Unicode white space from every line and puts the result in NFC.
func NormalizeText(s string) string {
	s = norm.NFC.String(s)
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRightFunc(l, unicode.IsSpace)
	}
	return strings.Join(lines, "\n")
}

func sortKey(v any) (string, error) {
	enc, err := Encode(v)
	if err != nil {
		return "", err
	}
	var id, name string
	if m, ok := v.(map[string]any); ok {
		id = scalarString(m["id"])
		name = scalarString(m["name"])
	}
	return id + "|" + name + "|" + string(enc), nil
}

func scalarString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		if t {
			return "true"
		}
		return "false"
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}

// Generic round-trips v through JSON so structs, typed maps and raw messages
// all become map[string]any / []any with json.Number leaves.
func Generic(v any) (any, error) {
	var raw []byte
	switch t := v.(type) {
	case json.RawMessage:
		raw = t
	case []byte:
		raw = t
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("artifact: payload is not JSON-serializable: %w", err)
		}
		raw = b
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("artifact: decode payload: %w", err)
	}
	return out, nil
}
