package artifact

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestCanonicalizeIdempotenceProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)
	r := NewRegistry()

	properties.Property("canonicalize(canonicalize(x)) == canonicalize(x)", prop.ForAll(
		func(keys []string, values []string) bool {
			obj := make(map[string]any)
			list := make([]any, 0, len(values))
			for i := 0; i < len(keys) && i < len(values); i++ {
				obj[keys[i]] = values[i]
				list = append(list, map[string]any{"name": values[i]})
			}
			obj["items"] = list

			once, err := r.Canonicalize(TypeCustomCSS, obj)
			if err != nil {
				return false
			}
			twice, err := r.Canonicalize(TypeCustomCSS, once)
			if err != nil {
				return false
			}
			h1, err1 := Fingerprint(once)
			h2, err2 := Fingerprint(twice)
			return err1 == nil && err2 == nil && h1 == h2
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}

func TestListOrderInsensitivityProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)
	r := NewRegistry()

	properties.Property("reversing a list does not change the fingerprint", prop.ForAll(
		func(values []string) bool {
			forward := make([]any, len(values))
			reverse := make([]any, len(values))
			for i, v := range values {
				forward[i] = v
				reverse[len(values)-1-i] = v
			}
			h1, err1 := r.Hash(TypePost, map[string]any{"tags": forward})
			h2, err2 := r.Hash(TypePost, map[string]any{"tags": reverse})
			return err1 == nil && err2 == nil && h1 == h2
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}
