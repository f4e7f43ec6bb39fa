package idempotency_test

import (
	"bytes"
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/intentflow/intentflow/runtime/idempotency"
)

// genParams produces parameter maps of mixed value types so the properties
// exercise string trimming next to passthrough numbers and booleans.
func genParams() gopter.Gen {
	return gen.IntRange(1, 6).FlatMap(func(v interface{}) gopter.Gen {
		n := v.(int)
		return gopter.CombineGens(
			gen.SliceOfN(n, gen.Identifier()),
			gen.SliceOfN(n, gen.AlphaString()),
			gen.SliceOfN(n, gen.IntRange(0, 2)),
		).Map(func(vals []interface{}) map[string]any {
			keys := vals[0].([]string)
			strs := vals[1].([]string)
			kinds := vals[2].([]int)
			m := make(map[string]any, n)
			for i, k := range keys {
				switch kinds[i] {
				case 0:
					m[k] = strs[i]
				case 1:
					m[k] = i * 7
				default:
					m[k] = i%2 == 0
				}
			}
			return m
		})
	}, reflect.TypeOf(map[string]any{}))
}

func TestFingerprintPropertyPaddingInvariant(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("padding and map identity never change the fingerprint", prop.ForAll(
		func(params map[string]any, pad string) bool {
			ref, err := idempotency.Fingerprint("u1", "intent-1", "7@svc", "book_ride", params)
			if err != nil {
				return false
			}
			canonical, err := idempotency.CanonicalJSON(params)
			if err != nil {
				return false
			}

			// Rebuild the map so iteration order differs and wrap every
			// string value in whitespace the canonical form must strip.
			padded := make(map[string]any, len(params))
			for k, v := range params {
				if s, ok := v.(string); ok {
					padded[k] = pad + s + pad
				} else {
					padded[k] = v
				}
			}
			got, err := idempotency.Fingerprint("u1", "intent-1", "7@svc", "book_ride", padded)
			if err != nil {
				return false
			}
			paddedCanonical, err := idempotency.CanonicalJSON(padded)
			if err != nil {
				return false
			}
			return got == ref && bytes.Equal(canonical, paddedCanonical)
		},
		genParams(),
		gen.OneConstOf("", " ", "  ", "\t", "\n"),
	))

	properties.TestingRun(t)
}

func TestFingerprintPropertyCoordinateSensitivity(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("every causal coordinate feeds the fingerprint", prop.ForAll(
		func(user, intent, lamport, tool, suffix string, which int) bool {
			params := map[string]any{"destination": "airport"}
			ref, err := idempotency.Fingerprint(user, intent, lamport, tool, params)
			if err != nil {
				return false
			}
			var got string
			if which < 4 {
				coords := []string{user, intent, lamport, tool}
				coords[which] += suffix
				got, err = idempotency.Fingerprint(coords[0], coords[1], coords[2], coords[3], params)
			} else {
				got, err = idempotency.Fingerprint(user, intent, lamport, tool, map[string]any{
					"destination": "airport-" + suffix,
				})
			}
			if err != nil {
				return false
			}
			return got != ref
		},
		gen.Identifier(),
		gen.Identifier(),
		gen.Identifier(),
		gen.Identifier(),
		gen.Identifier(),
		gen.IntRange(0, 4),
	))

	properties.TestingRun(t)
}
