package canonicalize

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJCS_KeyOrdering(t *testing.T) {
	input := map[string]interface{}{
		"zebra": 1,
		"alpha": 2,
		"mike":  3,
	}

	out, err := JCS(input)
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":2,"mike":3,"zebra":1}`, string(out))
}

func TestJCS_NoHTMLEscaping(t *testing.T) {
	out, err := JCS(map[string]string{"q": "a<b>&c"})
	require.NoError(t, err)
	assert.Equal(t, `{"q":"a<b>&c"}`, string(out))
}

func TestJCS_NestedStructures(t *testing.T) {
	type finding struct {
		RuleID   string   `json:"rule_id"`
		Severity string   `json:"severity"`
		Paths    []string `json:"paths"`
	}

	out, err := JCS(finding{RuleID: "MD-001", Severity: "block", Paths: []string{"a.md", "b.md"}})
	require.NoError(t, err)
	assert.Equal(t, `{"paths":["a.md","b.md"],"rule_id":"MD-001","severity":"block"}`, string(out))
}

func TestCanonicalHash_Stable(t *testing.T) {
	v := map[string]interface{}{"b": 1, "a": []string{"x"}}

	h1, err := CanonicalHash(v)
	require.NoError(t, err)
	h2, err := CanonicalHash(map[string]interface{}{"a": []string{"x"}, "b": 1})
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestFormatTime_UTC(t *testing.T) {
	loc := time.FixedZone("EST", -5*3600)
	ts := time.Date(2026, 3, 14, 10, 30, 0, 0, loc)

	got := FormatTime(ts)
	assert.Equal(t, "2026-03-14T15:30:00Z", got)

	parsed, err := ParseTime(got)
	require.NoError(t, err)
	assert.True(t, parsed.Equal(ts))
}

func TestParseTime_Invalid(t *testing.T) {
	_, err := ParseTime("not-a-time")
	assert.Error(t, err)
}

// Property: canonicalization is deterministic regardless of map construction order.
func TestJCS_Deterministic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("JCS(obj) == JCS(obj)", prop.ForAll(
		func(keys []string, values []string) bool {
			obj := make(map[string]any)
			for i := 0; i < len(keys) && i < len(values); i++ {
				if keys[i] != "" {
					obj[keys[i]] = values[i]
				}
			}

			b1, err1 := JCS(obj)
			b2, err2 := JCS(obj)
			if err1 != nil || err2 != nil {
				return err1 != nil && err2 != nil
			}
			return string(b1) == string(b2)
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}
