package rules

import (
	"encoding/json"
	"testing"
)

func mustParse(t *testing.T, raw string) Condition {
	t.Helper()
	condition, err := ParseCondition(json.RawMessage(raw))
	if err != nil {
		t.Fatalf("ParseCondition(%s): %v", raw, err)
	}
	return condition
}

func TestCompareConditionOperators(t *testing.T) {
	payload := map[string]any{
		"tier":    "gold",
		"amount":  float64(42),
		"country": "DE",
		"email":   "user@example.com",
	}

	cases := []struct {
		name string
		raw  string
		want bool
	}{
		{"equals match", `{"op":"equals","field":"tier","value":"gold"}`, true},
		{"equals mismatch", `{"op":"equals","field":"tier","value":"silver"}`, false},
		{"notEquals", `{"op":"notEquals","field":"tier","value":"silver"}`, true},
		{"greaterThan", `{"op":"greaterThan","field":"amount","value":41}`, true},
		{"greaterThan boundary", `{"op":"greaterThan","field":"amount","value":42}`, false},
		{"greaterOrEqual boundary", `{"op":"greaterOrEqual","field":"amount","value":42}`, true},
		{"lessThan", `{"op":"lessThan","field":"amount","value":100}`, true},
		{"lessOrEqual", `{"op":"lessOrEqual","field":"amount","value":42}`, true},
		{"in hit", `{"op":"in","field":"country","value":["AT","DE","CH"]}`, true},
		{"in miss", `{"op":"in","field":"country","value":["FR","ES"]}`, false},
		{"notIn", `{"op":"notIn","field":"country","value":["FR","ES"]}`, true},
		{"matchesPattern", `{"op":"matchesPattern","field":"email","value":"@example\\.com$"}`, true},
		{"matchesPattern miss", `{"op":"matchesPattern","field":"email","value":"@other\\.com$"}`, false},
		{"numeric comparison on string field", `{"op":"greaterThan","field":"tier","value":1}`, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := mustParse(t, tc.raw).Matches(payload); got != tc.want {
				t.Fatalf("Matches = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestAbsentFieldNeverMatches(t *testing.T) {
	payload := map[string]any{"present": "yes"}

	raws := []string{
		`{"op":"equals","field":"missing","value":"yes"}`,
		`{"op":"notEquals","field":"missing","value":"yes"}`,
		`{"op":"greaterThan","field":"missing","value":1}`,
		`{"op":"in","field":"missing","value":["yes"]}`,
		`{"op":"matchesPattern","field":"missing","value":".*"}`,
	}
	for _, raw := range raws {
		if mustParse(t, raw).Matches(payload) {
			t.Fatalf("expected non-match for absent field: %s", raw)
		}
	}
	if mustParse(t, `{"op":"equals","field":"missing","value":"yes"}`).Matches(nil) {
		t.Fatal("expected non-match against nil payload")
	}
}

func TestNestedPathLookup(t *testing.T) {
	payload := map[string]any{
		"order": map[string]any{
			"total": map[string]any{"currency": "EUR"},
		},
	}
	if !mustParse(t, `{"op":"equals","field":"order.total.currency","value":"EUR"}`).Matches(payload) {
		t.Fatal("expected nested path to resolve")
	}
	if mustParse(t, `{"op":"equals","field":"order.total.missing","value":"EUR"}`).Matches(payload) {
		t.Fatal("expected unresolved nested path to be a non-match")
	}
	// Path descends through a scalar; that is a non-match, not a panic.
	if mustParse(t, `{"op":"equals","field":"order.total.currency.code","value":"EUR"}`).Matches(payload) {
		t.Fatal("expected path through scalar to be a non-match")
	}
}

func TestCompositeConditions(t *testing.T) {
	payload := map[string]any{"tier": "gold", "amount": float64(10)}

	and := `{"op":"and","conditions":[
		{"op":"equals","field":"tier","value":"gold"},
		{"op":"greaterOrEqual","field":"amount","value":5}
	]}`
	if !mustParse(t, and).Matches(payload) {
		t.Fatal("expected and to match")
	}

	or := `{"op":"or","conditions":[
		{"op":"equals","field":"tier","value":"silver"},
		{"op":"equals","field":"tier","value":"gold"}
	]}`
	if !mustParse(t, or).Matches(payload) {
		t.Fatal("expected or to match")
	}

	not := `{"op":"not","condition":{"op":"equals","field":"tier","value":"silver"}}`
	if !mustParse(t, not).Matches(payload) {
		t.Fatal("expected not to match")
	}
}

func TestNumericEqualityAcrossRepresentations(t *testing.T) {
	payload := map[string]any{"count": float64(3)}
	if !mustParse(t, `{"op":"equals","field":"count","value":3}`).Matches(payload) {
		t.Fatal("expected 3.0 to equal 3")
	}
	payload = map[string]any{"count": "3"}
	if !mustParse(t, `{"op":"greaterOrEqual","field":"count","value":3}`).Matches(payload) {
		t.Fatal("expected numeric string to compare numerically")
	}
}

func TestParseConditionRejectsMalformedDocuments(t *testing.T) {
	raws := []string{
		``,
		`{"op":"between","field":"amount","value":1}`,
		`{"op":"equals","value":"gold"}`,
		`{"op":"equals","field":"tier"}`,
		`{"op":"and","conditions":[]}`,
		`{"op":"not"}`,
		`{"op":"in","field":"country","value":"DE"}`,
		`{"op":"matchesPattern","field":"email","value":"("}`,
		`{"op":"and","conditions":[{"op":"bogus","field":"x","value":1}]}`,
	}
	for _, raw := range raws {
		if _, err := ParseCondition(json.RawMessage(raw)); err == nil {
			t.Fatalf("expected parse error for: %s", raw)
		}
	}
}
