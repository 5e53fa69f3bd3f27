package domain

import (
	"errors"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestParseVerdictStrict(t *testing.T) {
	raw := `{"decision": "toxic", "confidence": 0.92, "reasoning": "hostile language directed at another user", "categories": ["toxic", "harassment"]}`

	v, salvaged, err := ParseVerdict(raw)
	if err != nil {
		t.Fatalf("ParseVerdict() error = %v", err)
	}
	if salvaged {
		t.Error("salvaged = true for strict JSON, want false")
	}
	if v.Decision != DecisionToxic {
		t.Errorf("Decision = %q, want toxic", v.Decision)
	}
	if v.Confidence != 0.92 {
		t.Errorf("Confidence = %v, want 0.92", v.Confidence)
	}
	if len(v.Categories) != 2 || v.Categories[0] != "toxic" || v.Categories[1] != "harassment" {
		t.Errorf("Categories = %v, want [toxic harassment]", v.Categories)
	}
}

func TestParseVerdictFenced(t *testing.T) {
	raw := "```json\n{\"decision\": \"spam\", \"confidence\": 0.85, \"reasoning\": \"promotional link\"}\n```"

	v, salvaged, err := ParseVerdict(raw)
	if err != nil {
		t.Fatalf("ParseVerdict() error = %v", err)
	}
	if salvaged {
		t.Error("salvaged = true for fenced JSON, want false")
	}
	if v.Decision != DecisionSpam {
		t.Errorf("Decision = %q, want spam", v.Decision)
	}
}

func TestParseVerdictSalvagesEmbeddedObject(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Decision
	}{
		{
			name: "leading chatter",
			raw:  `Sure! Here is my analysis: {"decision": "Non-Toxic", "confidence": 0.8, "reasoning": "friendly banter"} Let me know if you need anything else.`,
			want: DecisionNonToxic,
		},
		{
			name: "braces inside string values",
			raw:  `Result follows. {"decision": "spam", "confidence": 0.7, "reasoning": "contains {templated} link text"} end.`,
			want: DecisionSpam,
		},
		{
			name: "escaped quotes inside strings",
			raw:  `{"decision": "harassment", "confidence": 0.75, "reasoning": "quotes the target: \"you} suck\""} trailing`,
			want: DecisionHarassment,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, salvaged, err := ParseVerdict(tt.raw)
			if err != nil {
				t.Fatalf("ParseVerdict() error = %v", err)
			}
			if !salvaged {
				t.Error("salvaged = false for embedded object, want true")
			}
			if v.Decision != tt.want {
				t.Errorf("Decision = %q, want %q", v.Decision, tt.want)
			}
		})
	}
}

func TestParseVerdictRejectsGarbage(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"plain refusal", "I cannot help with that request."},
		{"empty", ""},
		{"unterminated object", `{"decision": "toxic", "confidence":`},
		{"missing confidence", `{"decision": "toxic", "reasoning": "bad"}`},
		{"confidence out of range", `{"decision": "toxic", "confidence": 1.5}`},
		{"unknown decision", `{"decision": "maybe", "confidence": 0.5}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := ParseVerdict(tt.raw)
			if err == nil {
				t.Fatal("ParseVerdict() error = nil, want unparseable")
			}
			var llmErr *LLMError
			if !errors.As(err, &llmErr) {
				t.Fatalf("error type = %T, want *LLMError", err)
			}
			if llmErr.Kind != LLMUnparseable {
				t.Errorf("Kind = %v, want LLMUnparseable", llmErr.Kind)
			}
		})
	}
}

func TestParseVerdictCanonicalDecisions(t *testing.T) {
	tests := []struct {
		label string
		want  Decision
	}{
		{"Non-Toxic", DecisionNonToxic},
		{"NONTOXIC", DecisionNonToxic},
		{"non_toxic", DecisionNonToxic},
		{"clean", DecisionNonToxic},
		{"safe", DecisionNonToxic},
		{"SPAM", DecisionSpam},
		{"Toxic", DecisionToxic},
		{"PII", DecisionPII},
		{"rate limited", DecisionRateLimited},
		{"rate_limited", DecisionRateLimited},
		{"Harassment", DecisionHarassment},
		{"unknown", DecisionUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.label, func(t *testing.T) {
			raw := `{"decision": "` + tt.label + `", "confidence": 0.5}`
			v, _, err := ParseVerdict(raw)
			if err != nil {
				t.Fatalf("ParseVerdict(%q) error = %v", tt.label, err)
			}
			if v.Decision != tt.want {
				t.Errorf("Decision = %q, want %q", v.Decision, tt.want)
			}
		})
	}
}

func TestParseVerdictDropsUnknownCategories(t *testing.T) {
	raw := `{"decision": "toxic", "confidence": 0.9, "categories": ["toxic", "gibberish", "Spam"]}`

	v, _, err := ParseVerdict(raw)
	if err != nil {
		t.Fatalf("ParseVerdict() error = %v", err)
	}
	if len(v.Categories) != 2 || v.Categories[0] != "toxic" || v.Categories[1] != "spam" {
		t.Errorf("Categories = %v, want [toxic spam]", v.Categories)
	}
}

func TestParseVerdictCapsReasoning(t *testing.T) {
	long := strings.Repeat("é", 1000) // 2000 bytes
	raw := `{"decision": "toxic", "confidence": 0.9, "reasoning": "` + long + `"}`

	v, _, err := ParseVerdict(raw)
	if err != nil {
		t.Fatalf("ParseVerdict() error = %v", err)
	}
	if len(v.Reasoning) > MaxReasoningBytes {
		t.Errorf("len(Reasoning) = %d, want <= %d", len(v.Reasoning), MaxReasoningBytes)
	}
	if !utf8.ValidString(v.Reasoning) {
		t.Error("Reasoning truncated mid-rune")
	}
}

func TestFirstJSONObject(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
		ok   bool
	}{
		{"bare object", `{"a": 1}`, `{"a": 1}`, true},
		{"nested", `x {"a": {"b": 2}} y`, `{"a": {"b": 2}}`, true},
		{"no object", "nothing here", "", false},
		{"unbalanced", `{"a": 1`, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := firstJSONObject(tt.in)
			if ok != tt.ok || got != tt.want {
				t.Errorf("firstJSONObject(%q) = %q, %v, want %q, %v", tt.in, got, ok, tt.want, tt.ok)
			}
		})
	}
}
