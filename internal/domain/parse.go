package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// verdictPayload is the JSON shape the moderation templates ask for.
// Confidence is a pointer so a missing field is distinguishable from 0.
type verdictPayload struct {
	Decision   string   `json:"decision"`
	Confidence *float64 `json:"confidence"`
	Reasoning  string   `json:"reasoning"`
	Categories []string `json:"categories"`
}

// ParseVerdict turns a raw completion body into a verdict. Models wrap
// their JSON in markdown fences or chatter around it often enough that a
// strict-only parser throws away salvageable answers, so the cascade is:
// strict unmarshal of the (fence-stripped) body, then extraction of the
// first balanced JSON object. salvaged is true when only the extraction
// step succeeded. Failures return an LLMUnparseable error.
func ParseVerdict(raw string) (ModerationVerdict, bool, error) {
	body := stripFence(strings.TrimSpace(raw))

	var payload verdictPayload
	if err := json.Unmarshal([]byte(body), &payload); err == nil {
		v, verr := validateVerdict(payload)
		if verr != nil {
			return ModerationVerdict{}, false, NewLLMError(LLMUnparseable, 0, verr)
		}
		return v, false, nil
	}

	obj, ok := firstJSONObject(body)
	if !ok {
		return ModerationVerdict{}, false, NewLLMError(LLMUnparseable, 0,
			fmt.Errorf("no JSON object in completion (%d bytes)", len(raw)))
	}
	if err := json.Unmarshal([]byte(obj), &payload); err != nil {
		return ModerationVerdict{}, false, NewLLMError(LLMUnparseable, 0,
			fmt.Errorf("extracted object does not parse: %w", err))
	}
	v, verr := validateVerdict(payload)
	if verr != nil {
		return ModerationVerdict{}, false, NewLLMError(LLMUnparseable, 0, verr)
	}
	return v, true, nil
}

func validateVerdict(p verdictPayload) (ModerationVerdict, error) {
	decision, ok := canonicalDecision(p.Decision)
	if !ok {
		return ModerationVerdict{}, fmt.Errorf("unknown decision %q", p.Decision)
	}
	if p.Confidence == nil {
		return ModerationVerdict{}, fmt.Errorf("missing confidence")
	}
	if *p.Confidence < 0 || *p.Confidence > 1 {
		return ModerationVerdict{}, fmt.Errorf("confidence %v out of range", *p.Confidence)
	}

	reasoning := p.Reasoning
	if len(reasoning) > MaxReasoningBytes {
		reasoning = TruncateUTF8(reasoning, MaxReasoningBytes)
	}

	var categories []string
	for _, c := range p.Categories {
		if canon, ok := canonicalDecision(c); ok {
			categories = append(categories, string(canon))
		}
	}

	return ModerationVerdict{
		Decision:   decision,
		Confidence: *p.Confidence,
		Reasoning:  reasoning,
		Categories: categories,
	}, nil
}

// ParseDecision maps a free-form label onto the Decision enum, with the
// same spelling tolerance the verdict parser applies.
func ParseDecision(s string) (Decision, bool) {
	return canonicalDecision(s)
}

// canonicalDecision maps the label spellings models actually produce
// ("Non-Toxic", "NONTOXIC", "rate limited") onto the Decision enum.
func canonicalDecision(s string) (Decision, bool) {
	key := strings.ToLower(strings.TrimSpace(s))
	key = strings.NewReplacer("-", "", "_", "", " ", "").Replace(key)
	switch key {
	case "toxic":
		return DecisionToxic, true
	case "nontoxic", "clean", "safe":
		return DecisionNonToxic, true
	case "spam":
		return DecisionSpam, true
	case "pii":
		return DecisionPII, true
	case "harassment":
		return DecisionHarassment, true
	case "ratelimited":
		return DecisionRateLimited, true
	case "unknown":
		return DecisionUnknown, true
	}
	return "", false
}

// stripFence removes a markdown code fence wrapping the whole body.
func stripFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	rest := s[3:]
	if i := strings.IndexByte(rest, '\n'); i >= 0 {
		// Drop the info string ("json", "JSON", ...) with the first line.
		rest = rest[i+1:]
	}
	rest = strings.TrimSpace(rest)
	rest = strings.TrimSuffix(rest, "```")
	return strings.TrimSpace(rest)
}

// firstJSONObject scans for the first balanced top-level JSON object,
// tracking string literals so braces inside them don't count.
func firstJSONObject(s string) (string, bool) {
	start := -1
	depth := 0
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 {
					return s[start : i+1], true
				}
			}
		}
	}
	return "", false
}

// TruncateUTF8 cuts s to at most n bytes without splitting a rune.
func TruncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && s[n]&0xC0 == 0x80 {
		n--
	}
	return s[:n]
}
