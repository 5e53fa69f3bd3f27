package pattern

import "github.com/V4T54L/mod-gate/internal/domain"

// defaultConfig returns the compiled-in rule sets used when no pattern
// file is present. Kept in sync with configs/patterns.yaml.
func defaultConfig() *fileConfig {
	return &fileConfig{
		Version:   "builtin",
		Whitelist: []string{"class", "classic", "classy", "assassin", "scunthorpe", "therapist"},
		BannedWords: bannedConfig{
			Version: "1.2",
			Action:  string(domain.RuleActionFlag),
			Words: []string{
				"spam", "scam", "fake", "bot", "hack", "cheat",
				"idiot", "stupid", "moron", "loser", "noob",
			},
		},
		RuleSets: []ruleSetConfig{
			{
				Name:    domain.RuleSetToxic,
				Version: "1.1",
				Patterns: []ruleConfig{
					{ID: "self_harm", Regex: `\b(kill\s+yourself|kys)\b`},
					{ID: "death_wish", Regex: `\b(go\s+die|die\s+in\s+a\s+fire)\b`},
					{ID: "hostile", Regex: `\b(i\s+hate\s+you|you\s+suck)\b`},
				},
			},
			{
				Name:    domain.RuleSetSpam,
				Version: "1.3",
				Patterns: []ruleConfig{
					{ID: "short_link", Regex: `(bit\.ly|tinyurl\.com|t\.co)/\w+`},
					{ID: "bait", Regex: `(free\s+money|click\s+here|buy\s+now|limited\s+time\s+offer)`},
					{ID: "emoji_flood", Regex: `[\x{1F300}-\x{1FAFF}\x{2600}-\x{27BF}]{4,}`},
				},
			},
			{
				Name:    domain.RuleSetPII,
				Version: "1.1",
				Patterns: []ruleConfig{
					{ID: "email", Regex: `\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`},
					{ID: "phone", Regex: `\b\d{3}[-.]\d{3}[-.]\d{4}\b`},
					{ID: "credit_card", Regex: `\b(?:\d{4}[- ]?){3}\d{4}\b`, Luhn: true},
					{ID: "ssn", Regex: `\b\d{3}-\d{2}-\d{4}\b`},
					{ID: "ipv4", Regex: `\b(?:\d{1,3}\.){3}\d{1,3}\b`},
					{ID: "street_address", Regex: `\b\d{1,5}\s+\w+(\s+\w+)?\s+(street|st|avenue|ave|road|rd|boulevard|blvd|lane|ln|drive|dr|court|ct)\b`},
				},
			},
		},
	}
}
