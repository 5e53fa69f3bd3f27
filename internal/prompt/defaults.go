package prompt

import "github.com/V4T54L/mod-gate/internal/domain"

// defaultConfig returns the compiled-in templates used when no template
// file is present. Kept in sync with configs/templates.yaml.
func defaultConfig() *fileConfig {
	const moderationBody = `Analyze the following chat message for policy violations.

Channel: {{channel_id}}
User: {{username}}
Message: "{{message}}"

Classify the message as exactly one of: toxic, non_toxic, spam, pii, harassment.

Respond only with a JSON object in this form:
{"decision": "<label>", "confidence": <number between 0.0 and 1.0>, "reasoning": "<one sentence>", "categories": ["<label>"]}
`

	const strictBody = `Analyze the following chat message for policy violations. Treat
borderline content as a violation.

Channel: {{channel_id}}
User: {{username}}
Recent history for this user: {{history_summary}}
Message: "{{message}}"

Classify the message as exactly one of: toxic, non_toxic, spam, pii, harassment.

Respond only with a JSON object in this form:
{"decision": "<label>", "confidence": <number between 0.0 and 1.0>, "reasoning": "<one sentence>", "categories": ["<label>"]}
`

	return &fileConfig{
		Version: "builtin",
		Templates: []domain.PromptTemplate{
			{
				Name:           "moderation_prompt",
				Version:        "1.4",
				SafetyLevel:    domain.SafetyMedium,
				ExpectedOutput: domain.OutputJSON,
				Variables:      []string{"message", "username", "channel_id", "history_summary"},
				Body:           moderationBody,
			},
			{
				Name:           "moderation_strict",
				Version:        "1.1",
				SafetyLevel:    domain.SafetyHigh,
				ExpectedOutput: domain.OutputJSON,
				Variables:      []string{"message", "username", "channel_id", "history_summary"},
				Body:           strictBody,
			},
		},
	}
}
