package domain

// SafetyLevel tunes how much context a prompt template is given. High
// safety templates additionally receive a user-history summary.
type SafetyLevel string

const (
	SafetyLow    SafetyLevel = "low"
	SafetyMedium SafetyLevel = "medium"
	SafetyHigh   SafetyLevel = "high"
)

// OutputFormat declares what shape of reply a template asks the model for.
type OutputFormat string

const (
	OutputJSON OutputFormat = "json"
	OutputText OutputFormat = "text"
)

// PromptTemplate is a named, versioned prompt with typed placeholders.
// Templates are immutable after registration; a new version is a new
// entry. Every {{var}} in Body appears in Variables.
type PromptTemplate struct {
	Name           string       `json:"name" yaml:"name"`
	Version        string       `json:"version" yaml:"version"`
	SafetyLevel    SafetyLevel  `json:"safety_level" yaml:"safety_level"`
	ExpectedOutput OutputFormat `json:"expected_output" yaml:"expected_output"`
	Body           string       `json:"-" yaml:"prompt"`
	Variables      []string     `json:"variables" yaml:"variables"`
}

// TemplateInfo is the listing view of a registered template, served by
// GET /templates. The body itself is never exposed.
type TemplateInfo struct {
	Name           string       `json:"name"`
	Version        string       `json:"version"`
	SafetyLevel    SafetyLevel  `json:"safety_level"`
	ExpectedOutput OutputFormat `json:"expected_output"`
	Variables      []string     `json:"variables"`
}
