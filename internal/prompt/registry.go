package prompt

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"sync/atomic"
	"unicode/utf8"

	"gopkg.in/yaml.v3"

	"github.com/V4T54L/mod-gate/internal/domain"
)

// maxVariableBytes caps a single rendered variable. Message bodies are
// already capped upstream; this guards the other variables.
const maxVariableBytes = 8 * 1024

var (
	// ErrTemplateUnknown means the requested template name is not in the
	// registry. User-facing callers validate names against List().
	ErrTemplateUnknown = errors.New("unknown prompt template")

	// ErrVariableMissing means Render was called without a value for a
	// declared variable.
	ErrVariableMissing = errors.New("missing template variable")
)

var placeholderRe = regexp.MustCompile(`\{\{(\w+)\}\}`)

// injectionMarkers are substrings in variable values that suggest a
// prompt-injection attempt. Hits are logged and counted, never rejected:
// the LLM judges the message, the markers just leave a trace.
var injectionMarkers = []string{
	"ignore previous instructions",
	"ignore all previous instructions",
	"system:",
	"assistant:",
	"user:",
	"prompt:",
	"###",
	"---",
}

type fileConfig struct {
	Version   string                  `yaml:"version"`
	Templates []domain.PromptTemplate `yaml:"templates"`
}

// registrySnapshot is one immutable set of registered templates.
type registrySnapshot struct {
	version   string
	templates map[string]domain.PromptTemplate
	order     []string
}

// RenderedPrompt is the outcome of rendering a template: the final text
// plus how many injection markers were seen in the variable values.
type RenderedPrompt struct {
	Text          string
	InjectionHits int
}

// Registry holds the validated prompt templates. Templates never mutate
// after registration; a reload swaps the whole snapshot atomically.
type Registry struct {
	logger *slog.Logger
	snap   atomic.Pointer[registrySnapshot]
}

// Load builds a Registry from the YAML template file at path. A missing
// file falls back to the built-in templates with a warning; a present
// but invalid file is a configuration error.
func Load(path string, logger *slog.Logger) (*Registry, error) {
	r := &Registry{logger: logger}

	cfg, err := readConfig(path)
	if os.IsNotExist(err) {
		logger.Warn("template file not found, using built-in templates", "path", path)
		cfg = defaultConfig()
	} else if err != nil {
		return nil, err
	}

	snap, err := register(cfg)
	if err != nil {
		return nil, err
	}
	r.snap.Store(snap)
	return r, nil
}

// Reload re-reads the template file and swaps the registered set. On
// any error the previous templates stay active.
func (r *Registry) Reload(path string) error {
	cfg, err := readConfig(path)
	if err != nil {
		return err
	}
	snap, err := register(cfg)
	if err != nil {
		return err
	}
	r.snap.Store(snap)
	r.logger.Info("prompt templates reloaded", "path", path, "version", snap.version, "templates", len(snap.order))
	return nil
}

func readConfig(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing template file %s: %w", path, err)
	}
	return &cfg, nil
}

func register(cfg *fileConfig) (*registrySnapshot, error) {
	snap := &registrySnapshot{
		version:   cfg.Version,
		templates: make(map[string]domain.PromptTemplate, len(cfg.Templates)),
	}
	for _, tpl := range cfg.Templates {
		if err := validateTemplate(tpl); err != nil {
			return nil, err
		}
		if _, dup := snap.templates[tpl.Name]; dup {
			return nil, fmt.Errorf("template %s registered twice", tpl.Name)
		}
		snap.templates[tpl.Name] = tpl
		snap.order = append(snap.order, tpl.Name)
	}
	if len(snap.order) == 0 {
		return nil, errors.New("template file declares no templates")
	}
	return snap, nil
}

func validateTemplate(tpl domain.PromptTemplate) error {
	if tpl.Name == "" {
		return errors.New("template with empty name")
	}
	if tpl.Version == "" {
		return fmt.Errorf("template %s: empty version", tpl.Name)
	}
	switch tpl.SafetyLevel {
	case domain.SafetyLow, domain.SafetyMedium, domain.SafetyHigh:
	default:
		return fmt.Errorf("template %s: unknown safety_level %q", tpl.Name, tpl.SafetyLevel)
	}
	switch tpl.ExpectedOutput {
	case domain.OutputJSON, domain.OutputText:
	default:
		return fmt.Errorf("template %s: unknown expected_output %q", tpl.Name, tpl.ExpectedOutput)
	}

	declared := make(map[string]struct{}, len(tpl.Variables))
	for _, v := range tpl.Variables {
		declared[v] = struct{}{}
	}
	for _, m := range placeholderRe.FindAllStringSubmatch(tpl.Body, -1) {
		if _, ok := declared[m[1]]; !ok {
			return fmt.Errorf("template %s: body references undeclared variable %q", tpl.Name, m[1])
		}
	}

	// A JSON template that never asks for JSON produces unparseable
	// replies; refuse it at registration rather than at 3am.
	if tpl.ExpectedOutput == domain.OutputJSON && !strings.Contains(strings.ToLower(tpl.Body), "json") {
		return fmt.Errorf("template %s: expected_output is json but the body has no JSON instruction", tpl.Name)
	}
	return nil
}

// Get returns the registered template for name.
func (r *Registry) Get(name string) (domain.PromptTemplate, error) {
	snap := r.snap.Load()
	tpl, ok := snap.templates[name]
	if !ok {
		return domain.PromptTemplate{}, fmt.Errorf("%w: %s", ErrTemplateUnknown, name)
	}
	return tpl, nil
}

// List returns the registered templates in registration order, bodies
// excluded.
func (r *Registry) List() []domain.TemplateInfo {
	snap := r.snap.Load()
	out := make([]domain.TemplateInfo, 0, len(snap.order))
	for _, name := range snap.order {
		tpl := snap.templates[name]
		out = append(out, domain.TemplateInfo{
			Name:           tpl.Name,
			Version:        tpl.Version,
			SafetyLevel:    tpl.SafetyLevel,
			ExpectedOutput: tpl.ExpectedOutput,
			Variables:      tpl.Variables,
		})
	}
	return out
}

// Version returns the version string of the active template file.
func (r *Registry) Version() string {
	return r.snap.Load().version
}

// Render interpolates vars into the template body. Every declared
// variable must be present. Values are sanitized (NUL stripped, length
// capped); injection markers in values are counted and logged but never
// cause rejection.
func (r *Registry) Render(tpl domain.PromptTemplate, vars map[string]string) (RenderedPrompt, error) {
	out := tpl.Body
	hits := 0
	for _, name := range tpl.Variables {
		value, ok := vars[name]
		if !ok {
			return RenderedPrompt{}, fmt.Errorf("rendering %s: %w: %s", tpl.Name, ErrVariableMissing, name)
		}
		value = sanitizeValue(value)
		if h := countInjectionMarkers(value); h > 0 {
			hits += h
			r.logger.Warn("injection markers in template variable",
				"template", tpl.Name, "variable", name, "markers", h)
		}
		out = strings.ReplaceAll(out, "{{"+name+"}}", value)
	}
	return RenderedPrompt{Text: out, InjectionHits: hits}, nil
}

// sanitizeValue strips NUL bytes and truncates to maxVariableBytes on a
// rune boundary.
func sanitizeValue(value string) string {
	value = strings.ReplaceAll(value, "\x00", "")
	if len(value) <= maxVariableBytes {
		return value
	}
	cut := maxVariableBytes
	for cut > 0 && !utf8.RuneStart(value[cut]) {
		cut--
	}
	return value[:cut]
}

func countInjectionMarkers(value string) int {
	lowered := strings.ToLower(value)
	hits := 0
	for _, marker := range injectionMarkers {
		if strings.Contains(lowered, marker) {
			hits++
		}
	}
	return hits
}
