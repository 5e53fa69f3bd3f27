package pattern

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"sync/atomic"

	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"

	"github.com/V4T54L/mod-gate/internal/domain"
)

// wordRe tokenizes a normalized message body for banned-word matching.
// Word-boundary tokens keep a banned word inside a longer word from
// hitting (the Scunthorpe problem).
var wordRe = regexp.MustCompile(`[\p{L}\p{N}_]+`)

// fileConfig mirrors the YAML layout of the pattern file.
type fileConfig struct {
	Version     string          `yaml:"version"`
	Whitelist   []string        `yaml:"whitelist"`
	BannedWords bannedConfig    `yaml:"banned_words"`
	RuleSets    []ruleSetConfig `yaml:"rule_sets"`
}

type bannedConfig struct {
	Version string   `yaml:"version"`
	Action  string   `yaml:"action"`
	Words   []string `yaml:"words"`
}

type ruleSetConfig struct {
	Name     string       `yaml:"name"`
	Version  string       `yaml:"version"`
	Action   string       `yaml:"action"`
	Patterns []ruleConfig `yaml:"patterns"`
}

type ruleConfig struct {
	ID    string `yaml:"id"`
	Regex string `yaml:"regex"`
	Luhn  bool   `yaml:"luhn"`
}

type compiledRule struct {
	id   string
	re   *regexp.Regexp
	luhn bool
}

type compiledSet struct {
	name    string
	version string
	action  domain.RuleAction
	rules   []compiledRule
}

// snapshot is one immutable compiled rule configuration. Reloads build a
// new snapshot and swap the pointer; in-flight Match calls keep the old one.
type snapshot struct {
	version       string
	whitelist     map[string]struct{}
	banned        map[string]struct{}
	bannedVersion string
	bannedAction  domain.RuleAction
	sets          []compiledSet
}

// RuleSetInfo is the listing view of one rule set, served by GET /patterns.
type RuleSetInfo struct {
	Name    string            `json:"name"`
	Version string            `json:"version"`
	Action  domain.RuleAction `json:"action"`
	Rules   int               `json:"rules"`
}

// Matcher screens message bodies against the compiled rule sets. It is
// CPU-only and safe for concurrent use.
type Matcher struct {
	snap   atomic.Pointer[snapshot]
	logger *slog.Logger
}

// Load builds a Matcher from the YAML pattern file at path. A missing
// file falls back to the built-in default rule sets with a warning; a
// present but malformed file is a configuration error.
func Load(path string, logger *slog.Logger) (*Matcher, error) {
	m := &Matcher{logger: logger}

	cfg, err := readConfig(path)
	if os.IsNotExist(err) {
		logger.Warn("pattern file not found, using built-in defaults", "path", path)
		cfg = defaultConfig()
	} else if err != nil {
		return nil, err
	}

	snap, err := compile(cfg)
	if err != nil {
		return nil, err
	}
	m.snap.Store(snap)
	return m, nil
}

// Reload re-reads the pattern file and atomically swaps the compiled
// rules. On any error the previous rules stay active.
func (m *Matcher) Reload(path string) error {
	cfg, err := readConfig(path)
	if err != nil {
		return err
	}
	snap, err := compile(cfg)
	if err != nil {
		return err
	}
	m.snap.Store(snap)
	m.logger.Info("pattern rules reloaded", "path", path, "version", snap.version, "rule_sets", len(snap.sets)+1)
	return nil
}

func readConfig(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing pattern file %s: %w", path, err)
	}
	return &cfg, nil
}

func compile(cfg *fileConfig) (*snapshot, error) {
	snap := &snapshot{
		version:       cfg.Version,
		whitelist:     make(map[string]struct{}, len(cfg.Whitelist)),
		banned:        make(map[string]struct{}, len(cfg.BannedWords.Words)),
		bannedVersion: cfg.BannedWords.Version,
	}
	for _, w := range cfg.Whitelist {
		snap.whitelist[strings.ToLower(w)] = struct{}{}
	}
	for _, w := range cfg.BannedWords.Words {
		snap.banned[strings.ToLower(w)] = struct{}{}
	}

	action, err := parseAction(cfg.BannedWords.Action)
	if err != nil {
		return nil, fmt.Errorf("rule set %s: %w", domain.RuleSetBannedWords, err)
	}
	snap.bannedAction = action

	for _, rs := range cfg.RuleSets {
		if rs.Name == "" {
			return nil, fmt.Errorf("rule set with empty name")
		}
		action, err := parseAction(rs.Action)
		if err != nil {
			return nil, fmt.Errorf("rule set %s: %w", rs.Name, err)
		}
		set := compiledSet{name: rs.Name, version: rs.Version, action: action}
		for _, r := range rs.Patterns {
			if r.ID == "" {
				return nil, fmt.Errorf("rule set %s: rule with empty id", rs.Name)
			}
			re, err := regexp.Compile("(?i)" + r.Regex)
			if err != nil {
				return nil, fmt.Errorf("rule set %s, rule %s: %w", rs.Name, r.ID, err)
			}
			set.rules = append(set.rules, compiledRule{id: r.ID, re: re, luhn: r.Luhn})
		}
		snap.sets = append(snap.sets, set)
	}
	return snap, nil
}

func parseAction(s string) (domain.RuleAction, error) {
	switch domain.RuleAction(s) {
	case domain.RuleActionFlag, "":
		return domain.RuleActionFlag, nil
	case domain.RuleActionBlock:
		return domain.RuleActionBlock, nil
	default:
		return "", fmt.Errorf("unknown action %q", s)
	}
}

// Match returns every rule hit in body. The body is NFKC-normalized
// first so homoglyph variants (fullwidth letters, compatibility forms)
// match the same rules as plain ASCII.
func (m *Matcher) Match(body string) (domain.PatternResult, error) {
	snap := m.snap.Load()
	normalized := norm.NFKC.String(body)
	lowered := strings.ToLower(normalized)

	var hits []domain.PatternHit

	// 1. Banned words, token-wise. The whitelist wins over the banned list.
	seen := make(map[string]struct{})
	for _, tok := range wordRe.FindAllString(lowered, -1) {
		if _, ok := snap.whitelist[tok]; ok {
			continue
		}
		if _, ok := snap.banned[tok]; !ok {
			continue
		}
		if _, dup := seen[tok]; dup {
			continue
		}
		seen[tok] = struct{}{}
		hits = append(hits, domain.PatternHit{
			RuleSet:   domain.RuleSetBannedWords,
			PatternID: tok,
			Action:    snap.bannedAction,
		})
	}

	// 2. Regex rule sets, in file order.
	for _, set := range snap.sets {
		for _, rule := range set.rules {
			match := rule.re.FindString(normalized)
			if match == "" {
				continue
			}
			if rule.luhn && !luhnValid(match) {
				continue
			}
			hits = append(hits, domain.PatternHit{
				RuleSet:   set.name,
				PatternID: rule.id,
				Action:    set.action,
			})
		}
	}

	return domain.PatternResult{Hits: hits}, nil
}

// Info lists the active rule sets, banned words first.
func (m *Matcher) Info() []RuleSetInfo {
	snap := m.snap.Load()
	info := make([]RuleSetInfo, 0, len(snap.sets)+1)
	info = append(info, RuleSetInfo{
		Name:    domain.RuleSetBannedWords,
		Version: snap.bannedVersion,
		Action:  snap.bannedAction,
		Rules:   len(snap.banned),
	})
	for _, set := range snap.sets {
		info = append(info, RuleSetInfo{
			Name:    set.name,
			Version: set.version,
			Action:  set.action,
			Rules:   len(set.rules),
		})
	}
	return info
}

// Version returns the version string of the active rule configuration.
func (m *Matcher) Version() string {
	return m.snap.Load().version
}

// luhnValid reports whether the digits in s pass the Luhn checksum.
// Used to keep arbitrary 16-digit numbers from counting as card numbers.
func luhnValid(s string) bool {
	var digits []int
	for _, r := range s {
		if r >= '0' && r <= '9' {
			digits = append(digits, int(r-'0'))
		}
	}
	if len(digits) < 12 {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := digits[i]
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}
