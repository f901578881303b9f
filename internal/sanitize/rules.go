package sanitize

import (
	"os"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Rule types.
const (
	RuleRegex   = "regex"
	RuleKeyword = "keyword"
)

// Rule masks one kind of personal data.
type Rule struct {
	Name     string  `yaml:"name"`
	Type     string  `yaml:"type"`
	Pattern  string  `yaml:"pattern"`
	Mask     string  `yaml:"mask"`
	Enabled  bool    `yaml:"enabled"`
	Severity float64 `yaml:"severity"`
}

type ruleFile struct {
	Rules []Rule `yaml:"rules"`
}

// DefaultRules covers the contact details that most often slip into
// customer notes. Postal codes run before phone numbers, which would
// otherwise swallow them.
func DefaultRules() []Rule {
	return []Rule{
		{Name: "email", Type: RuleRegex, Pattern: `[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`, Mask: "[EMAIL]", Enabled: true, Severity: 0.6},
		{Name: "card_number", Type: RuleRegex, Pattern: `\b(?:\d{4}[ -]?){3}\d{4}\b`, Mask: "[CARD]", Enabled: true, Severity: 0.9},
		{Name: "postal_code", Type: RuleRegex, Pattern: `〒\s?\d{3}-?\d{4}`, Mask: "[POSTAL]", Enabled: true, Severity: 0.3},
		{Name: "phone", Type: RuleRegex, Pattern: `(?:\+81[ -]?|\b0)\d{1,4}[ -]?\d{1,4}[ -]?\d{3,4}\b`, Mask: "[PHONE]", Enabled: true, Severity: 0.5},
	}
}

// LoadRules reads a YAML rule file of the form:
//
//	rules:
//	  - name: member_number
//	    type: regex
//	    pattern: 'M\d{6}'
//	    mask: '[MEMBER]'
//	    enabled: true
//	    severity: 0.4
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "sanitize: read rules %s", path)
	}
	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrapf(err, "sanitize: parse rules %s", path)
	}
	return f.Rules, nil
}

// Finding records how often a rule matched.
type Finding struct {
	Rule     string  `json:"rule"`
	Count    int     `json:"count"`
	Severity float64 `json:"severity"`
}

type compiledRule struct {
	Rule
	re *regexp.Regexp
}

// Masker applies an ordered set of enabled rules.
type Masker struct {
	rules []compiledRule
}

// NewMasker compiles rules. Disabled rules are skipped; keyword rules match
// their pattern literally and case-insensitively.
func NewMasker(rules []Rule) (*Masker, error) {
	m := &Masker{}
	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		if r.Mask == "" {
			r.Mask = "[REDACTED]"
		}
		var expr string
		switch r.Type {
		case RuleRegex, "":
			expr = r.Pattern
		case RuleKeyword:
			expr = `(?i)` + regexp.QuoteMeta(r.Pattern)
		default:
			return nil, eris.Errorf("sanitize: rule %q has unknown type %q", r.Name, r.Type)
		}
		if strings.TrimSpace(r.Pattern) == "" {
			return nil, eris.Errorf("sanitize: rule %q has an empty pattern", r.Name)
		}
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, eris.Wrapf(err, "sanitize: compile rule %q", r.Name)
		}
		m.rules = append(m.rules, compiledRule{Rule: r, re: re})
	}
	return m, nil
}

// Mask replaces every match of every rule, in rule order.
func (m *Masker) Mask(text string) (string, []Finding) {
	var findings []Finding
	for _, r := range m.rules {
		n := len(r.re.FindAllStringIndex(text, -1))
		if n == 0 {
			continue
		}
		text = r.re.ReplaceAllLiteralString(text, r.Mask)
		findings = append(findings, Finding{Rule: r.Name, Count: n, Severity: r.Severity})
	}
	return text, findings
}

func mergeFindings(in []Finding) []Finding {
	var out []Finding
	idx := map[string]int{}
	for _, f := range in {
		if i, ok := idx[f.Rule]; ok {
			out[i].Count += f.Count
			continue
		}
		idx[f.Rule] = len(out)
		out = append(out, f)
	}
	return out
}
