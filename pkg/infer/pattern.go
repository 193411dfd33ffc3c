package infer

import (
	_ "embed"
	"fmt"
	"io"
	"os"
	"regexp"
	"unicode/utf8"

	"github.com/barokg/backend/pkg/common"

	"github.com/go-playground/validator"
	"gopkg.in/yaml.v3"
)

//go:embed patterns.yaml
var defaultPatternsYAML []byte

// Order tells which of the two mentions comes first in the sentence.
type Order string

const (
	SubjectFirst Order = "subject_first"
	ObjectFirst  Order = "object_first"
)

// Pattern types the relation between a subject and an object mention that
// occur in the same sentence. Between is matched against the text separating
// the two mentions and After against the remainder of the sentence behind
// the second mention, both Turkish lower-cased.
type Pattern struct {
	Name        string              `yaml:"name" validate:"required"`
	Type        common.RelationType `yaml:"type" validate:"required"`
	SubjectType common.EntityType   `yaml:"subject_type" validate:"required"`
	ObjectType  common.EntityType   `yaml:"object_type" validate:"required"`
	Order       Order               `yaml:"order" validate:"required,oneof=subject_first object_first"`
	Between     string              `yaml:"between"`
	After       string              `yaml:"after"`

	between *regexp.Regexp
	after   *regexp.Regexp
}

type patternFile struct {
	Patterns []Pattern `yaml:"patterns"`
}

// compile validates p and prepares its expressions.
func (p *Pattern) compile(v *validator.Validate) error {
	if err := v.Struct(p); err != nil {
		return fmt.Errorf("pattern %q: %w", p.Name, err)
	}
	if !p.SubjectType.Valid() || !p.ObjectType.Valid() {
		return fmt.Errorf("pattern %q: unknown entity type", p.Name)
	}
	if p.Type.IsGeneric() {
		return fmt.Errorf("pattern %q: must produce a specific relation type", p.Name)
	}
	if p.Between == "" && p.After == "" {
		return fmt.Errorf("pattern %q: needs a between or after expression", p.Name)
	}

	var err error
	if p.Between != "" {
		if p.between, err = regexp.Compile(p.Between); err != nil {
			return fmt.Errorf("pattern %q: between: %w", p.Name, err)
		}
	}
	if p.After != "" {
		if p.after, err = regexp.Compile(p.After); err != nil {
			return fmt.Errorf("pattern %q: after: %w", p.Name, err)
		}
	}
	return nil
}

// match reports whether the pattern holds for the given gap and tail and
// returns the number of runes the expressions consumed.
func (p *Pattern) match(between, after string) (int, bool) {
	span := 0
	if p.between != nil {
		loc := p.between.FindStringIndex(between)
		if loc == nil {
			return 0, false
		}
		span += utf8.RuneCountInString(between[loc[0]:loc[1]])
	}
	if p.after != nil {
		loc := p.after.FindStringIndex(after)
		if loc == nil {
			return 0, false
		}
		span += utf8.RuneCountInString(after[loc[0]:loc[1]])
	}
	return span, true
}

// DefaultPatterns returns the built-in Turkish relation patterns.
func DefaultPatterns() ([]Pattern, error) {
	return parsePatterns(defaultPatternsYAML)
}

// LoadPatterns parses a YAML pattern file from r.
func LoadPatterns(r io.Reader) ([]Pattern, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return parsePatterns(data)
}

// LoadPatternFile parses the YAML pattern file at path.
func LoadPatternFile(path string) ([]Pattern, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open pattern file: %w", err)
	}
	defer f.Close()
	return LoadPatterns(f)
}

func parsePatterns(data []byte) ([]Pattern, error) {
	var pf patternFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("failed to parse patterns: %w", err)
	}

	v := validator.New()
	for i := range pf.Patterns {
		if err := pf.Patterns[i].compile(v); err != nil {
			return nil, err
		}
	}
	return pf.Patterns, nil
}
