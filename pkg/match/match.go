// Package match decides whether two normalized keys denote the same entity.
package match

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/barokg/backend/pkg/common"

	"github.com/go-playground/validator"
)

type Algorithm string

const (
	AlgorithmLevenshtein Algorithm = "levenshtein"
	AlgorithmTokenSet    Algorithm = "token_set"
)

// DefaultHonorifics are title tokens (already normalized) that are ignored
// when comparing person names.
var DefaultHonorifics = []string{
	"av", "avukat", "prof", "dr", "doc", "docent", "yrd", "baskan", "sayin",
	"hakim", "savci", "stj", "arb",
}

// Config controls the fuzzy matcher. The right threshold depends on the
// corpus, so nothing here is hardcoded into the matcher itself.
type Config struct {
	Algorithm     Algorithm `validate:"required,oneof=levenshtein token_set"`
	Threshold     float64   `validate:"gt=0,lte=1"`
	MaxCandidates int       `validate:"min=1"`
	Honorifics    []string
}

// DefaultConfig returns the matcher configuration used when nothing else is set.
func DefaultConfig() Config {
	return Config{
		Algorithm:     AlgorithmLevenshtein,
		Threshold:     0.88,
		MaxCandidates: 50,
		Honorifics:    DefaultHonorifics,
	}
}

// Candidate is an existing (or batch-pending) entity a key may be matched to.
type Candidate struct {
	Key  string
	Type common.EntityType
	Ref  common.EntityRef
}

// Matcher scores key pairs according to its Config.
type Matcher struct {
	cfg        Config
	honorifics map[string]struct{}
}

// New validates cfg and returns a Matcher.
func New(cfg Config) (*Matcher, error) {
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid match config: %w", err)
	}

	h := make(map[string]struct{}, len(cfg.Honorifics))
	for _, t := range cfg.Honorifics {
		h[strings.TrimSuffix(t, ".")] = struct{}{}
	}
	return &Matcher{cfg: cfg, honorifics: h}, nil
}

// Config returns the matcher configuration.
func (m *Matcher) Config() Config {
	return m.cfg
}

// Similarity scores two keys of the given type in [0, 1].
func (m *Matcher) Similarity(a, b string, typ common.EntityType) float64 {
	if typ == common.EntityTypePerson {
		a = m.stripHonorifics(a)
		b = m.stripHonorifics(b)
	}
	if a == b {
		return 1
	}
	if a == "" || b == "" {
		return 0
	}

	switch m.cfg.Algorithm {
	case AlgorithmTokenSet:
		return tokenSetRatio(a, b)
	default:
		return ratio(a, b)
	}
}

// IsSameEntity reports whether a and b denote the same entity. Entities of
// different types never match, however similar their keys are.
func (m *Matcher) IsSameEntity(a, b Candidate) bool {
	if a.Type != b.Type {
		return false
	}
	return m.Similarity(a.Key, b.Key, a.Type) >= m.cfg.Threshold
}

// BestMatch returns the same-type candidate scoring highest at or above the
// threshold. At most MaxCandidates candidates are considered.
func (m *Matcher) BestMatch(key string, typ common.EntityType, candidates []Candidate) (Candidate, float64, bool) {
	var (
		best      Candidate
		bestScore float64
		bestDist  int
		found     bool
	)

	considered := 0
	for _, c := range candidates {
		if c.Type != typ {
			continue
		}
		if considered >= m.cfg.MaxCandidates {
			break
		}
		considered++

		score := m.Similarity(key, c.Key, typ)
		if score < m.cfg.Threshold {
			continue
		}
		dist := levenshtein(key, c.Key)
		if !found || score > bestScore ||
			(score == bestScore && dist < bestDist) ||
			(score == bestScore && dist == bestDist && c.Key < best.Key) {
			best, bestScore, bestDist, found = c, score, dist, true
		}
	}

	return best, bestScore, found
}

func (m *Matcher) stripHonorifics(key string) string {
	tokens := strings.Fields(key)
	i := 0
	for i < len(tokens)-1 {
		if _, ok := m.honorifics[strings.TrimSuffix(tokens[i], ".")]; !ok {
			break
		}
		i++
	}
	return strings.Join(tokens[i:], " ")
}

// ratio is the normalized levenshtein similarity of a and b.
func ratio(a, b string) float64 {
	la, lb := len([]rune(a)), len([]rune(b))
	longest := max(la, lb)
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshtein(a, b))/float64(longest)
}

// tokenSetRatio compares the sorted token intersection against each side's
// remainder and keeps the best ratio.
func tokenSetRatio(a, b string) float64 {
	ta := uniqueSorted(strings.Fields(a))
	tb := uniqueSorted(strings.Fields(b))

	var inter, restA, restB []string
	for _, t := range ta {
		if slices.Contains(tb, t) {
			inter = append(inter, t)
		} else {
			restA = append(restA, t)
		}
	}
	for _, t := range tb {
		if !slices.Contains(ta, t) {
			restB = append(restB, t)
		}
	}

	base := strings.Join(inter, " ")
	withA := strings.TrimSpace(base + " " + strings.Join(restA, " "))
	withB := strings.TrimSpace(base + " " + strings.Join(restB, " "))

	if base == "" {
		return ratio(withA, withB)
	}
	return max(ratio(base, withA), ratio(base, withB), ratio(withA, withB))
}

func uniqueSorted(tokens []string) []string {
	sort.Strings(tokens)
	return slices.Compact(tokens)
}

// levenshtein returns the rune level edit distance of a and b using two rows.
func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}
	if len(ra) > len(rb) {
		ra, rb = rb, ra
	}

	prev := make([]int, len(ra)+1)
	curr := make([]int, len(ra)+1)
	for i := range prev {
		prev[i] = i
	}

	for j := 1; j <= len(rb); j++ {
		curr[0] = j
		for i := 1; i <= len(ra); i++ {
			if ra[i-1] == rb[j-1] {
				curr[i] = prev[i-1]
			} else {
				curr[i] = 1 + min(prev[i-1], prev[i], curr[i-1])
			}
		}
		prev, curr = curr, prev
	}

	return prev[len(ra)]
}
