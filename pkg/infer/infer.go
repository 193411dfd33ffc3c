// Package infer derives candidate relationships between the entities
// resolved in one document.
package infer

import (
	"cmp"
	"errors"
	"slices"

	"github.com/barokg/backend/pkg/common"
	"github.com/barokg/backend/pkg/normalize"
)

type Inferencer struct {
	patterns []Pattern
	scoring  Scoring
}

// New returns an Inferencer using scoring and patterns in declaration order.
// Patterns must come from DefaultPatterns or the Load functions.
func New(scoring Scoring, patterns []Pattern) (*Inferencer, error) {
	if scoring == nil {
		return nil, errors.New("infer: scoring is nil")
	}
	for i := range patterns {
		if patterns[i].between == nil && patterns[i].after == nil {
			return nil, errors.New("infer: pattern " + patterns[i].Name + " is not compiled")
		}
	}
	return &Inferencer{patterns: patterns, scoring: scoring}, nil
}

// Scoring returns the policy the inferencer scores candidates with.
func (in *Inferencer) Scoring() Scoring {
	return in.scoring
}

type pairKey struct {
	a, b string
}

type typedKey struct {
	subject, object string
	typ             common.RelationType
}

type typedHit struct {
	subject, object common.EntityRef
	typ             common.RelationType
	pattern         string
	sentences       map[int]struct{}
}

type sentenceMention struct {
	ref  common.EntityRef
	span common.Span
}

// Infer returns the candidate relationships of doc. Pairs matched by a
// pattern in any sentence yield the typed, directed relation only; other
// pairs sharing a sentence yield an undirected co-occurrence scored per
// co-occurring sentence. The output is sorted by source, target and type.
func (in *Inferencer) Infer(doc common.Document, resolved []common.ResolvedMention) []common.CandidateRelationship {
	text := []rune(doc.RawText)
	sentenceEnd := make(map[int]int, len(doc.Sentences))
	for _, s := range doc.Sentences {
		sentenceEnd[s.ID] = s.Span.End
	}

	bySentence := make(map[int][]sentenceMention)
	var sentenceIDs []int
	for _, rm := range resolved {
		sid := rm.Mention.SentenceID
		if _, ok := bySentence[sid]; !ok {
			sentenceIDs = append(sentenceIDs, sid)
		}
		bySentence[sid] = append(bySentence[sid], sentenceMention{ref: rm.Ref, span: rm.Mention.Span})
	}
	slices.Sort(sentenceIDs)

	refs := make(map[string]common.EntityRef)
	cooccur := make(map[pairKey]map[int]struct{})
	typed := make(map[typedKey]*typedHit)
	typedPairs := make(map[pairKey]struct{})

	for _, sid := range sentenceIDs {
		ms := bySentence[sid]
		slices.SortStableFunc(ms, func(a, b sentenceMention) int {
			return cmp.Compare(a.span.Start, b.span.Start)
		})

		end, ok := sentenceEnd[sid]
		if !ok || end > len(text) {
			end = len(text)
		}

		for i := 0; i < len(ms); i++ {
			for j := i + 1; j < len(ms); j++ {
				first, second := ms[i], ms[j]
				if first.ref.ID == second.ref.ID {
					continue
				}
				refs[first.ref.ID] = first.ref
				refs[second.ref.ID] = second.ref

				a, b := common.CanonicalPair(first.ref.ID, second.ref.ID)
				pk := pairKey{a: a, b: b}
				if cooccur[pk] == nil {
					cooccur[pk] = make(map[int]struct{})
				}
				cooccur[pk][sid] = struct{}{}

				hit, ok := in.bestPattern(text, end, first, second)
				if !ok {
					continue
				}
				typedPairs[pk] = struct{}{}
				tk := typedKey{subject: hit.subject.ID, object: hit.object.ID, typ: hit.typ}
				if existing, ok := typed[tk]; ok {
					existing.sentences[sid] = struct{}{}
					continue
				}
				hit.sentences = map[int]struct{}{sid: {}}
				typed[tk] = hit
			}
		}
	}

	var out []common.CandidateRelationship
	for _, hit := range typed {
		n := len(hit.sentences)
		out = append(out, common.CandidateRelationship{
			Source:     hit.subject,
			Target:     hit.object,
			Type:       hit.typ,
			Directed:   true,
			Confidence: in.scoring.Increment(0, n),
			Sentences:  n,
			Pattern:    hit.pattern,
			DocumentID: doc.ID,
		})
	}
	for pk, sentences := range cooccur {
		if _, ok := typedPairs[pk]; ok {
			continue
		}
		n := len(sentences)
		out = append(out, common.CandidateRelationship{
			Source:     refs[pk.a],
			Target:     refs[pk.b],
			Type:       common.RelationCoOccurs,
			Confidence: in.scoring.Increment(0, n),
			Sentences:  n,
			DocumentID: doc.ID,
		})
	}

	slices.SortFunc(out, func(x, y common.CandidateRelationship) int {
		return cmp.Or(
			cmp.Compare(x.Source.ID, y.Source.ID),
			cmp.Compare(x.Target.ID, y.Target.ID),
			cmp.Compare(x.Type, y.Type),
		)
	})
	return out
}

// bestPattern applies every pattern to an ordered mention pair. The longest
// matched span wins; equal spans keep the earlier declared pattern.
func (in *Inferencer) bestPattern(text []rune, sentenceEnd int, first, second sentenceMention) (*typedHit, bool) {
	if len(in.patterns) == 0 {
		return nil, false
	}
	if first.span.End > second.span.Start || second.span.End > sentenceEnd || first.span.Start < 0 {
		return nil, false
	}

	between := normalize.Lower(string(text[first.span.End:second.span.Start]))
	after := normalize.Lower(string(text[second.span.End:sentenceEnd]))

	var (
		best     *typedHit
		bestSpan = -1
	)
	for i := range in.patterns {
		p := &in.patterns[i]

		var subject, object common.EntityRef
		switch p.Order {
		case SubjectFirst:
			subject, object = first.ref, second.ref
		case ObjectFirst:
			subject, object = second.ref, first.ref
		default:
			continue
		}
		if subject.Type != p.SubjectType || object.Type != p.ObjectType {
			continue
		}

		span, ok := p.match(between, after)
		if !ok || span <= bestSpan {
			continue
		}
		bestSpan = span
		best = &typedHit{subject: subject, object: object, typ: p.Type, pattern: p.Name}
	}
	return best, best != nil
}
