package common

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
	"strings"
	"time"
)

// EntityType is the closed set of node labels the graph knows about.
type EntityType string

const (
	EntityTypePerson       EntityType = "Person"
	EntityTypeOrganization EntityType = "Organization"
	EntityTypeLocation     EntityType = "Location"
	EntityTypeDate         EntityType = "Date"
	EntityTypeLegalTerm    EntityType = "LegalTerm"
)

// AllEntityTypes returns every valid entity type in a stable order.
func AllEntityTypes() []EntityType {
	return []EntityType{
		EntityTypePerson,
		EntityTypeOrganization,
		EntityTypeLocation,
		EntityTypeDate,
		EntityTypeLegalTerm,
	}
}

// Valid reports whether t is one of the known entity types.
func (t EntityType) Valid() bool {
	return slices.Contains(AllEntityTypes(), t)
}

// ParseEntityType maps a canonical type name or a recognizer label
// (PER, B-ORG, LOCATION, LEGAL_TERM, ...) onto an EntityType.
func ParseEntityType(label string) (EntityType, error) {
	l := strings.ToUpper(strings.TrimSpace(label))
	l = strings.TrimPrefix(l, "B-")
	l = strings.TrimPrefix(l, "I-")

	switch l {
	case "PER", "PERSON":
		return EntityTypePerson, nil
	case "ORG", "ORGANIZATION", "ORGANISATION":
		return EntityTypeOrganization, nil
	case "LOC", "LOCATION", "GPE":
		return EntityTypeLocation, nil
	case "DATE", "TIME":
		return EntityTypeDate, nil
	case "LEGAL_TERM", "LEGALTERM", "LAW":
		return EntityTypeLegalTerm, nil
	}
	return "", fmt.Errorf("unknown entity type %q", label)
}

// Span is a half-open [Start, End) range of rune offsets into a document.
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Len returns the number of runes covered by the span.
func (s Span) Len() int {
	return s.End - s.Start
}

// Mention is one textual occurrence of an entity produced by the recognizer.
// Mentions are ephemeral and only live for the duration of a resolution batch.
type Mention struct {
	Text       string     `json:"text"`
	Type       EntityType `json:"type"`
	Label      string     `json:"label,omitempty"`
	DocumentID string     `json:"document_id"`
	Span       Span       `json:"span"`
	SentenceID int        `json:"sentence_id"`
}

// Sentence marks the boundaries of one sentence of a document.
type Sentence struct {
	ID   int  `json:"id"`
	Span Span `json:"span"`
}

// Document is a crawled source page. ContentHash is used to detect changes
// between scheduler runs.
type Document struct {
	ID              string     `json:"id"`
	URL             string     `json:"url"`
	Title           string     `json:"title,omitempty"`
	ContentHash     string     `json:"content_hash"`
	RawText         string     `json:"raw_text,omitempty"`
	Sentences       []Sentence `json:"sentences,omitempty"`
	LastProcessedAt time.Time  `json:"last_processed_at"`
}

// HashContent returns the hex encoded sha256 of text.
func HashContent(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// EnsureHash fills ContentHash from RawText when the crawler did not set it.
func (d *Document) EnsureHash() {
	if d.ContentHash == "" {
		d.ContentHash = HashContent(d.RawText)
	}
}

// DocumentRecord is the unit handed over by the crawler and NLP collaborators.
type DocumentRecord struct {
	Document Document  `json:"document"`
	Mentions []Mention `json:"mentions"`
}

// Entity is a canonical graph node. Key is the normalized key and never
// changes after the node is created.
type Entity struct {
	ID           string     `json:"id"`
	Key          string     `json:"normalized_key"`
	Type         EntityType `json:"type"`
	DisplayName  string     `json:"display_name"`
	Aliases      []string   `json:"aliases"`
	MentionCount int64      `json:"mention_count"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// HasAlias reports whether alias was already mapped to the entity.
func (e *Entity) HasAlias(alias string) bool {
	return slices.Contains(e.Aliases, alias)
}

// RelationType names the kind of an edge. The generic co-occurrence type is
// the weakest; every other type is pattern derived.
type RelationType string

const (
	RelationCoOccurs           RelationType = "co_occurs_with"
	RelationChairpersonOf      RelationType = "chairperson_of"
	RelationDeputyChairOf      RelationType = "deputy_chair_of"
	RelationSecretaryGeneralOf RelationType = "secretary_general_of"
	RelationMemberOf           RelationType = "member_of"
	RelationWorksAt            RelationType = "works_at"
	RelationLocatedIn          RelationType = "located_in"
)

// IsGeneric reports whether the relation type is plain co-occurrence.
func (r RelationType) IsGeneric() bool {
	return r == RelationCoOccurs
}

// Relationship is an edge between two entities. Strength only grows and
// Evidence holds the ids of every document that supported the edge.
type Relationship struct {
	ID        string       `json:"id"`
	SourceID  string       `json:"source_id"`
	TargetID  string       `json:"target_id"`
	Type      RelationType `json:"type"`
	Directed  bool         `json:"directed"`
	Strength  float64      `json:"strength"`
	Evidence  []string     `json:"evidence"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// HasEvidence reports whether documentID already supports the edge.
func (r *Relationship) HasEvidence(documentID string) bool {
	return slices.Contains(r.Evidence, documentID)
}

// CanonicalPair orders two endpoint ids so undirected edges have a single
// representation.
func CanonicalPair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

// EntityRef points at a canonical entity. New refs carry a reserved id that
// is only materialized by the graph writer.
type EntityRef struct {
	ID   string     `json:"id"`
	Type EntityType `json:"type"`
	Key  string     `json:"key"`
	New  bool       `json:"new"`
}

// MatchKind records how a mention was resolved.
type MatchKind string

const (
	MatchCache MatchKind = "cache"
	MatchStore MatchKind = "store"
	MatchFuzzy MatchKind = "fuzzy"
	MatchNew   MatchKind = "new"
)

// ResolvedMention is a mention bound to a canonical entity.
type ResolvedMention struct {
	Mention Mention   `json:"mention"`
	Key     string    `json:"key"`
	Ref     EntityRef `json:"ref"`
	Match   MatchKind `json:"match"`
}

// ResolutionCacheEntry maps a normalized key to the entity it resolved to.
type ResolutionCacheEntry struct {
	Key  string     `json:"key"`
	Type EntityType `json:"type"`
	Ref  EntityRef  `json:"ref"`
}

// CandidateRelationship is an edge proposed by the inferencer for one document.
type CandidateRelationship struct {
	Source     EntityRef    `json:"source"`
	Target     EntityRef    `json:"target"`
	Type       RelationType `json:"type"`
	Directed   bool         `json:"directed"`
	Confidence float64      `json:"confidence"`
	Sentences  int          `json:"sentences"`
	Pattern    string       `json:"pattern,omitempty"`
	DocumentID string       `json:"document_id"`
}

// WriteReport counts what a write did to the graph.
type WriteReport struct {
	EntitiesCreated      int `json:"entities_created"`
	EntitiesUpdated      int `json:"entities_updated"`
	RelationshipsCreated int `json:"relationships_created"`
	RelationshipsUpdated int `json:"relationships_updated"`
}

// Add accumulates other into r.
func (r *WriteReport) Add(other WriteReport) {
	r.EntitiesCreated += other.EntitiesCreated
	r.EntitiesUpdated += other.EntitiesUpdated
	r.RelationshipsCreated += other.RelationshipsCreated
	r.RelationshipsUpdated += other.RelationshipsUpdated
}

// MergeReport describes the result of folding a duplicate entity into a survivor.
type MergeReport struct {
	SurvivorID            string `json:"survivor_id"`
	RemovedID             string `json:"removed_id"`
	RelinkedRelationships int    `json:"relinked_relationships"`
	FoldedRelationships   int    `json:"folded_relationships"`
	DroppedSelfLoops      int    `json:"dropped_self_loops"`
	AliasesAdded          int    `json:"aliases_added"`
}

// GraphStats holds node counts per type and the total edge count.
type GraphStats struct {
	Entities      map[EntityType]int64 `json:"entities"`
	Relationships int64                `json:"relationships"`
	Documents     int64                `json:"documents"`
}
