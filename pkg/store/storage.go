package store

import (
	"context"
	"time"

	"github.com/barokg/backend/pkg/common"
)

// EntityLookup is the read-only view the resolver needs. LookupEntity
// matches the entities' own keys first, then the key aliases left behind by
// merges, and returns nil without error when neither has the given key.
type EntityLookup interface {
	LookupEntity(ctx context.Context, typ common.EntityType, key string) (*common.Entity, error)
	// FindCandidates returns at most limit entities of typ sharing one of the
	// block keys, ordered by normalized key.
	FindCandidates(ctx context.Context, typ common.EntityType, blockKeys []string, limit int) ([]common.Entity, error)
}

// GraphStorage defines the interface for persisting and querying the entity
// graph. Every mutation goes through WithTx so one document is committed
// atomically or not at all.
type GraphStorage interface {
	EntityLookup

	GetEntity(ctx context.Context, id string) (common.Entity, error)
	ListEntities(ctx context.Context, opts ListOptions) ([]common.Entity, error)
	ListRelationships(ctx context.Context, entityID string) ([]common.Relationship, error)
	EntityDocuments(ctx context.Context, entityID string) ([]EntityDocument, error)

	// DocumentHashes maps document id to the content hash recorded by the
	// last successful write of that document.
	DocumentHashes(ctx context.Context) (map[string]string, error)

	WithTx(ctx context.Context, fn func(tx Tx) error) error

	Stats(ctx context.Context) (common.GraphStats, error)
	DuplicateKeys(ctx context.Context) ([]DuplicateKey, error)

	SaveRunState(ctx context.Context, run RunRecord) error
	LoadRunState(ctx context.Context) (RunState, error)
}

// Tx is a single store transaction. Nothing written through it is visible
// to readers before WithTx returns successfully.
type Tx interface {
	LookupEntityForUpdate(ctx context.Context, typ common.EntityType, key string) (*common.Entity, error)
	GetEntityForUpdate(ctx context.Context, id string) (*common.Entity, error)
	// InsertEntity fails with common.ErrConstraintConflict when the
	// (type, key) pair is already taken.
	InsertEntity(ctx context.Context, e common.Entity) error
	UpdateEntity(ctx context.Context, e common.Entity) error
	DeleteEntity(ctx context.Context, id string) error

	FindRelationship(ctx context.Context, sourceID, targetID string, typ common.RelationType) (*common.Relationship, error)
	// FindRelationshipsBetween returns every edge between a and b in either direction.
	FindRelationshipsBetween(ctx context.Context, a, b string) ([]common.Relationship, error)
	RelationshipsOf(ctx context.Context, entityID string) ([]common.Relationship, error)
	InsertRelationship(ctx context.Context, r common.Relationship) error
	UpdateRelationship(ctx context.Context, r common.Relationship) error
	DeleteRelationship(ctx context.Context, id string) error

	// EntityDocumentMentions returns the mentions recorded for the pair, 0
	// when the document never mentioned the entity.
	EntityDocumentMentions(ctx context.Context, entityID, documentID string) (int, error)
	SetEntityDocument(ctx context.Context, entityID, documentID string, mentions int) error
	MoveEntityDocuments(ctx context.Context, fromID, toID string) error

	// AddKeyAlias makes (typ, key) resolve to entityID once no entity holds
	// that key itself.
	AddKeyAlias(ctx context.Context, typ common.EntityType, key, entityID string) error
	// MoveKeyAliases repoints every key alias of fromID at toID.
	MoveKeyAliases(ctx context.Context, fromID, toID string) error

	RecordDocument(ctx context.Context, doc common.Document) error
	RecordMerge(ctx context.Context, m MergeRecord) error
}

type ListOptions struct {
	Type   common.EntityType
	Limit  int
	Offset int
}

// EntityDocument records how often an entity was mentioned in a document.
type EntityDocument struct {
	EntityID   string `json:"entity_id"`
	DocumentID string `json:"document_id"`
	Mentions   int    `json:"mentions"`
}

// DuplicateKey is a (type, key) pair held by more than one entity.
type DuplicateKey struct {
	Type  common.EntityType `json:"type"`
	Key   string            `json:"key"`
	IDs   []string          `json:"ids"`
	Count int               `json:"count"`
}

// MergeRecord is the audit row written when a duplicate is folded into a survivor.
type MergeRecord struct {
	SurvivorID  string             `json:"survivor_id"`
	RemovedID   string             `json:"removed_id"`
	RemovedKey  string             `json:"removed_key"`
	RemovedType common.EntityType  `json:"removed_type"`
	Report      common.MergeReport `json:"report"`
	MergedAt    time.Time          `json:"merged_at"`
}

type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
)

// RunRecord is one persisted update run.
type RunRecord struct {
	ID                 string             `json:"id"`
	Mode               string             `json:"mode"`
	Status             RunStatus          `json:"status"`
	StartedAt          time.Time          `json:"started_at"`
	FinishedAt         time.Time          `json:"finished_at"`
	Error              string             `json:"error,omitempty"`
	DocumentsSeen      int                `json:"documents_seen"`
	DocumentsProcessed int                `json:"documents_processed"`
	DocumentsFailed    int                `json:"documents_failed"`
	DocumentsDeferred  int                `json:"documents_deferred"`
	Report             common.WriteReport `json:"report"`
}

// RunState summarizes the persisted run history.
type RunState struct {
	LastRun     *RunRecord `json:"last_run,omitempty"`
	LastSuccess *RunRecord `json:"last_success,omitempty"`
	Total       int64      `json:"total"`
	Succeeded   int64      `json:"succeeded"`
	Failed      int64      `json:"failed"`
}
