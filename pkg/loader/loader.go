// Package loader reads the document records handed over by the crawler and
// the recognizer. A record is one JSON file holding a document and, once the
// recognizer has seen it, its mentions:
//
//	{
//		"document": {"id": "...", "url": "...", "raw_text": "...", "sentences": [...]},
//		"mentions": [{"text": "Ahmet Yılmaz", "label": "PER", "sentence_id": 0, "span": {"start": 0, "end": 12}}]
//	}
//
// A record without "mentions" has not been annotated yet; its mentions are
// reported as unavailable so the scheduler defers the document.
package loader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/barokg/backend/pkg/common"
	"github.com/barokg/backend/pkg/logger"

	"golang.org/x/sync/singleflight"
)

// Object is one stored record file. Version changes whenever the content
// does (modification time, ETag) and is part of the cache key.
type Object struct {
	Key     string
	Version string
}

// Backend lists and reads record files. Implementations exist for a local
// directory and for an S3 bucket.
type Backend interface {
	List(ctx context.Context) ([]Object, error)
	Read(ctx context.Context, key string) ([]byte, error)
}

type recordFile struct {
	Document common.Document   `json:"document"`
	Mentions *[]common.Mention `json:"mentions"`
	NERError string            `json:"ner_error,omitempty"`
}

type cachedRecord struct {
	doc       common.Document
	mentions  []common.Mention
	annotated bool
	nerError  string
}

// RecordSource serves documents and mentions from a Backend. Decoded
// records are cached by key and version, concurrent reads of the same
// record are collapsed.
type RecordSource struct {
	backend Backend

	cache   map[string]cachedRecord
	cacheMu sync.RWMutex
	group   singleflight.Group

	// document id -> cache key of the latest listing
	byID map[string]string
}

func NewRecordSource(backend Backend) *RecordSource {
	return &RecordSource{
		backend: backend,
		cache:   make(map[string]cachedRecord),
		byID:    make(map[string]string),
	}
}

// CacheKey combines the object key and its version.
func CacheKey(obj Object) string {
	return obj.Key + "@" + obj.Version
}

// ListDocuments reads every *.json record. Records that cannot be decoded
// are logged and left out; they will be picked up once fixed.
func (r *RecordSource) ListDocuments(ctx context.Context) ([]common.Document, error) {
	objs, err := r.backend.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}

	byID := make(map[string]string, len(objs))
	docs := make([]common.Document, 0, len(objs))
	for _, obj := range objs {
		if !strings.HasSuffix(obj.Key, ".json") {
			continue
		}
		rec, err := r.load(ctx, obj)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			logger.Warn("[Loader] Skipping record", "key", obj.Key, "err", err)
			continue
		}
		if prev, dup := byID[rec.doc.ID]; dup {
			logger.Warn("[Loader] Duplicate document id", "document", rec.doc.ID, "key", obj.Key, "previous", prev)
			continue
		}
		byID[rec.doc.ID] = CacheKey(obj)
		docs = append(docs, rec.doc)
	}

	live := make(map[string]bool, len(byID))
	for _, key := range byID {
		live[key] = true
	}
	r.cacheMu.Lock()
	r.byID = byID
	for key := range r.cache {
		if !live[key] {
			delete(r.cache, key)
		}
	}
	r.cacheMu.Unlock()

	return docs, nil
}

// Mentions returns the mentions of a document seen by the last
// ListDocuments call.
func (r *RecordSource) Mentions(ctx context.Context, doc common.Document) ([]common.Mention, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.cacheMu.RLock()
	key, ok := r.byID[doc.ID]
	rec, cached := r.cache[key]
	r.cacheMu.RUnlock()

	if !ok || !cached {
		return nil, fmt.Errorf("document %s: %w", doc.ID, common.ErrNotFound)
	}
	if !rec.annotated {
		reason := rec.nerError
		if reason == "" {
			reason = "no mentions recorded yet"
		}
		return nil, &common.ModelUnavailableError{DocumentID: doc.ID, Err: errors.New(reason)}
	}

	out := make([]common.Mention, len(rec.mentions))
	copy(out, rec.mentions)
	for i := range out {
		out[i].DocumentID = doc.ID
	}
	return out, nil
}

func (r *RecordSource) load(ctx context.Context, obj Object) (cachedRecord, error) {
	key := CacheKey(obj)

	r.cacheMu.RLock()
	if cached, ok := r.cache[key]; ok {
		r.cacheMu.RUnlock()
		return cached, nil
	}
	r.cacheMu.RUnlock()

	result, err, _ := r.group.Do(key, func() (any, error) {
		raw, err := r.backend.Read(ctx, obj.Key)
		if err != nil {
			return cachedRecord{}, err
		}
		rec, err := decode(raw)
		if err != nil {
			return cachedRecord{}, err
		}

		r.cacheMu.Lock()
		r.cache[key] = rec
		r.cacheMu.Unlock()
		return rec, nil
	})
	if err != nil {
		return cachedRecord{}, err
	}
	return result.(cachedRecord), nil
}

func decode(raw []byte) (cachedRecord, error) {
	var f recordFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return cachedRecord{}, fmt.Errorf("invalid record: %w", err)
	}
	if f.Document.ID == "" {
		return cachedRecord{}, errors.New("invalid record: document id is empty")
	}
	f.Document.EnsureHash()

	rec := cachedRecord{doc: f.Document, nerError: f.NERError}
	if f.Mentions != nil {
		rec.annotated = true
		rec.mentions = *f.Mentions
	}
	return rec, nil
}
