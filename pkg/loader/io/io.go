package io

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/barokg/backend/pkg/loader"
)

// DirBackend reads record files from a local directory tree.
type DirBackend struct {
	root string
}

// NewDirBackend creates a backend rooted at dir.
func NewDirBackend(dir string) *DirBackend {
	return &DirBackend{root: dir}
}

// NewDirSource is a shortcut for a RecordSource over a local directory.
//
// Example:
//
//	src := io.NewDirSource("/var/lib/crawler/records")
//	docs, err := src.ListDocuments(ctx)
func NewDirSource(dir string) *loader.RecordSource {
	return loader.NewRecordSource(NewDirBackend(dir))
}

// List walks the directory. The version of a file is its size and
// modification time.
func (b *DirBackend) List(ctx context.Context) ([]loader.Object, error) {
	var objs []loader.Object
	err := filepath.WalkDir(b.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(b.root, path)
		if err != nil {
			return err
		}
		objs = append(objs, loader.Object{
			Key:     filepath.ToSlash(rel),
			Version: strconv.FormatInt(info.Size(), 10) + "-" + strconv.FormatInt(info.ModTime().UnixNano(), 10),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return objs, nil
}

func (b *DirBackend) Read(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return os.ReadFile(filepath.Join(b.root, filepath.FromSlash(key)))
}
