package filestore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"

	"github.com/xxxsen/mpractice/internal/config"
)

// Store keeps the original bytes of uploaded documents so a document can be
// ingested again later. Keys are flat names such as "<document id>.pdf".
type Store interface {
	Type() string
	Save(ctx context.Context, key string, r io.Reader, size int64) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

// Factory builds a store from the raw "data" object of the file_store config.
type Factory func(args interface{}) (Store, error)

var backends sync.Map // normalized type -> Factory

func normalizeType(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func Register(name string, factory Factory) {
	if key := normalizeType(name); key != "" && factory != nil {
		backends.Store(key, factory)
	}
}

func New(cfg config.FileStoreConfig) (Store, error) {
	kind := normalizeType(cfg.Type)
	if kind == "" {
		return nil, fmt.Errorf("file_store.type is required")
	}
	v, ok := backends.Load(kind)
	if !ok {
		return nil, fmt.Errorf("no file store backend named %q", cfg.Type)
	}
	st, err := v.(Factory)(cfg.Data)
	if err != nil {
		return nil, fmt.Errorf("init %s file store: %w", kind, err)
	}
	return st, nil
}

// validKey accepts a single path element only.
func validKey(key string) error {
	if key == "" || key == "." || strings.Contains(key, "..") || strings.ContainsAny(key, `/\`) || path.Base(key) != key {
		return fmt.Errorf("invalid file key %q", key)
	}
	return nil
}

// decodeArgs re-encodes the loosely typed config value into dst.
func decodeArgs(args interface{}, dst interface{}) error {
	if args == nil {
		return fmt.Errorf("missing file_store.data")
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}
