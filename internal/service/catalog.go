package service

import (
	"fmt"
	"strings"

	"github.com/xxxsen/mpractice/internal/ai"
	"github.com/xxxsen/mpractice/internal/config"
	appErr "github.com/xxxsen/mpractice/internal/pkg/errors"
)

// MaxTurnModels caps how many models answer one turn.
const MaxTurnModels = 3

type CatalogEntry struct {
	Name          string
	Classes       []string
	PriceInPer1K  float64
	PriceOutPer1K float64
	Chat          ai.IChatModel
}

// Allows reports whether the entry may be used from classID. An entry
// without classes is open to every class.
func (e *CatalogEntry) Allows(classID string) bool {
	if len(e.Classes) == 0 {
		return true
	}
	for _, c := range e.Classes {
		if c == classID {
			return true
		}
	}
	return false
}

type Catalog struct {
	entries map[string]*CatalogEntry
	order   []string
}

// BuildProviders instantiates every configured provider account keyed by
// lower-cased name.
func BuildProviders(cfg config.AIConfig) (map[string]ai.IProvider, error) {
	out := make(map[string]ai.IProvider, len(cfg.Providers))
	for _, p := range cfg.Providers {
		provider, err := ai.NewProvider(p.Type, p.Data)
		if err != nil {
			return nil, fmt.Errorf("init ai provider %s: %w", p.Name, err)
		}
		out[strings.ToLower(p.Name)] = provider
	}
	return out, nil
}

func NewCatalog(models []config.ModelConfig, providers map[string]ai.IProvider) (*Catalog, error) {
	c := &Catalog{entries: make(map[string]*CatalogEntry, len(models))}
	for _, m := range models {
		provider, ok := providers[strings.ToLower(m.Provider)]
		if !ok {
			return nil, fmt.Errorf("model %s: provider %s not configured", m.Name, m.Provider)
		}
		if _, dup := c.entries[m.Name]; dup {
			return nil, fmt.Errorf("model %s listed twice", m.Name)
		}
		c.entries[m.Name] = &CatalogEntry{
			Name:          m.Name,
			Classes:       m.Classes,
			PriceInPer1K:  m.PriceInPer1K,
			PriceOutPer1K: m.PriceOutPer1K,
			Chat:          ai.NewChatModel(provider, m.Model),
		}
		c.order = append(c.order, m.Name)
	}
	return c, nil
}

func (c *Catalog) Get(name string) (*CatalogEntry, bool) {
	e, ok := c.entries[name]
	return e, ok
}

// Names lists the catalog in configuration order.
func (c *Catalog) Names() []string {
	return append([]string(nil), c.order...)
}

// Resolve validates a turn's model list against the catalog and the class the
// turn runs in. The count check comes first so an oversized list never
// reaches a lookup.
func (c *Catalog) Resolve(names []string, classID string) ([]*CatalogEntry, error) {
	if len(names) > MaxTurnModels {
		return nil, appErr.NewValidation("models", "at most %d models per turn, got %d", MaxTurnModels, len(names))
	}
	if len(names) == 0 {
		return nil, appErr.NewValidation("models", "at least one model is required")
	}
	seen := make(map[string]bool, len(names))
	out := make([]*CatalogEntry, 0, len(names))
	for _, name := range names {
		if seen[name] {
			return nil, appErr.NewValidation("models", "model %q listed twice", name)
		}
		seen[name] = true
		entry, ok := c.entries[name]
		if !ok {
			return nil, appErr.NewValidation("models", "model %q is not in the catalog", name)
		}
		if !entry.Allows(classID) {
			return nil, appErr.NewValidation("models", "model %q is not permitted for class %q", name, classID)
		}
		out = append(out, entry)
	}
	return out, nil
}

// ChatModel looks up an upstream model for helpers such as the rerank judge.
func (c *Catalog) ChatModel(name string) (ai.IChatModel, error) {
	entry, ok := c.entries[name]
	if !ok {
		return nil, appErr.NewConfiguration("model %q is not in the catalog", name)
	}
	return entry.Chat, nil
}
