package registry

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kjannette/cryptoprice-etl/internal/models"
)

// DefaultAssets is the tracked set when none is configured.
var DefaultAssets = []string{"bitcoin", "ethereum", "solana"}

// Builtin returns the metadata catalog shipped with the binary.
func Builtin() map[string]models.AssetMeta {
	return map[string]models.AssetMeta{
		"bitcoin":  {ID: "bitcoin", Symbol: "btc", Name: "Bitcoin"},
		"ethereum": {ID: "ethereum", Symbol: "eth", Name: "Ethereum"},
		"solana":   {ID: "solana", Symbol: "sol", Name: "Solana"},
	}
}

type UnknownAssetError struct {
	AssetID string
}

func (e *UnknownAssetError) Error() string {
	return fmt.Sprintf("unknown asset %q", e.AssetID)
}

// Registry is the immutable set of tracked assets. The zero value is empty.
type Registry struct {
	ids  []string
	meta map[string]models.AssetMeta
}

// New builds a registry for ids, resolving each against catalog. Every id
// must have catalog metadata, and the list must not be empty.
func New(ids []string, catalog map[string]models.AssetMeta) (*Registry, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("registry: no assets configured")
	}

	r := &Registry{meta: make(map[string]models.AssetMeta, len(ids))}
	for _, raw := range ids {
		id := strings.ToLower(strings.TrimSpace(raw))
		if id == "" {
			continue
		}
		if _, dup := r.meta[id]; dup {
			continue
		}
		m, ok := catalog[id]
		if !ok {
			return nil, &UnknownAssetError{AssetID: id}
		}
		m.ID = id
		r.ids = append(r.ids, id)
		r.meta[id] = m
	}
	if len(r.ids) == 0 {
		return nil, fmt.Errorf("registry: no assets configured")
	}
	return r, nil
}

func (r *Registry) Lookup(id string) (models.AssetMeta, error) {
	m, ok := r.meta[id]
	if !ok {
		return models.AssetMeta{}, &UnknownAssetError{AssetID: id}
	}
	return m, nil
}

// IDs returns the tracked asset ids in configured order.
func (r *Registry) IDs() []string {
	out := make([]string, len(r.ids))
	copy(out, r.ids)
	return out
}

func (r *Registry) Assets() []models.AssetMeta {
	out := make([]models.AssetMeta, 0, len(r.ids))
	for _, id := range r.ids {
		out = append(out, r.meta[id])
	}
	return out
}

func (r *Registry) Len() int { return len(r.ids) }

type catalogFile struct {
	Assets []models.AssetMeta `yaml:"assets"`
}

// LoadCatalog merges asset metadata from a YAML file over base. Entries in
// the file override builtin entries with the same id.
//
//	assets:
//	  - id: cardano
//	    symbol: ada
//	    name: Cardano
func LoadCatalog(path string, base map[string]models.AssetMeta) (map[string]models.AssetMeta, error) {
	out := make(map[string]models.AssetMeta, len(base))
	for k, v := range base {
		out[k] = v
	}
	if path == "" {
		return out, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read asset catalog: %w", err)
	}
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse asset catalog: %w", err)
	}
	for i, a := range f.Assets {
		id := strings.ToLower(strings.TrimSpace(a.ID))
		if id == "" || a.Symbol == "" || a.Name == "" {
			return nil, fmt.Errorf("asset catalog entry %d: id, symbol and name are required", i)
		}
		a.ID = id
		out[id] = a
	}
	return out, nil
}
