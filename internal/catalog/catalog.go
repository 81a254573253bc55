// Package catalog loads the model table: which providers host which
// models, how they are priced, and what they can do. Auto fallback picks
// its candidates from here.
package catalog

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Entry describes one routable model.
type Entry struct {
	Model string `yaml:"model"`
	// Providers lists the hosts serving this model, preferred first.
	Providers []string `yaml:"providers"`
	// PriceTier buckets cost per token, 1 = cheapest.
	PriceTier int `yaml:"price_tier"`
	// SpeedTier buckets latency, 1 = fastest.
	SpeedTier int `yaml:"speed_tier"`
	// Permissiveness ranks how rarely the model refuses; higher refuses
	// less.
	Permissiveness int `yaml:"permissiveness"`
	// StructuredOutput marks native json_schema support on the primary
	// host.
	StructuredOutput bool `yaml:"structured_output"`
}

// Primary returns the preferred hosting provider.
func (e Entry) Primary() string {
	if len(e.Providers) == 0 {
		return ""
	}
	return e.Providers[0]
}

// Hosts reports whether provider serves this model.
func (e Entry) Hosts(provider string) bool {
	for _, p := range e.Providers {
		if p == provider {
			return true
		}
	}
	return false
}

// Catalog is the loaded model table. Entries keep file order so every
// selection made from it is deterministic.
type Catalog struct {
	byModel map[string]Entry
	order   []string
}

type catalogFile struct {
	Models []Entry `yaml:"models"`
}

// Load reads and parses the catalog at path.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(data)
}

// Parse decodes catalog YAML.
func Parse(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if len(f.Models) == 0 {
		return nil, fmt.Errorf("catalog lists no models")
	}
	c := &Catalog{byModel: make(map[string]Entry, len(f.Models))}
	for _, e := range f.Models {
		if e.Model == "" {
			return nil, fmt.Errorf("catalog entry without a model id")
		}
		if len(e.Providers) == 0 {
			return nil, fmt.Errorf("catalog model %s: no hosting providers", e.Model)
		}
		if _, dup := c.byModel[e.Model]; dup {
			return nil, fmt.Errorf("catalog model %s: duplicate entry", e.Model)
		}
		c.byModel[e.Model] = e
		c.order = append(c.order, e.Model)
	}
	return c, nil
}

// Lookup returns the entry for model.
func (c *Catalog) Lookup(model string) (Entry, bool) {
	e, ok := c.byModel[model]
	return e, ok
}

// Entries returns all entries in file order.
func (c *Catalog) Entries() []Entry {
	out := make([]Entry, 0, len(c.order))
	for _, m := range c.order {
		out = append(out, c.byModel[m])
	}
	return out
}

// Models returns all model ids in file order.
func (c *Catalog) Models() []string {
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// CheckProviders rejects entries referencing a provider id the gateway
// has not registered.
func (c *Catalog) CheckProviders(known func(string) bool) error {
	for _, m := range c.order {
		for _, p := range c.byModel[m].Providers {
			if !known(p) {
				return fmt.Errorf("catalog model %s: unknown provider %q", m, p)
			}
		}
	}
	return nil
}
