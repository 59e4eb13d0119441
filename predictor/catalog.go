package predictor

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var catalogYAML []byte

type Checkpoint struct {
	File string `yaml:"file"`
	Path string `yaml:"path"`
}

// ModelEntry describes one model size: the architecture id and its two graph files.
type ModelEntry struct {
	Arch    string     `yaml:"arch"`
	Config  string     `yaml:"config"`
	Encoder Checkpoint `yaml:"encoder"`
	Decoder Checkpoint `yaml:"decoder"`
}

type Catalog struct {
	BaseURL string                `yaml:"base_url"`
	Models  map[string]ModelEntry `yaml:"models"`
}

// LoadCatalog parses the embedded catalog. A non-empty baseURL replaces the default host.
func LoadCatalog(baseURL string) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(catalogYAML, &c); err != nil {
		return nil, fmt.Errorf("parse model catalog: %w", err)
	}
	if baseURL != "" {
		c.BaseURL = baseURL
	}
	return &c, nil
}

func (c *Catalog) Lookup(size string) (ModelEntry, error) {
	e, ok := c.Models[size]
	if !ok {
		return ModelEntry{}, fmt.Errorf("invalid model size %q, expected one of %v", size, c.Sizes())
	}
	return e, nil
}

func (c *Catalog) Sizes() []string {
	sizes := make([]string, 0, len(c.Models))
	for k := range c.Models {
		sizes = append(sizes, k)
	}
	sort.Strings(sizes)
	return sizes
}

func (c *Catalog) URL(cp Checkpoint) string {
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(cp.Path, "/")
}
