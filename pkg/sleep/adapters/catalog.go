package adapters

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/noctua-health/platform/pkg/common/config"
	"github.com/noctua-health/platform/pkg/common/models"
	"gopkg.in/yaml.v3"
)

// Vendor carries per-vendor deployment settings overridable from a catalog file.
type Vendor struct {
	BaseURL string `yaml:"base_url" json:"base_url"`
	Enabled *bool  `yaml:"enabled" json:"enabled"`
}

type Catalog struct {
	Vendors map[string]Vendor `yaml:"vendors" json:"vendors"`
}

// LoadCatalog builds the vendor catalog from config defaults, optionally
// overlaid with a yaml file when path is non-empty.
func LoadCatalog(path string, cfg *config.Config) (Catalog, error) {
	catalog := DefaultCatalog(cfg)
	if path == "" {
		return catalog, nil
	}

	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return catalog, err
	}

	var overlay Catalog
	if err := yaml.Unmarshal(content, &overlay); err != nil {
		return Catalog{}, err
	}
	if len(overlay.Vendors) == 0 {
		return Catalog{}, fmt.Errorf("vendor catalog empty")
	}

	for name, vendor := range overlay.Vendors {
		base := catalog.Vendors[name]
		if vendor.BaseURL != "" {
			base.BaseURL = vendor.BaseURL
		}
		if vendor.Enabled != nil {
			base.Enabled = vendor.Enabled
		}
		catalog.Vendors[name] = base
	}

	return catalog, nil
}

func DefaultCatalog(cfg *config.Config) Catalog {
	return Catalog{Vendors: map[string]Vendor{
		string(models.SourceOura):     {BaseURL: cfg.OuraBaseURL},
		string(models.SourceWithings): {BaseURL: cfg.WithingsBaseURL},
	}}
}

func (c Catalog) BaseURL(source string) string {
	return c.Vendors[source].BaseURL
}

// Enabled reports whether the source is active; vendors default to enabled
// unless the catalog disables them explicitly.
func (c Catalog) Enabled(source string) bool {
	vendor, ok := c.Vendors[source]
	if !ok {
		return false
	}
	return vendor.Enabled == nil || *vendor.Enabled
}
