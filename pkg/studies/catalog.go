package studies

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/labcontrol-io/platform/pkg/common/logger"
	"gopkg.in/yaml.v3"
)

type CatalogEntry struct {
	Name                  string  `yaml:"name"`
	Technique             string  `yaml:"technique"`
	SampleType            string  `yaml:"sample_type"`
	SampleQuantity        string  `yaml:"sample_quantity"`
	SampleInstructions    string  `yaml:"sample_instructions"`
	ConservationTransport string  `yaml:"conservation_transport"`
	DelayDays             int     `yaml:"delay_days"`
	Price                 float64 `yaml:"price"`
}

type Catalog struct {
	Practices []CatalogEntry `yaml:"practices"`
}

func LoadCatalog(path string) (Catalog, error) {
	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return Catalog{}, err
	}
	var cat Catalog
	if err := yaml.Unmarshal(content, &cat); err != nil {
		return Catalog{}, err
	}
	if len(cat.Practices) == 0 {
		return Catalog{}, fmt.Errorf("practice catalog %s is empty", path)
	}
	for i, entry := range cat.Practices {
		if strings.TrimSpace(entry.Name) == "" {
			return Catalog{}, fmt.Errorf("practice catalog entry %d has no name", i)
		}
	}
	return cat, nil
}

// SeedCatalog loads the catalog into the practice table. Existing
// practices are refreshed by name, so the seeder can run on every
// deploy.
func (r *Repository) SeedCatalog(ctx context.Context, cat Catalog) (created, updated int, err error) {
	for _, entry := range cat.Practices {
		_, isNew, err := r.UpsertPractice(ctx, PracticeInput{
			Name:                  entry.Name,
			Technique:             entry.Technique,
			SampleType:            entry.SampleType,
			SampleQuantity:        entry.SampleQuantity,
			SampleInstructions:    entry.SampleInstructions,
			ConservationTransport: entry.ConservationTransport,
			DelayDays:             entry.DelayDays,
			Price:                 entry.Price,
		})
		if err != nil {
			return created, updated, fmt.Errorf("seeding practice %q: %w", entry.Name, err)
		}
		if isNew {
			created++
		} else {
			updated++
		}
		logger.Log.WithField("practice", entry.Name).Debug("seeded practice")
	}
	return created, updated, nil
}
