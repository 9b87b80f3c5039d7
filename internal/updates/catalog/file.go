package catalog

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// FileCatalog reads releases from a local yaml file. The file is re-read on
// every Latest call so operators can drop in new releases without a restart.
type FileCatalog struct {
	path string
}

// NewFileCatalog creates a catalog backed by the given yaml file.
func NewFileCatalog(path string) *FileCatalog {
	return &FileCatalog{path: path}
}

type catalogFile struct {
	Releases []Release `yaml:"releases"`
}

// Latest returns the newest release by version order.
func (c *FileCatalog) Latest(ctx context.Context) (*Release, error) {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return nil, fmt.Errorf("read release catalog: %w", err)
	}
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse release catalog: %w", err)
	}
	if len(file.Releases) == 0 {
		return nil, ErrNoReleases
	}

	latest := file.Releases[0]
	for _, r := range file.Releases[1:] {
		if IsNewer(r.Version, latest.Version) {
			latest = r
		}
	}
	return &latest, nil
}
