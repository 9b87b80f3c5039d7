// Package catalog resolves the latest published agent release, either from
// a local yaml file or from GitHub releases.
package catalog

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"
)

// ErrNoReleases means the catalog source holds no usable release.
var ErrNoReleases = errors.New("no releases in catalog")

// Release is one published agent build.
type Release struct {
	Version     string    `yaml:"version" json:"version"`
	DownloadURL string    `yaml:"download_url" json:"download_url"`
	Checksum    string    `yaml:"checksum" json:"checksum"`
	PublishedAt time.Time `yaml:"published_at" json:"published_at"`
}

// Catalog resolves the newest available release.
type Catalog interface {
	Latest(ctx context.Context) (*Release, error)
}

// CompareVersions orders two dotted version strings, ignoring a leading
// "v". Returns -1, 0, or 1. A missing segment counts as 0, so "1.2" and
// "1.2.0" are equal. Non-numeric segments compare lexically so pre-release
// suffixes do not panic, just sort oddly.
func CompareVersions(a, b string) int {
	as := strings.Split(strings.TrimPrefix(a, "v"), ".")
	bs := strings.Split(strings.TrimPrefix(b, "v"), ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		av, bv := "0", "0"
		if i < len(as) {
			av = as[i]
		}
		if i < len(bs) {
			bv = bs[i]
		}
		an, aerr := strconv.Atoi(av)
		bn, berr := strconv.Atoi(bv)
		switch {
		case aerr == nil && berr == nil:
			if an != bn {
				if an < bn {
					return -1
				}
				return 1
			}
		default:
			if av != bv {
				if av < bv {
					return -1
				}
				return 1
			}
		}
	}
	return 0
}

// IsNewer reports whether candidate is strictly newer than current.
func IsNewer(candidate, current string) bool {
	if candidate == "" {
		return false
	}
	if current == "" {
		return true
	}
	return CompareVersions(candidate, current) > 0
}
