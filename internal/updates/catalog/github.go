package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const githubTimeout = 15 * time.Second

// GitHubCatalog resolves the latest release of a GitHub repository.
type GitHubCatalog struct {
	owner  string
	repo   string
	asset  string // substring matched against asset names; empty takes the first asset
	client *http.Client
	apiURL string
}

// NewGitHubCatalog creates a catalog backed by the GitHub releases API.
func NewGitHubCatalog(owner, repo, assetMatch string) *GitHubCatalog {
	return &GitHubCatalog{
		owner:  owner,
		repo:   repo,
		asset:  assetMatch,
		client: &http.Client{Timeout: githubTimeout},
		apiURL: "https://api.github.com",
	}
}

type githubRelease struct {
	TagName     string    `json:"tag_name"`
	PublishedAt time.Time `json:"published_at"`
	Draft       bool      `json:"draft"`
	Prerelease  bool      `json:"prerelease"`
	Assets      []struct {
		Name               string `json:"name"`
		BrowserDownloadURL string `json:"browser_download_url"`
	} `json:"assets"`
}

// Latest fetches the repository's latest non-draft release.
func (c *GitHubCatalog) Latest(ctx context.Context) (*Release, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/releases/latest", c.apiURL, c.owner, c.repo)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch github release: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNoReleases
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("github releases API returned status %d", resp.StatusCode)
	}

	var rel githubRelease
	if err := json.NewDecoder(resp.Body).Decode(&rel); err != nil {
		return nil, fmt.Errorf("parse github release: %w", err)
	}
	if rel.Draft || rel.Prerelease || rel.TagName == "" {
		return nil, ErrNoReleases
	}

	out := &Release{
		Version:     strings.TrimPrefix(rel.TagName, "v"),
		PublishedAt: rel.PublishedAt,
	}
	for _, asset := range rel.Assets {
		if c.asset == "" || strings.Contains(asset.Name, c.asset) {
			out.DownloadURL = asset.BrowserDownloadURL
			break
		}
	}
	return out, nil
}
