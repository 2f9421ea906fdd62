package version

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// ReleasesURL is the GitHub API endpoint for the latest release.
const ReleasesURL = "https://api.github.com/repos/StormyCloudInc/blockseek/releases/latest"

// Release describes a published release.
type Release struct {
	TagName string
	HTMLURL string
}

// Latest queries url for the latest release and returns it if it is newer
// than Version. It returns nil, nil when already up to date.
func Latest(ctx context.Context, url string) (*Release, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	req.Header.Set("User-Agent", "blockseek/"+Version)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("release check: status %d", resp.StatusCode)
	}

	var gh struct {
		TagName string `json:"tag_name"`
		HTMLURL string `json:"html_url"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&gh); err != nil {
		return nil, fmt.Errorf("parsing release response: %w", err)
	}
	if !IsNewer(gh.TagName, Version) {
		return nil, nil
	}
	return &Release{TagName: gh.TagName, HTMLURL: gh.HTMLURL}, nil
}

// IsNewer reports whether remote is a later "vMAJOR.MINOR.PATCH" than
// local. Dev builds never report an update.
func IsNewer(remote, local string) bool {
	if local == "dev" {
		return false
	}
	r, l := parse(remote), parse(local)
	if r == nil || l == nil {
		return false
	}
	for i := range 3 {
		if r[i] != l[i] {
			return r[i] > l[i]
		}
	}
	return false
}

func parse(v string) []int {
	parts := strings.SplitN(strings.TrimPrefix(v, "v"), ".", 3)
	if len(parts) != 3 {
		return nil
	}
	out := make([]int, 3)
	for i, p := range parts {
		if idx := strings.IndexByte(p, '-'); idx >= 0 {
			p = p[:idx]
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil
		}
		out[i] = n
	}
	return out
}
