// Package updater performs a best-effort check against GitHub Releases so
// operators hear about new memgate versions in the server log. It never
// modifies the installed binary; deployments roll their own upgrades.
package updater

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	githubRepo = "coltonmb/memgate"
	releaseURL = "https://api.github.com/repos/" + githubRepo + "/releases/latest"

	checkTimeout = 10 * time.Second
)

// For testing: the release endpoint and client are overridable.
var (
	releaseEndpoint = releaseURL
	httpClient      = &http.Client{Timeout: checkTimeout}
)

type releaseInfo struct {
	TagName string `json:"tag_name"`
	HTMLURL string `json:"html_url"`
}

// Result reports the outcome of a version check.
type Result struct {
	CurrentVersion  string
	LatestVersion   string
	UpdateAvailable bool
	ReleaseURL      string
}

// CheckVersion queries GitHub for the latest release and compares it
// against the running version. Network failures are swallowed: the check is
// advisory and must never affect serving.
func CheckVersion(currentVersion string) *Result {
	result := &Result{CurrentVersion: normalizeVersion(currentVersion)}

	req, err := http.NewRequest(http.MethodGet, releaseEndpoint, nil)
	if err != nil {
		return result
	}
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	req.Header.Set("User-Agent", "memgate/"+currentVersion)

	resp, err := httpClient.Do(req)
	if err != nil {
		return result
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return result
	}

	var release releaseInfo
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		return result
	}

	result.LatestVersion = normalizeVersion(release.TagName)
	result.ReleaseURL = release.HTMLURL
	result.UpdateAvailable = isNewer(result.CurrentVersion, result.LatestVersion)
	return result
}

// normalizeVersion strips a leading "v" so tags and build versions compare.
func normalizeVersion(v string) string {
	return strings.TrimPrefix(strings.TrimSpace(v), "v")
}

// isNewer compares dotted numeric versions. A "dev" build never counts as
// outdated; unparsable segments compare as zero.
func isNewer(current, latest string) bool {
	if current == "dev" || current == "" || latest == "" {
		return false
	}
	cur := strings.Split(current, ".")
	lat := strings.Split(latest, ".")
	for i := 0; i < len(cur) || i < len(lat); i++ {
		c, l := 0, 0
		if i < len(cur) {
			c = parseIntSafe(cur[i])
		}
		if i < len(lat) {
			l = parseIntSafe(lat[i])
		}
		if l != c {
			return l > c
		}
	}
	return false
}

func parseIntSafe(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}
