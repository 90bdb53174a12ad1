package engine

import (
	"net/url"
	"strings"
)

// knownAdaptiveHosts lists hosts whose direct media is conventionally served
// as an adaptive manifest rather than a single progressive file.
var knownAdaptiveHosts = map[string]bool{
	"twitch.tv":     true,
	"www.twitch.tv": true,
}

// LooksAdaptive implements C3's first decision-tree branch: a heuristic that
// a URL's direct media is an adaptive manifest, which must be handed off to
// the external extractor rather than range-fetched.
func LooksAdaptive(rawURL string) bool {
	lower := strings.ToLower(rawURL)
	if strings.Contains(lower, ".m3u8") || strings.Contains(lower, "/manifest") || strings.Contains(lower, "playlist") {
		return true
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return knownAdaptiveHosts[strings.ToLower(u.Hostname())]
}
