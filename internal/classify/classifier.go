package classify

import (
	"net/url"
	"strings"
)

// Classification buckets intercepted requests into the partition policies
// the strategy engine understands.
type Classification string

const (
	// Bypass marks traffic the caching layer must not touch at all.
	Bypass Classification = "bypass"
	// StaticAsset covers images, fonts and other immutable media.
	StaticAsset Classification = "static-asset"
	// API covers calls to the WorkBeat REST API or any cross-origin host.
	API Classification = "api"
	// AppShell covers the navigable document shell and its build artifacts.
	AppShell Classification = "app-shell"
	// Other covers same-origin GETs that match no specific rule.
	Other Classification = "other"
)

var staticExtensions = []string{
	".svg", ".png", ".jpg", ".jpeg", ".gif", ".webp", ".ico", ".woff", ".woff2",
}

var shellExtensions = []string{
	".html", ".css", ".js", ".ts", ".tsx",
}

// Classify maps one request onto a classification. Only http(s) GETs are
// considered; everything else bypasses the subsystem untouched. Rules are
// evaluated first-match-wins: static-asset, then api, then app-shell.
func Classify(method, rawURL, originHost string) Classification {
	if !strings.EqualFold(method, "GET") {
		return Bypass
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return Bypass
	}

	scheme := strings.ToLower(parsed.Scheme)
	if parsed.IsAbs() && scheme != "http" && scheme != "https" {
		return Bypass
	}

	path := parsed.Path
	if path == "" {
		path = "/"
	}

	if isStaticAsset(path) {
		return StaticAsset
	}

	if strings.HasPrefix(path, "/api/") ||
		(parsed.Host != "" && !strings.EqualFold(parsed.Host, originHost)) ||
		strings.Contains(path, "server/") {
		return API
	}

	if isAppShell(path) {
		return AppShell
	}

	return Other
}

func isStaticAsset(path string) bool {
	if strings.Contains(path, "/icons/") ||
		strings.Contains(path, "/splash/") ||
		strings.Contains(path, "/screenshots/") ||
		strings.Contains(path, "fonts") {
		return true
	}

	lower := strings.ToLower(path)
	for _, ext := range staticExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

func isAppShell(path string) bool {
	if path == "/" || strings.HasPrefix(path, "/static/") {
		return true
	}

	lower := strings.ToLower(path)
	for _, ext := range shellExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}
