package teamcity

import (
	"fmt"
	"net/url"
	"strings"
)

// JoinURL appends path segments to base, normalizing the slashes between
// them.
func JoinURL(base string, paths ...string) string {
	var b strings.Builder

	b.WriteString(base)

	for _, p := range paths {
		p = strings.TrimLeft(p, "/")

		if !strings.HasSuffix(b.String(), "/") {
			b.WriteByte('/')
		}

		b.WriteString(p)
	}

	return b.String()
}

// summaryURL is the locator form stored on build summaries,
// <instance>/app/rest/builds?locator=id:<id>.
func summaryURL(instanceURL string, id int64) string {
	return fmt.Sprintf("%s?locator=id:%d", JoinURL(instanceURL, buildsPath), id)
}

// FormatBuildURL turns a summary URL such as ".../builds?locator=id:42" into
// the path form ".../builds/id:42".
func FormatBuildURL(summary string) (string, error) {
	base, query, ok := strings.Cut(summary, "?")
	if !ok {
		return "", fmt.Errorf("build url %q has no locator", summary)
	}

	_, locator, ok := strings.Cut(query, "=")
	if !ok || locator == "" {
		return "", fmt.Errorf("build url %q has no locator value", summary)
	}

	return base + "/" + locator, nil
}

// RebuildURL combines the scheme and credentials of instanceURL with the
// host, port and path of buildURL. Build URLs reported by TeamCity lack the
// user info the instance was configured with. The query is dropped.
func RebuildURL(buildURL, instanceURL string) (string, error) {
	instance, err := url.Parse(instanceURL)
	if err != nil {
		return "", fmt.Errorf("parsing instance url: %w", err)
	}

	// A literal '+' is part of the name, not an encoded space.
	decoded, err := url.QueryUnescape(strings.ReplaceAll(buildURL, "+", "%2B"))
	if err != nil {
		return "", fmt.Errorf("decoding build url: %w", err)
	}

	build, err := url.Parse(decoded)
	if err != nil {
		return "", fmt.Errorf("parsing build url: %w", err)
	}

	if build.Host == "" {
		return "", fmt.Errorf("build url %q has no host", buildURL)
	}

	rebuilt := url.URL{
		Scheme: instance.Scheme,
		User:   instance.User,
		Host:   build.Host,
		Path:   build.Path,
	}

	return rebuilt.String(), nil
}
