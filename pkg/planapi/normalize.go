package planapi

import (
	"fmt"
	"net/url"
	"strings"
)

// NormalizeAPIBase ensures a consistent API base: lower-case host, no
// trailing slash, https when the scheme is missing. The {school} placeholder
// is substituted with schoolID.
func NormalizeAPIBase(base, schoolID string) (string, error) {
	s := strings.TrimSpace(base)
	if s == "" {
		return "", fmt.Errorf("api base is empty")
	}
	s = strings.ReplaceAll(s, "{school}", url.PathEscape(schoolID))
	if !strings.Contains(s, "://") {
		s = "https://" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return "", fmt.Errorf("parse api base %q: %w", base, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("api base %q has no host", base)
	}
	u.Host = strings.ToLower(u.Host)
	if u.Scheme == "http" && u.Port() == "80" {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" && u.Port() == "443" {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}
	u.Path = strings.TrimRight(u.Path, "/")
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}
