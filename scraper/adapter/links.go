package adapter

import (
	"net/url"
	"strings"
)

// ResolveLink turns an href found on page into an absolute URL without a
// fragment. Pseudo links and bare anchors are rejected.
func ResolveLink(page *url.URL, href string) (string, bool) {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return "", false
	}
	lower := strings.ToLower(href)
	for _, scheme := range []string{"javascript:", "mailto:", "tel:", "data:", "fax:"} {
		if strings.HasPrefix(lower, scheme) {
			return "", false
		}
	}
	ref, err := url.Parse(href)
	if err != nil {
		return "", false
	}
	u := ref
	if page != nil {
		u = page.ResolveReference(ref)
	}
	u.Fragment = ""
	u.RawFragment = ""
	return u.String(), true
}

// IsListingURL reports whether raw can be a detail page of site: absolute
// http(s), on the same host, and not the site root or base URL.
func IsListingURL(site *url.URL, raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return false
	}
	if site == nil {
		return true
	}
	if bareHost(u.Host) != bareHost(site.Host) {
		return false
	}
	if (u.Path == "" || u.Path == "/") && u.RawQuery == "" {
		return false
	}
	if strings.TrimSuffix(u.Path, "/") == strings.TrimSuffix(site.Path, "/") && u.RawQuery == site.RawQuery {
		return false
	}
	return true
}

func bareHost(h string) string {
	return strings.TrimPrefix(strings.ToLower(h), "www.")
}
