package adapter

import (
	"strings"

	"karui-search/models"
)

// ImagePolicy filters site chrome out of image candidates.
type ImagePolicy struct {
	Exclude []string
	Include []string
	Max     int
}

// DefaultImagePolicy is shared by every site.
var DefaultImagePolicy = ImagePolicy{
	Exclude: []string{"btn_", "nav_", "menu_", "common/", "header", "logo", "icon", "arrow", "bullet", "button", "spacer", "banner"},
	Include: []string{"property", "bukken", "photo", "image", "gallery", "main"},
	Max:     models.MaxImages,
}

// Filter drops excluded and inline images, puts included ones first and
// caps the result. Order within each group is preserved.
func (p ImagePolicy) Filter(urls []string) []string {
	var preferred, rest []string
	seen := make(map[string]bool, len(urls))
	for _, u := range urls {
		u = strings.TrimSpace(u)
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		lower := strings.ToLower(u)
		if strings.HasPrefix(lower, "data:") || containsAny(lower, p.Exclude) {
			continue
		}
		if containsAny(lower, p.Include) {
			preferred = append(preferred, u)
		} else {
			rest = append(rest, u)
		}
	}
	out := append(preferred, rest...)
	if p.Max > 0 && len(out) > p.Max {
		out = out[:p.Max]
	}
	return out
}

func containsAny(s string, keywords []string) bool {
	for _, k := range keywords {
		if k != "" && strings.Contains(s, k) {
			return true
		}
	}
	return false
}
