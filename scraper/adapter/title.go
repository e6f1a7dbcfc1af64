package adapter

import (
	"strings"
	"unicode"

	"karui-search/services"
)

const shortLocationRunes = 15

// locationNoise are listing-type words some sites append to addresses.
var locationNoise = []string{"中古別荘", "新築別荘", "店舗付住宅", "土地"}

// GenerateTitle composes "[source] [type] [age] [price] - [short location]",
// skipping empty parts.
func GenerateTitle(source, typeLabel, age, price, location string) string {
	var parts []string
	for _, p := range []string{source, typeLabel, age, titlePrice(price)} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	title := strings.Join(parts, " ")
	if loc := ShortLocation(location); loc != "" {
		if title == "" {
			return loc
		}
		return title + " - " + loc
	}
	return title
}

func titlePrice(raw string) string {
	if v := services.ParsePrice(raw); v != nil {
		return services.FormatYen(*v)
	}
	return strings.TrimSpace(strings.TrimLeft(raw, "¥￥"))
}

// ShortLocation drops admin prefixes, a "| office" suffix, type words and
// spacing, and keeps the first 15 runes.
func ShortLocation(location string) string {
	if i := strings.IndexAny(location, "|｜"); i >= 0 {
		location = location[:i]
	}
	s := services.TrimAdminPrefixes(location)
	for _, w := range locationNoise {
		s = strings.ReplaceAll(s, w, "")
	}
	s = strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
	if r := []rune(s); len(r) > shortLocationRunes {
		s = string(r[:shortLocationRunes])
	}
	return s
}
