package cookie

import (
	"strings"

	"github.com/JakeFAU/listing-crawler/internal/crawler"
)

// Pair is one parsed key=value entry of a cookie header string.
type Pair struct {
	Name  string
	Value string
}

// Pairs splits a cookie header string on ';' and returns the well-formed
// key=value entries in order. Entries without '=' or with an empty key are
// dropped.
func Pairs(raw string) []Pair {
	var out []Pair
	for _, part := range strings.Split(raw, ";") {
		part = strings.TrimSpace(part)
		name, value, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		out = append(out, Pair{Name: name, Value: strings.TrimSpace(value)})
	}
	return out
}

// ToBrowserCookies converts a cookie string into browser cookies scoped to
// domain, skipping names that carry device fingerprints.
func ToBrowserCookies(raw, domain string, filtered []string) []crawler.Cookie {
	skip := make(map[string]struct{}, len(filtered))
	for _, name := range filtered {
		skip[strings.ToLower(name)] = struct{}{}
	}
	var out []crawler.Cookie
	for _, p := range Pairs(raw) {
		if _, drop := skip[strings.ToLower(p.Name)]; drop {
			continue
		}
		out = append(out, crawler.Cookie{Name: p.Name, Value: p.Value, Domain: domain, Path: "/"})
	}
	return out
}
