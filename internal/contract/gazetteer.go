package contract

import (
	"cmp"
	"regexp"
	"slices"
	"strings"
)

// City is a gazetteer entry. Name is canonical; aliases resolve to it.
type City struct {
	Name string  `json:"name"`
	Lat  float64 `json:"lat"`
	Lon  float64 `json:"lon"`
}

type alias struct {
	re   *regexp.Regexp
	name string
	city City
}

var gazetteer = buildGazetteer(map[City][]string{
	{"New York", 40.7128, -74.0060}:       {"new york", "nyc", "manhattan"},
	{"Los Angeles", 34.0522, -118.2437}:   {"los angeles", "la"},
	{"Chicago", 41.8781, -87.6298}:        {"chicago"},
	{"Miami", 25.7617, -80.1918}:          {"miami"},
	{"Houston", 29.7604, -95.3698}:        {"houston"},
	{"Phoenix", 33.4484, -112.0740}:       {"phoenix"},
	{"Denver", 39.7392, -104.9903}:        {"denver"},
	{"Seattle", 47.6062, -122.3321}:       {"seattle"},
	{"Boston", 42.3601, -71.0589}:         {"boston"},
	{"Atlanta", 33.7490, -84.3880}:        {"atlanta"},
	{"Washington DC", 38.9072, -77.0369}:  {"washington dc", "washington, dc", "washington d.c", "dc"},
	{"San Francisco", 37.7749, -122.4194}: {"san francisco", "sf"},
	{"Dallas", 32.7767, -96.7970}:         {"dallas"},
	{"London", 51.5074, -0.1278}:          {"london"},
	{"Paris", 48.8566, 2.3522}:            {"paris"},
	{"Tokyo", 35.6762, 139.6503}:          {"tokyo"},
})

// buildGazetteer orders aliases longest first so "washington dc" wins over
// "dc".
func buildGazetteer(m map[City][]string) []alias {
	var out []alias
	for c, names := range m {
		for _, n := range names {
			out = append(out, alias{
				re:   regexp.MustCompile(`\b` + regexp.QuoteMeta(n) + `\b`),
				name: n,
				city: c,
			})
		}
	}
	slices.SortFunc(out, func(a, b alias) int {
		if c := cmp.Compare(len(b.name), len(a.name)); c != 0 {
			return c
		}
		return cmp.Compare(a.name, b.name)
	})
	return out
}

// FindCity returns the first known city named in text. Aliases match on
// word boundaries only.
func FindCity(text string) (City, bool) {
	lower := strings.ToLower(text)
	for _, a := range gazetteer {
		if a.re.MatchString(lower) {
			return a.city, true
		}
	}
	return City{}, false
}

// LookupCity resolves a canonical name or alias exactly.
func LookupCity(name string) (City, bool) {
	lower := strings.ToLower(strings.TrimSpace(name))
	for _, a := range gazetteer {
		if a.name == lower || strings.ToLower(a.city.Name) == lower {
			return a.city, true
		}
	}
	return City{}, false
}
