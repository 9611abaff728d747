package hts

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownCountry is returned when a country string has no alias entry.
var ErrUnknownCountry = errors.New("hts: unknown country")

// countryAliases maps lowercased names, ISO-3 codes, and common aliases to
// ISO-2 codes. ISO-2 inputs pass through after validation against the
// value set. Extend via RegisterCountryAlias for deployment-specific names.
var countryAliases = map[string]string{
	"china":          "CN",
	"chn":            "CN",
	"prc":            "CN",
	"people's republic of china": "CN",
	"hong kong":      "HK",
	"hkg":            "HK",
	"taiwan":         "TW",
	"twn":            "TW",
	"mexico":         "MX",
	"mex":            "MX",
	"canada":         "CA",
	"can":            "CA",
	"japan":          "JP",
	"jpn":            "JP",
	"germany":        "DE",
	"deu":            "DE",
	"vietnam":        "VN",
	"viet nam":       "VN",
	"vnm":            "VN",
	"south korea":    "KR",
	"korea":          "KR",
	"republic of korea": "KR",
	"kor":            "KR",
	"india":          "IN",
	"ind":            "IN",
	"united kingdom": "GB",
	"gbr":            "GB",
	"uk":             "GB",
	"thailand":       "TH",
	"tha":            "TH",
	"malaysia":       "MY",
	"mys":            "MY",
	"united states":  "US",
	"usa":            "US",
	"united states of america": "US",
}

// iso2 holds the known two-letter codes so raw ISO-2 input validates
// instead of passing through unchecked.
var iso2 = func() map[string]bool {
	m := make(map[string]bool, len(countryAliases))
	for _, v := range countryAliases {
		m[v] = true
	}
	return m
}()

// NormalizeCountry resolves a country name, alias, ISO-2, or ISO-3 code to
// an ISO-2 code.
func NormalizeCountry(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("%w: empty country", ErrUnknownCountry)
	}
	if len(s) == 2 {
		up := strings.ToUpper(s)
		if iso2[up] {
			return up, nil
		}
	}
	if code, ok := countryAliases[strings.ToLower(s)]; ok {
		return code, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCountry, raw)
}

// RegisterCountryAlias adds an alias to the table. Intended for
// configuration-time setup, not concurrent use.
func RegisterCountryAlias(alias, isoCode string) {
	code := strings.ToUpper(isoCode)
	countryAliases[strings.ToLower(alias)] = code
	iso2[code] = true
}
