package language

import (
	"slices"
	"strings"

	xlanguage "golang.org/x/text/language"
	"golang.org/x/text/language/display"
)

// aliases covers English names and ISO 639-2/B codes contributors commonly
// send in place of BCP 47 tags.
var aliases = map[string]string{
	"english":    "en",
	"spanish":    "es",
	"french":     "fr",
	"german":     "de",
	"italian":    "it",
	"portuguese": "pt",
	"japanese":   "ja",
	"korean":     "ko",
	"chinese":    "zh",
	"russian":    "ru",
	"arabic":     "ar",
	"hindi":      "hi",
	"dutch":      "nl",
	"polish":     "pl",
	"swedish":    "sv",
	"danish":     "da",
	"norwegian":  "no",
	"finnish":    "fi",
	"fre":        "fr",
	"ger":        "de",
	"chi":        "zh",
	"dut":        "nl",
}

// Normalize maps a BCP 47 tag, ISO 639 code, or English language name to
// its base language subtag, which is the ISO 639-1 code when one exists.
// Regions and scripts are dropped. Unrecognized input returns "".
func Normalize(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" {
		return ""
	}
	if code, ok := aliases[value]; ok {
		return code
	}
	tag, err := xlanguage.Parse(value)
	if err != nil {
		return ""
	}
	base, confidence := tag.Base()
	if confidence == xlanguage.No || base.String() == "und" {
		return ""
	}
	return base.String()
}

// ToISO3 returns the ISO 639-2/T code, or "und" when value is unrecognized.
func ToISO3(value string) string {
	code := Normalize(value)
	if code == "" {
		return "und"
	}
	base, err := xlanguage.ParseBase(code)
	if err != nil {
		return "und"
	}
	return base.ISO3()
}

// DisplayName returns the English name of a language. Empty input yields
// "Unknown"; unrecognized input is returned uppercased.
func DisplayName(value string) string {
	if strings.TrimSpace(value) == "" {
		return "Unknown"
	}
	code := Normalize(value)
	if code == "" {
		return strings.ToUpper(strings.TrimSpace(value))
	}
	if name := display.English.Languages().Name(xlanguage.Make(code)); name != "" {
		return name
	}
	return strings.ToUpper(code)
}

// NormalizeList normalizes, deduplicates, and sorts codes. Unrecognized
// entries are kept lowercased so nothing silently disappears.
func NormalizeList(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, 0, len(values))
	for _, v := range values {
		code := Normalize(v)
		if code == "" {
			code = strings.ToLower(strings.TrimSpace(v))
		}
		if code == "" {
			continue
		}
		out = append(out, code)
	}
	slices.Sort(out)
	return slices.Compact(out)
}
