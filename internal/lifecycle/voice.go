package lifecycle

import "strings"

// Age groups accepted on pending sessions.
const (
	AgeChild = "child"
	AgeTeen  = "teen"
	AgeAdult = "adult"
)

// voiceTable maps a base language and age group to a prebuilt synthesis
// voice. The "" language row is the fallback for any language.
var voiceTable = map[string]map[string]string{
	"": {
		AgeChild: "Leda",
		AgeTeen:  "Puck",
		AgeAdult: "Kore",
	},
	"es": {
		AgeChild: "Aoede",
		AgeTeen:  "Puck",
		AgeAdult: "Charon",
	},
	"fr": {
		AgeChild: "Leda",
		AgeTeen:  "Fenrir",
		AgeAdult: "Aoede",
	},
	"de": {
		AgeChild: "Leda",
		AgeTeen:  "Puck",
		AgeAdult: "Orus",
	},
}

// SelectVoice derives the synthesis voice from a BCP-47 language tag and an
// age group. Unknown languages and age groups fall back to defaults.
func SelectVoice(language, ageGroup string) string {
	base, _, _ := strings.Cut(strings.ToLower(strings.TrimSpace(language)), "-")
	age := NormalizeAgeGroup(ageGroup)

	if row, ok := voiceTable[base]; ok {
		if v, ok := row[age]; ok {
			return v
		}
	}
	return voiceTable[""][age]
}

// NormalizeAgeGroup maps unknown or empty values to AgeAdult.
func NormalizeAgeGroup(ageGroup string) string {
	switch g := strings.ToLower(strings.TrimSpace(ageGroup)); g {
	case AgeChild, AgeTeen:
		return g
	default:
		return AgeAdult
	}
}
