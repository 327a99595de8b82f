package parser

import "regexp"

// languagePattern pairs a language code with its release-name regex.
// The order is fixed so detection results are deterministic.
type languagePattern struct {
	code string
	rx   *regexp.Regexp
}

var languagePatterns = []languagePattern{
	{"fr", regexp.MustCompile(`(?i)\b(FRENCH|FR|VF|VF2|VFF|TRUEFRENCH|VFQ|VFI|VOF)\b`)},
	{"en", regexp.MustCompile(`(?i)\b(ENGLISH|EN|ENG)\b`)},
	{"es", regexp.MustCompile(`(?i)\b(SPANISH|ES|ESP)\b`)},
	{"de", regexp.MustCompile(`(?i)\b(GERMAN|DE|GER)\b`)},
	{"it", regexp.MustCompile(`(?i)\b(ITALIAN|IT|ITA)\b`)},
	{"pt", regexp.MustCompile(`(?i)\b(PORTUGUESE|PT|POR)\b`)},
	{"ru", regexp.MustCompile(`(?i)\b(RUSSIAN|RU|RUS)\b`)},
	{"in", regexp.MustCompile(`(?i)\b(INDIAN|HINDI|TELUGU|TAMIL|KANNADA|MALAYALAM|PUNJABI|MARATHI|BENGALI|GUJARATI|URDU)\b`)},
	{"nl", regexp.MustCompile(`(?i)\b(DUTCH|NL|NLD)\b`)},
	{"hu", regexp.MustCompile(`(?i)\b(HUNGARIAN|HU|HUN)\b`)},
	{"la", regexp.MustCompile(`(?i)\b(LATIN|LATINO|LA)\b`)},
	{"multi", regexp.MustCompile(`(?i)\b(MULTI|MULTi|MULTILANG)\b`)},
}

// DetectLanguages returns all language codes found in a release name.
// When nothing matches it returns the default language.
func DetectLanguages(rawTitle, defaultLanguage string) []string {
	var languages []string
	for _, p := range languagePatterns {
		if p.rx.MatchString(rawTitle) {
			languages = append(languages, p.code)
		}
	}
	if len(languages) == 0 {
		return []string{defaultLanguage}
	}
	return languages
}
