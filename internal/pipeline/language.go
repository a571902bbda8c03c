package pipeline

import "unicode"

// Supported language codes.
const (
	LangEnglish = "en"
	LangMyanmar = "my"
)

// DetectLanguage returns LangMyanmar when text contains any Myanmar script
// character and LangEnglish otherwise.
func DetectLanguage(text string) string {
	for _, r := range text {
		if unicode.Is(unicode.Myanmar, r) {
			return LangMyanmar
		}
	}
	return LangEnglish
}
