// Package script classifies the dominant writing system of a transcript and
// decides whether transliteration is actually needed before comparison.
package script

import (
	"strings"
	"unicode"

	"github.com/sauravm/transcript-judge/internal/model"
)

type Script string

const (
	Devanagari Script = "devanagari"
	Romanized  Script = "romanized"
	English    Script = "english"
	Unknown    Script = "unknown"
)

// Common Hindi words as they appear in roman transliteration. Latin text
// containing enough of these is romanized Hindi rather than English.
var romanHindiMarkers = map[string]struct{}{
	"hai": {}, "hain": {}, "nahi": {}, "nahin": {}, "kya": {}, "aur": {},
	"mein": {}, "main": {}, "tum": {}, "aap": {}, "hum": {}, "yeh": {},
	"woh": {}, "kaise": {}, "kyun": {}, "acha": {}, "accha": {}, "theek": {},
	"haan": {}, "bhi": {}, "tha": {}, "thi": {}, "raha": {}, "rahi": {},
	"karo": {}, "karna": {}, "hoga": {}, "gaya": {}, "wala": {}, "ji": {},
}

type Detection struct {
	PrimaryScript Script
}

// DetectTranscriptScript classifies the dominant script of a transcript by
// rune counting, falling back to a roman-Hindi word heuristic for Latin text.
func DetectTranscriptScript(t *model.Transcript) Detection {
	return Detection{PrimaryScript: DetectText(t.PlainText())}
}

func DetectText(text string) Script {
	var devanagari, latin int
	for _, r := range text {
		switch {
		case unicode.Is(unicode.Devanagari, r):
			devanagari++
		case unicode.IsLetter(r) && r < 0x250:
			latin++
		}
	}
	total := devanagari + latin
	if total == 0 {
		return Unknown
	}
	if devanagari > latin {
		return Devanagari
	}
	if isRomanHindi(text) {
		return Romanized
	}
	return English
}

func isRomanHindi(text string) bool {
	words := strings.Fields(strings.ToLower(text))
	if len(words) == 0 {
		return false
	}
	hits := 0
	for _, w := range words {
		w = strings.Trim(w, ".,!?;:\"'()-")
		if _, ok := romanHindiMarkers[w]; ok {
			hits++
		}
	}
	// one marker in twenty words is already a strong signal
	return hits*20 >= len(words) && hits > 0
}

// Family groups scripts into writing-system families: devanagari stands
// alone, everything Latin-based is roman.
func Family(s Script) string {
	if s == Devanagari {
		return "devanagari"
	}
	return "roman"
}

// TargetScript picks the normalization target. An explicit preference wins;
// otherwise a pure "hindi" language hint infers devanagari and anything else
// (including "hinglish") infers roman.
func TargetScript(preference, languageHint string) Script {
	switch strings.ToLower(strings.TrimSpace(preference)) {
	case string(Devanagari):
		return Devanagari
	case string(Romanized), "roman":
		return Romanized
	case string(English):
		return English
	}
	if strings.EqualFold(strings.TrimSpace(languageHint), "hindi") {
		return Devanagari
	}
	return Romanized
}
