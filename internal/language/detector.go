// Package language classifies extracted text into a language tag and maps
// the tag to chunking parameters. Detection runs once per document on an
// aggregate sample, not per chunk.
package language

import (
	"strings"

	"github.com/abadojack/whatlanggo"
)

// Unknown is the fallback tag when the sample is too short or detection
// confidence is below threshold.
const Unknown = "unknown"

const (
	// minSampleRunes is the shortest sample worth classifying.
	minSampleRunes = 40

	// maxSampleRunes bounds the text handed to the detector; the opening
	// pages are representative enough.
	maxSampleRunes = 4000
)

// Detect returns an ISO 639-3 language tag for the given text sample, or
// Unknown when the sample is too short or classified with low confidence.
// Pure function of its input.
func Detect(sample string) string {
	sample = strings.TrimSpace(sample)
	runes := []rune(sample)
	if len(runes) < minSampleRunes {
		return Unknown
	}
	if len(runes) > maxSampleRunes {
		sample = string(runes[:maxSampleRunes])
	}

	info := whatlanggo.Detect(sample)
	if !info.IsReliable() {
		return Unknown
	}
	return whatlanggo.LangToString(info.Lang)
}

// Params holds the language-dependent chunking heuristics.
type Params struct {
	// SentenceEnders are the runes treated as sentence boundaries when the
	// chunker needs to force a split.
	SentenceEnders []rune
}

// latinEnders covers Latin, Cyrillic and most alphabetic scripts.
var latinEnders = []rune{'.', '!', '?'}

// cjkEnders adds fullwidth terminators used by Chinese, Japanese and Korean.
var cjkEnders = []rune{'。', '！', '？', '.', '!', '?'}

// cjkTags are the ISO 639-3 codes whatlanggo emits for CJK languages.
var cjkTags = map[string]bool{
	"cmn": true,
	"jpn": true,
	"kor": true,
}

// ParamsFor returns the chunking parameters for a detected language tag.
// Unrecognized tags get the Latin-script defaults.
func ParamsFor(tag string) Params {
	if cjkTags[tag] {
		return Params{SentenceEnders: cjkEnders}
	}
	return Params{SentenceEnders: latinEnders}
}

// IsSentenceEnder reports whether r terminates a sentence under p.
func (p Params) IsSentenceEnder(r rune) bool {
	for _, e := range p.SentenceEnders {
		if r == e {
			return true
		}
	}
	return false
}
