package language

import (
	"strings"
	"testing"
)

func TestDetect_English(t *testing.T) {
	sample := "The quick brown fox jumps over the lazy dog while the narrator explains what is happening in plain English prose."
	if got := Detect(sample); got != "eng" {
		t.Errorf("Detect = %q, want eng", got)
	}
}

func TestDetect_Chinese(t *testing.T) {
	sample := strings.Repeat("这是一段用于语言识别测试的中文文本，内容足够长以便分类器可靠判断。", 3)
	if got := Detect(sample); got != "cmn" {
		t.Errorf("Detect = %q, want cmn", got)
	}
}

func TestDetect_ShortSampleIsUnknown(t *testing.T) {
	if got := Detect("too short"); got != Unknown {
		t.Errorf("Detect = %q, want %q", got, Unknown)
	}
	if got := Detect("   \n\t  "); got != Unknown {
		t.Errorf("Detect on whitespace = %q, want %q", got, Unknown)
	}
}

func TestDetect_TruncatesLongSamples(t *testing.T) {
	// A sample far past the cap still classifies; the cap only bounds work.
	sample := strings.Repeat("All work and no play makes for a very repetitive document indeed. ", 500)
	if got := Detect(sample); got != "eng" {
		t.Errorf("Detect = %q, want eng", got)
	}
}

func TestParamsFor_CJKEnders(t *testing.T) {
	p := ParamsFor("cmn")
	for _, r := range []rune{'。', '！', '？', '.'} {
		if !p.IsSentenceEnder(r) {
			t.Errorf("cmn params missing sentence ender %q", r)
		}
	}
}

func TestParamsFor_DefaultsToLatin(t *testing.T) {
	for _, tag := range []string{"eng", "deu", Unknown, "nosuch"} {
		p := ParamsFor(tag)
		if !p.IsSentenceEnder('.') || p.IsSentenceEnder('。') {
			t.Errorf("tag %q: unexpected sentence ender set", tag)
		}
	}
}
