package transcript_test

import (
	"slices"
	"testing"

	"github.com/MrWong99/parley/internal/transcript"
)

func TestMatch_SplitWord(t *testing.T) {
	t.Parallel()

	v := transcript.NewVocabulary([]string{"Eldrinax", "Grimjaw", "Tower of Whispers"})

	corrected, conf, matched := v.Match("elder nacks")
	if !matched {
		t.Fatalf("Match(%q): matched=false, want true", "elder nacks")
	}
	if corrected != "Eldrinax" {
		t.Errorf("Match(%q): corrected=%q, want %q", "elder nacks", corrected, "Eldrinax")
	}
	if conf < 0.7 {
		t.Errorf("Match(%q): confidence=%f, want >= 0.7", "elder nacks", conf)
	}
}

func TestMatch_MultiWordTerm(t *testing.T) {
	t.Parallel()

	v := transcript.NewVocabulary([]string{"Tower of Whispers", "Eldrinax", "Grimjaw"})

	corrected, conf, matched := v.Match("tower of wispers")
	if !matched {
		t.Fatalf("Match(%q): matched=false, want true", "tower of wispers")
	}
	if corrected != "Tower of Whispers" {
		t.Errorf("Match(%q): corrected=%q, want %q", "tower of wispers", corrected, "Tower of Whispers")
	}
	if conf < 0.7 {
		t.Errorf("Match(%q): confidence=%f, want >= 0.7", "tower of wispers", conf)
	}
}

func TestMatch_Rejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		vocab  *transcript.Vocabulary
		phrase string
	}{
		{"unrelated word", transcript.NewVocabulary([]string{"Eldrinax", "Grimjaw"}), "hello"},
		{"empty vocabulary", transcript.NewVocabulary(nil), "eldrinax"},
		{"empty phrase", transcript.NewVocabulary([]string{"Eldrinax"}), ""},
		{
			"strict thresholds",
			transcript.NewVocabulary([]string{"Eldrinax"},
				transcript.WithPhoneticThreshold(0.99),
				transcript.WithFuzzyThreshold(0.99),
			),
			"elder nacks",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			corrected, conf, matched := tt.vocab.Match(tt.phrase)
			if matched {
				t.Fatalf("Match(%q): matched=true (%q), want false", tt.phrase, corrected)
			}
			if corrected != tt.phrase {
				t.Errorf("corrected: want %q, got %q", tt.phrase, corrected)
			}
			if conf != 0 {
				t.Errorf("confidence: want 0, got %f", conf)
			}
		})
	}
}

func TestMatch_CaseInsensitive(t *testing.T) {
	t.Parallel()

	v := transcript.NewVocabulary([]string{"Grimjaw", "Eldrinax"})

	corrected, _, matched := v.Match("ELDRINAX")
	if !matched || corrected != "Eldrinax" {
		t.Errorf("Match(%q): want Eldrinax, got %q (matched=%v)", "ELDRINAX", corrected, matched)
	}
	corrected, conf, matched := v.Match("grimjaw")
	if !matched || corrected != "Grimjaw" {
		t.Fatalf("Match(%q): want Grimjaw, got %q (matched=%v)", "grimjaw", corrected, matched)
	}
	if conf < 0.9 {
		t.Errorf("Match(%q): confidence=%f, want >= 0.9", "grimjaw", conf)
	}
}

func TestNewVocabulary_Dedupe(t *testing.T) {
	t.Parallel()

	v := transcript.NewVocabulary([]string{"Eldrinax", " ", "eldrinax", "Tower  of Whispers"})
	if v.Len() != 2 {
		t.Fatalf("Len: want 2, got %d", v.Len())
	}
	want := []string{"Eldrinax", "Tower of Whispers"}
	if got := v.Terms(); !slices.Equal(got, want) {
		t.Errorf("Terms: want %v, got %v", want, got)
	}

	var nilVocab *transcript.Vocabulary
	if nilVocab.Len() != 0 || nilVocab.Terms() != nil {
		t.Error("nil vocabulary should be empty")
	}
}
