package docctx

import (
	"context"
	"strings"
	"testing"
)

func TestStatic_ResolvesRankedChunks(t *testing.T) {
	t.Parallel()

	s := NewStatic(
		Chunk{DocumentID: "a", Index: 0, Rank: 0.2, Text: "low"},
		Chunk{DocumentID: "b", Index: 0, Rank: 0.9, Text: "high"},
		Chunk{DocumentID: "a", Index: 1, Rank: 0.5, Text: "mid"},
		Chunk{DocumentID: "c", Index: 0, Rank: 1.0, Text: "unrequested"},
	)
	got, err := s.Resolve(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"high", "mid", "low"}
	if len(got) != len(want) {
		t.Fatalf("got %d chunks, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].Text != want[i] {
			t.Errorf("chunk %d = %q, want %q", i, got[i].Text, want[i])
		}
	}

	var zero Static
	if got, _ := zero.Resolve(context.Background(), []string{"a"}); len(got) != 0 {
		t.Errorf("zero Static resolved %d chunks", len(got))
	}
}

func TestFormatInstructions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		profile  Profile
		chunks   []Chunk
		contains []string
		excludes []string
	}{
		{
			name:     "child spanish with material",
			profile:  Profile{Language: "es-MX", AgeGroup: "child"},
			chunks:   []Chunk{{Text: "  El gato duerme.  "}, {Text: ""}},
			contains: []string{"in Spanish", "The learner is a child", "## Reading Material", "- El gato duerme."},
		},
		{
			name:     "adult default without material",
			profile:  Profile{},
			contains: []string{"in English", "The learner is an adult."},
			excludes: []string{"Reading Material"},
		},
		{
			name:     "unknown language tag is used verbatim",
			profile:  Profile{Language: "sw", AgeGroup: "teen"},
			contains: []string{"in sw", "teenager"},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := FormatInstructions(tc.profile, tc.chunks)
			for _, s := range tc.contains {
				if !strings.Contains(got, s) {
					t.Errorf("missing %q in:\n%s", s, got)
				}
			}
			for _, s := range tc.excludes {
				if strings.Contains(got, s) {
					t.Errorf("unexpected %q in:\n%s", s, got)
				}
			}
		})
	}
}

func TestFormatInstructions_BoundsMaterial(t *testing.T) {
	t.Parallel()

	big := strings.Repeat("x", maxContextChars-10)
	got := FormatInstructions(Profile{Language: "fr"}, []Chunk{{Text: big}, {Text: "second chunk that does not fit"}})
	if !strings.Contains(got, big) {
		t.Fatal("first chunk missing")
	}
	if strings.Contains(got, "second chunk") {
		t.Fatal("material exceeded the bound")
	}
}
