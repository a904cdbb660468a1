package citations

import (
	"strings"
	"testing"
)

func TestParseNoCitationsSection(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{name: "plain text", input: "The report covers three quarters of growth."},
		{name: "empty string", input: ""},
		{name: "brackets without trailer", input: "Point one [1] and point two [2]."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Parse(tt.input)
			if got.Content != tt.input {
				t.Errorf("content = %q, want %q", got.Content, tt.input)
			}
			if got.HasCitations || len(got.Citations) != 0 {
				t.Errorf("expected no citations, got %d", len(got.Citations))
			}
		})
	}
}

func TestParseWellFormedSection(t *testing.T) {
	raw := "Summary line one [1].\nSummary line two [2].\n\nCITATIONS:\n[1] \"first excerpt\"\n[2] \"second excerpt\"\n"

	got := Parse(raw)

	if strings.Contains(got.Content, "CITATIONS:") {
		t.Errorf("content still contains trailer: %q", got.Content)
	}
	if got.Content != "Summary line one [1].\nSummary line two [2]." {
		t.Errorf("unexpected content: %q", got.Content)
	}
	if !got.HasCitations || len(got.Citations) != 2 {
		t.Fatalf("expected 2 citations, got %d", len(got.Citations))
	}

	for i, want := range []struct {
		id   int
		text string
	}{{1, "first excerpt"}, {2, "second excerpt"}} {
		c := got.Citations[i]
		if c.ID != want.id || c.SourceText != want.text {
			t.Errorf("citation %d = {%d %q}, want {%d %q}", i, c.ID, c.SourceText, want.id, want.text)
		}
		if c.IsMatched || c.StartIndex != -1 || c.EndIndex != -1 || c.Confidence != 0 {
			t.Errorf("citation %d should be unmatched after parse: %+v", i, c)
		}
	}
}

func TestParseMarkerCaseInsensitive(t *testing.T) {
	for _, marker := range []string{"CITATIONS:", "Citations:", "citations:"} {
		raw := "Body text here.\n\n" + marker + "\n[1] \"quoted\""
		got := Parse(raw)
		if got.Content != "Body text here." {
			t.Errorf("marker %q: content = %q", marker, got.Content)
		}
		if len(got.Citations) != 1 {
			t.Errorf("marker %q: expected 1 citation, got %d", marker, len(got.Citations))
		}
	}
}

func TestParseMalformedEntries(t *testing.T) {
	tests := []struct {
		name      string
		section   string
		wantCount int
		wantIDs   []int
	}{
		{
			name:      "unquoted entry skipped",
			section:   "[1] \"good one\"\n[2] missing quotes here\n[3] \"good two\"",
			wantCount: 2,
			wantIDs:   []int{1, 3},
		},
		{
			name:      "empty section",
			section:   "",
			wantCount: 0,
		},
		{
			name:      "non-numeric bracket skipped",
			section:   "[a] \"nope\"\n[4] \"yes\"",
			wantCount: 1,
			wantIDs:   []int{4},
		},
		{
			name:      "duplicate ids preserved",
			section:   "[2] \"first\"\n[2] \"second\"",
			wantCount: 2,
			wantIDs:   []int{2, 2},
		},
		{
			name:      "non-sequential ids allowed",
			section:   "[7] \"seven\"\n[3] \"three\"",
			wantCount: 2,
			wantIDs:   []int{7, 3},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Parse("Content.\n\nCITATIONS:\n" + tt.section)
			if len(got.Citations) != tt.wantCount {
				t.Fatalf("expected %d citations, got %d: %+v", tt.wantCount, len(got.Citations), got.Citations)
			}
			for i, id := range tt.wantIDs {
				if got.Citations[i].ID != id {
					t.Errorf("citation %d id = %d, want %d", i, got.Citations[i].ID, id)
				}
			}
			if got.HasCitations != (tt.wantCount > 0) {
				t.Errorf("hasCitations = %v with %d citations", got.HasCitations, tt.wantCount)
			}
		})
	}
}

func TestParseTrimsExcerpts(t *testing.T) {
	got := Parse("Body.\n\nCITATIONS:\n[1] \"  padded excerpt  \"")
	if len(got.Citations) != 1 {
		t.Fatalf("expected 1 citation, got %d", len(got.Citations))
	}
	if got.Citations[0].SourceText != "padded excerpt" {
		t.Errorf("sourceText = %q, want trimmed", got.Citations[0].SourceText)
	}
}
