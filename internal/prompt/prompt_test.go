package prompt

import (
	"strings"
	"testing"
	"time"
)

func TestSystemPrompt(t *testing.T) {
	now := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

	got := SystemPrompt("", now)
	for _, want := range []string{"searchForum", "grepForum", "webSearch", "Cite sources", "2026-05-04"} {
		if !strings.Contains(got, want) {
			t.Errorf("default prompt missing %q", want)
		}
	}

	got = SystemPrompt("  Be brief.  ", now)
	if !strings.HasPrefix(got, "Be brief.") || strings.Contains(got, "searchForum") {
		t.Errorf("override prompt = %q", got)
	}
	if !strings.HasSuffix(got, "Today's date is 2026-05-04.") {
		t.Errorf("override prompt missing date: %q", got)
	}
}

func TestUserPrompt(t *testing.T) {
	got := UserPrompt(" why? ", []string{"", "[shot.png](https://x/shot.png)"})
	if got != "why?\n[shot.png](https://x/shot.png)" {
		t.Errorf("UserPrompt = %q", got)
	}
}
