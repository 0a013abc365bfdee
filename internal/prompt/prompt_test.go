package prompt

import (
	"strings"
	"testing"
)

func TestResolveOrder(t *testing.T) {
	org := Overrides{SlotIdentity: "org identity"}
	user := Overrides{SlotIdentity: "user identity"}

	if got := Resolve(SlotIdentity, user, org); got != "user identity" {
		t.Errorf("user override should win, got %q", got)
	}
	if got := Resolve(SlotIdentity, nil, org); got != "org identity" {
		t.Errorf("org override should apply, got %q", got)
	}
	if got := Resolve(SlotIdentity, nil, nil); got != defaults[SlotIdentity] {
		t.Errorf("default should apply, got %q", got)
	}
}

func TestResolveEmptyOverrideFallsThrough(t *testing.T) {
	user := Overrides{SlotStyle: "   "}
	org := Overrides{SlotStyle: "org style"}
	if got := Resolve(SlotStyle, user, org); got != "org style" {
		t.Errorf("blank user override should fall through to org, got %q", got)
	}
}

func TestSanitizeStripsControlChars(t *testing.T) {
	in := "keep\nthis\ttext\x00\x07\x1b[31m\x7f"
	got := Sanitize(in)
	if strings.ContainsAny(got, "\x00\x07\x1b\x7f") {
		t.Errorf("control chars survived: %q", got)
	}
	if !strings.Contains(got, "keep\nthis\ttext") {
		t.Errorf("newline/tab should survive: %q", got)
	}
}

func TestSanitizeLengthCap(t *testing.T) {
	in := strings.Repeat("a", MaxSlotLength+100)
	if got := Sanitize(in); len(got) != MaxSlotLength {
		t.Errorf("len = %d, want %d", len(got), MaxSlotLength)
	}
}

func TestBuildIncludesCatalogAndLanguage(t *testing.T) {
	out := Build(Params{
		CatalogSummary:   "- search: find things",
		ResponseLanguage: "fr",
	})
	if !strings.Contains(out, "- search: find things") {
		t.Error("catalog summary missing")
	}
	if !strings.Contains(out, `"fr"`) {
		t.Error("response language missing")
	}
	if !strings.Contains(out, "execute_code") {
		t.Error("tool guidance missing")
	}
}

func TestBuildEmptyCatalog(t *testing.T) {
	out := Build(Params{})
	if !strings.Contains(out, "No tools are currently available.") {
		t.Error("empty-catalog line missing")
	}
}

func TestBuildOverrideReplacesSlot(t *testing.T) {
	out := Build(Params{
		OrgOverrides: Overrides{SlotStyle: "Always answer in haiku."},
	})
	if !strings.Contains(out, "Always answer in haiku.") {
		t.Error("override not applied")
	}
	if strings.Contains(out, defaults[SlotStyle]) {
		t.Error("default style should be replaced")
	}
}
