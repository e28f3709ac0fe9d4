package helpers

import "testing"

func TestSanitizeHTMLStrict_RemovesTagsAndScripts(t *testing.T) {
	input := `<p>Hello <strong>world</strong><script>alert('x')</script></p>`
	got := SanitizeHTMLStrict(input)
	want := "Hello world"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestSanitizeReviewText(t *testing.T) {
	input := "  Great <b>service</b>\n\n  &amp; fast\tapp \x07 "
	got := SanitizeReviewText(input)
	want := "Great service & fast app"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
	if SanitizeReviewText("   ") != "" {
		t.Fatalf("blank input should stay blank")
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("æøåæøå", 3); got != "æøå…" {
		t.Fatalf("unexpected %q", got)
	}
	if got := Truncate("short", 10); got != "short" {
		t.Fatalf("unexpected %q", got)
	}
}
