package hashid

import "testing"

func TestSnippetIDDeterministic(t *testing.T) {
	th := TextHash("DPI: 16000, Weight: 63g")
	a := SnippetID("https://example.com/mouse", 120, 160, th, "html-v3", "chunker-v2")
	b := SnippetID("https://example.com/mouse", 120, 160, th, "html-v3", "chunker-v2")
	if a != b {
		t.Fatalf("expected stable snippet id, got %s vs %s", a, b)
	}
}

func TestSnippetIDChangesWithOffsets(t *testing.T) {
	th := TextHash("DPI: 16000")
	a := SnippetID("https://example.com/mouse", 0, 10, th, "html-v3", "chunker-v2")
	b := SnippetID("https://example.com/mouse", 10, 20, th, "html-v3", "chunker-v2")
	if a == b {
		t.Fatal("expected different offsets to produce different snippet ids")
	}
}

func TestSnippetIDStableAcrossReparseOfUnchangedDoc(t *testing.T) {
	text := "Sensor: HERO 2, Polling: 1000Hz"
	th1 := TextHash(text)
	th2 := TextHash(text)
	if th1 != th2 {
		t.Fatal("text hash must be stable for identical input")
	}
	id1 := SnippetID("https://example.com/p", 40, 72, th1, "html-v3", "chunker-v2")
	id2 := SnippetID("https://example.com/p", 40, 72, th2, "html-v3", "chunker-v2")
	if id1 != id2 {
		t.Fatal("expected idempotent snippet id across repeated parse of unchanged document")
	}
}

func TestFactIDDistinguishesRowsWithSameKey(t *testing.T) {
	a := FactID("snip-1", "weight", 0)
	b := FactID("snip-1", "weight", 1)
	if a == b {
		t.Fatal("expected distinct fact ids for distinct row indexes")
	}
}
