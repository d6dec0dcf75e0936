package playback

import "testing"

func TestIdentity_TextPreferred(t *testing.T) {
	a := Identity("hello", "")
	b := Identity("hello", "https://cdn.example.com/a.mp3")
	if a != b {
		t.Errorf("identity should ignore URL when text is set: %q != %q", a, b)
	}
	if a == "" {
		t.Error("expected non-empty identity for text")
	}
}

func TestIdentity_DistinctTexts(t *testing.T) {
	if Identity("hello", "") == Identity("world", "") {
		t.Error("different texts should produce different identities")
	}
}

func TestIdentity_URLFallback(t *testing.T) {
	id := Identity("", "https://cdn.example.com/a.mp3")
	if id == "" {
		t.Error("expected non-empty identity for URL-only response")
	}
	if id == Identity("", "https://cdn.example.com/b.mp3") {
		t.Error("different URLs should produce different identities")
	}
}

func TestIdentity_Empty(t *testing.T) {
	if Identity("", "") != "" {
		t.Error("no text and no URL should yield empty identity")
	}
}

func TestLedger_DuplicateInFlight(t *testing.T) {
	l := NewLedger()
	if !l.Begin("a") {
		t.Fatal("first Begin should succeed")
	}
	if l.Begin("a") {
		t.Error("second Begin for the in-flight identity should be rejected")
	}
}

func TestLedger_DuplicateCompleted(t *testing.T) {
	l := NewLedger()
	l.Begin("a")
	l.Complete("a")
	if l.Begin("a") {
		t.Error("Begin for a completed identity should be rejected")
	}
	if l.Size() != 1 {
		t.Errorf("Size = %d, want 1", l.Size())
	}
}

func TestLedger_FailAllowsRetry(t *testing.T) {
	l := NewLedger()
	l.Begin("a")
	l.Fail("a")
	if !l.Begin("a") {
		t.Error("a failed identity should be admitted again")
	}
	if l.Size() != 0 {
		t.Errorf("Size = %d, want 0 after failure", l.Size())
	}
}

func TestLedger_EmptyIdentityNeverTracked(t *testing.T) {
	l := NewLedger()
	for range 3 {
		if !l.Begin("") {
			t.Error("empty identity should always be admitted")
		}
	}
	l.Complete("")
	if l.Size() != 0 {
		t.Errorf("Size = %d, want 0", l.Size())
	}
}

func TestLedger_InterleavedIdentities(t *testing.T) {
	l := NewLedger()
	if !l.Begin("a") {
		t.Fatal("Begin a")
	}
	// A different identity displaces the in-flight claim.
	if !l.Begin("b") {
		t.Fatal("Begin b should be admitted")
	}
	l.Complete("a")
	l.Complete("b")
	if l.Begin("a") || l.Begin("b") {
		t.Error("completed identities should stay rejected")
	}
}

func TestLedger_Reset(t *testing.T) {
	l := NewLedger()
	l.Begin("a")
	l.Complete("a")
	l.Begin("b")
	l.Reset()
	if !l.Begin("a") || !l.Begin("b") {
		t.Error("Reset should clear completed and in-flight identities")
	}
}
