package audit

import (
	"testing"
)

func TestChainHash_Deterministic(t *testing.T) {
	h1 := ChainHash("abc123", []byte(`{"action":"approved"}`))
	h2 := ChainHash("abc123", []byte(`{"action":"approved"}`))
	if h1 != h2 {
		t.Errorf("non-deterministic chain hash: %s != %s", h1, h2)
	}
}

func TestChainHash_DiffersWithDiffInput(t *testing.T) {
	if ChainHash("", []byte("a")) == ChainHash("", []byte("b")) {
		t.Error("different payloads should produce different hashes")
	}
	if ChainHash("x", []byte("a")) == ChainHash("y", []byte("a")) {
		t.Error("different prev hashes should produce different hashes")
	}
}

func chainedEvents(prevHash string, canons ...string) []Event {
	events := make([]Event, 0, len(canons))
	prev := prevHash
	for i, c := range canons {
		ev := Event{
			ID:       "e" + string(rune('1'+i)),
			Seq:      int64(i + 1),
			Canon:    []byte(c),
			PrevHash: prev,
		}
		ev.Hash = ChainHash(prev, ev.Canon)
		events = append(events, ev)
		prev = ev.Hash
	}
	return events
}

func TestVerifyChain_Valid(t *testing.T) {
	events := chainedEvents("", `{"event":1}`, `{"event":2}`, `{"event":3}`)
	if err := VerifyChain("", events); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestVerifyChain_MidSegment(t *testing.T) {
	events := chainedEvents("", `{"event":1}`, `{"event":2}`, `{"event":3}`)
	// Verify the tail segment against the hash it follows.
	if err := VerifyChain(events[0].Hash, events[1:]); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestVerifyChain_TamperedCanon(t *testing.T) {
	events := chainedEvents("", `{"event":1}`, `{"event":2}`)
	events[1].Canon = []byte(`{"event":"forged"}`)
	if err := VerifyChain("", events); err == nil {
		t.Fatal("expected chain verification to fail")
	}
}

func TestVerifyChain_BrokenLink(t *testing.T) {
	events := chainedEvents("", `{"event":1}`, `{"event":2}`)
	events[1].PrevHash = "tampered"
	if err := VerifyChain("", events); err == nil {
		t.Fatal("expected chain verification to fail")
	}
}
