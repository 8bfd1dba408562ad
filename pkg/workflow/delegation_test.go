package workflow

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestResolveActingApprover(t *testing.T) {
	at := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	covering := DelegationRule{ID: "dr-1", ApproverID: "maria", DelegateID: "dave",
		ActiveFrom: at.Add(-time.Hour), ActiveUntil: at.Add(time.Hour)}
	expired := DelegationRule{ID: "dr-2", ApproverID: "maria", DelegateID: "old",
		ActiveFrom: at.Add(-3 * time.Hour), ActiveUntil: at.Add(-2 * time.Hour)}
	future := DelegationRule{ID: "dr-3", ApproverID: "maria", DelegateID: "next",
		ActiveFrom: at.Add(time.Hour), ActiveUntil: at.Add(2 * time.Hour)}

	tests := []struct {
		name  string
		rules []DelegationRule
		want  string
	}{
		{"no rules returns self", nil, "maria"},
		{"one covering rule returns delegate", []DelegationRule{covering}, "dave"},
		{"expired and future rules are ignored", []DelegationRule{expired, future}, "maria"},
		{"covering rule among inactive ones wins", []DelegationRule{expired, covering, future}, "dave"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewResolver(&fakeRules{rules: tt.rules})
			got, err := r.ResolveActingApprover(context.Background(), "maria", at)
			if err != nil {
				t.Fatalf("resolve: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestResolveActingApproverOverlapIsAnError(t *testing.T) {
	at := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	r := NewResolver(&fakeRules{rules: []DelegationRule{
		{ID: "dr-1", ApproverID: "maria", DelegateID: "dave", ActiveFrom: at.Add(-time.Hour), ActiveUntil: at.Add(time.Hour)},
		{ID: "dr-2", ApproverID: "maria", DelegateID: "dina", ActiveFrom: at.Add(-time.Minute), ActiveUntil: at.Add(time.Minute)},
	}})

	_, err := r.ResolveActingApprover(context.Background(), "maria", at)
	var amb *AmbiguousDelegationError
	if !errors.As(err, &amb) {
		t.Fatalf("expected AmbiguousDelegationError, got %v", err)
	}
	if amb.ApproverID != "maria" || len(amb.RuleIDs) != 2 {
		t.Fatalf("unexpected error detail: %+v", amb)
	}
}

func TestDelegationWindowBoundaries(t *testing.T) {
	from := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)
	until := from.Add(24 * time.Hour)
	rule := DelegationRule{ActiveFrom: from, ActiveUntil: until}

	if !rule.Covers(from) {
		t.Error("window start should be covered")
	}
	if rule.Covers(until) {
		t.Error("window end is exclusive")
	}
	if rule.Covers(from.Add(-time.Nanosecond)) {
		t.Error("before window start should not be covered")
	}
}
