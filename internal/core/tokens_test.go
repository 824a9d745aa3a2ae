package core

import (
	"errors"
	"testing"

	"lawbase.hk/legal-assistant/internal/store"
)

var testOverheads = FeatureOverheads{Search: 1000, QA: 10000, Consultant: 5000}

func TestEstimateTextTokens(t *testing.T) {
	cases := []struct {
		text string
		want int64
	}{
		{"", 0},
		{"abcd", 1},
		{"abcde", 2},
		{"謀殺罪的最高刑罰", 2}, // 8 runes, not 24 bytes
	}
	for _, c := range cases {
		if got := EstimateTextTokens(c.text); got != c.want {
			t.Errorf("EstimateTextTokens(%q) = %d, want %d", c.text, got, c.want)
		}
	}
}

func TestEstimateAddsFeatureOverhead(t *testing.T) {
	a := NewTokenAccountant(nil, testOverheads)

	if got := a.Estimate("abcd", FeatureSearch); got != 1001 {
		t.Errorf("search estimate = %d, want 1001", got)
	}
	if got := a.Estimate("abcd", FeatureQA); got != 10001 {
		t.Errorf("qa estimate = %d, want 10001", got)
	}
	if got := a.Estimate("abcd", FeatureConsultant); got != 5001 {
		t.Errorf("consultant estimate = %d, want 5001", got)
	}
}

func TestHasSufficientBalance(t *testing.T) {
	a := NewTokenAccountant(nil, testOverheads)

	p := &Principal{Role: RoleStandard, RemainingTokens: 500}
	if a.HasSufficientBalance(p, 501) {
		t.Error("expected insufficient balance for 501 against 500")
	}
	if !a.HasSufficientBalance(p, 500) {
		t.Error("expected sufficient balance for exactly 500")
	}

	admin := &Principal{Role: RoleAdmin, RemainingTokens: 0}
	if !a.HasSufficientBalance(admin, 1_000_000) {
		t.Error("admin role must bypass the balance check")
	}
}

func TestDebitUpdatesBalanceExactly(t *testing.T) {
	s := newTestStore(t)
	user := newTestUser(t, s, RoleStandard, 10000)
	a := NewTokenAccountant(s, testOverheads)

	p := &Principal{UserID: user.ID, Role: user.Role, RemainingTokens: 10000}
	remaining, err := a.Debit(p, FeatureQA, 1234)
	if err != nil {
		t.Fatalf("debit: %v", err)
	}
	if remaining != 8766 {
		t.Errorf("remaining = %d, want 8766", remaining)
	}
	if p.RemainingTokens != 8766 {
		t.Errorf("principal snapshot not updated: %d", p.RemainingTokens)
	}

	remaining, err = a.Debit(p, FeatureQA, 66)
	if err != nil {
		t.Fatalf("second debit: %v", err)
	}
	if remaining != 8700 {
		t.Errorf("remaining after second debit = %d, want 8700", remaining)
	}
}

func TestDebitUnknownAccount(t *testing.T) {
	s := newTestStore(t)
	a := NewTokenAccountant(s, testOverheads)

	p := &Principal{UserID: 9999, Role: RoleStandard}
	_, err := a.Debit(p, FeatureSearch, 10)
	if !errors.Is(err, store.ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestTokenTallyKeepsBucketsApart(t *testing.T) {
	var tally TokenTally
	tally.AddReported(100)
	tally.AddEstimated(7)
	tally.AddReported(50)

	if tally.Reported != 150 || tally.Estimated != 7 {
		t.Errorf("tally = %+v, want Reported 150 / Estimated 7", tally)
	}
	if tally.Billable() != 157 {
		t.Errorf("billable = %d, want 157", tally.Billable())
	}
}
