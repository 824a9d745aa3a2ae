package core

import (
	"unicode/utf8"

	"lawbase.hk/legal-assistant/internal/store"
)

// TokenTally accumulates the cost of one request. Provider-reported usage
// and heuristic estimates are kept in separate buckets so an estimate is
// never silently billed as real usage; they are only combined, explicitly,
// in Billable.
type TokenTally struct {
	Reported  int64
	Estimated int64
}

func (t *TokenTally) AddReported(n int64)  { t.Reported += n }
func (t *TokenTally) AddEstimated(n int64) { t.Estimated += n }

// Billable is the total debited for the request.
func (t *TokenTally) Billable() int64 { return t.Reported + t.Estimated }

// EstimateTextTokens is the length heuristic used for the pre-check and as
// the fallback when a provider omits usage: ceil(characters / 4).
func EstimateTextTokens(text string) int64 {
	n := int64(utf8.RuneCountInString(text))
	return (n + 3) / 4
}

// FeatureOverheads are the fixed per-feature additions to the pre-check
// estimate, covering expected downstream model-call cost.
type FeatureOverheads struct {
	Search     int64
	QA         int64
	Consultant int64
}

type TokenAccountant struct {
	store     store.Store
	overheads FeatureOverheads
}

func NewTokenAccountant(st store.Store, overheads FeatureOverheads) *TokenAccountant {
	return &TokenAccountant{store: st, overheads: overheads}
}

// Estimate is a conservative gate figure, not a billing figure.
func (a *TokenAccountant) Estimate(text string, feature Feature) int64 {
	est := EstimateTextTokens(text)
	switch feature {
	case FeatureSearch:
		est += a.overheads.Search
	case FeatureQA:
		est += a.overheads.QA
	case FeatureConsultant:
		est += a.overheads.Consultant
	}
	return est
}

// HasSufficientBalance never returns an error; unlimited roles always pass.
func (a *TokenAccountant) HasSufficientBalance(p *Principal, estimated int64) bool {
	if p.Unlimited() {
		return true
	}
	return p.RemainingTokens >= estimated
}

// Debit atomically charges the principal and appends a ledger entry,
// returning the new remaining balance. A missing credit record surfaces as
// store.ErrAccountNotFound and is never retried.
func (a *TokenAccountant) Debit(p *Principal, feature Feature, tokens int64) (int64, error) {
	remaining, err := a.store.DebitTokens(p.UserID, string(feature), tokens)
	if err != nil {
		return 0, err
	}
	p.RemainingTokens = remaining
	return remaining, nil
}
