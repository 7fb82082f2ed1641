package core

// VerdictKind is a terminal signal in agent output.
type VerdictKind string

const (
	VerdictAccepted    VerdictKind = "ACCEPTED"
	VerdictRejected    VerdictKind = "REJECTED"
	VerdictAllComplete VerdictKind = "ALL_FEATURES_COMPLETE"
)

// Verdict is a structured terminal signal parsed from agent output.
type Verdict struct {
	Kind    VerdictKind `json:"kind"`
	Reason  string      `json:"reason,omitempty"`  // REJECTED: trimmed reason text
	Summary string      `json:"summary,omitempty"` // ALL_FEATURES_COMPLETE summary
	Commits []string    `json:"commits,omitempty"` // ALL_FEATURES_COMPLETE commit list
}

// Accepted reports whether the verdict is an acceptance.
func (v *Verdict) Accepted() bool {
	return v != nil && v.Kind == VerdictAccepted
}

// QuotaStatus classifies a provider refusal.
type QuotaStatus string

const (
	QuotaRateLimited QuotaStatus = "RATE_LIMITED"
	QuotaExhausted   QuotaStatus = "QUOTA_EXHAUSTED"
)

// QuotaSignal is a parsed quota/rate-limit event. ResetAt is absolute; nil
// means no hint could be extracted and the default back-off applies.
type QuotaSignal struct {
	Status  QuotaStatus `json:"status"`
	ResetAt *Timestamp  `json:"resetAt,omitempty"`
}

// Telemetry is incremental token/cost usage reported by the agent stream.
type Telemetry struct {
	Tokens  int64   `json:"tokens"`
	CostUSD float64 `json:"costUsd"`
}
