// Package verify provides the post-hoc consistency check for the
// signup-with-referral flow. It asks the backend which of the expected side
// effects of a registration were actually written and reports a structured
// diagnosis. It never mutates anything.
package verify

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/consultahub/portal-client-go/internal/gateway"
)

// Report lists the expected side effects of a signup-with-referral flow.
// Complete is true only when every expected row was confirmed. When
// FailureReason is non-empty the check itself failed: the fields are all
// false because nothing could be verified, not because the rows are missing.
type Report struct {
	UserID            string    `json:"userId"`
	UserRow           bool      `json:"userRow"`
	ProfileRow        bool      `json:"profileRow"`
	WalletRows        bool      `json:"walletRows"`
	ReferralRow       bool      `json:"referralRow"`
	BonusTransactions bool      `json:"bonusTransactions"`
	BalanceUpdated    bool      `json:"balanceUpdated"`
	AuditRow          bool      `json:"auditRow"`
	Complete          bool      `json:"complete"`
	FailureReason     string    `json:"failureReason,omitempty"`
	CheckedAt         time.Time `json:"checkedAt"`
}

// Verified reports whether the check itself ran; false means the report says
// nothing about the backend's state.
func (r Report) Verified() bool {
	return r.FailureReason == ""
}

// Verifier runs the consistency check through the request gateway.
type Verifier struct {
	gw *gateway.Gateway
	// now returns the current time; injectable for tests
	now func() time.Time
}

// New creates a verifier.
func New(gw *gateway.Gateway) *Verifier {
	return &Verifier{gw: gw, now: time.Now}
}

type verifyRequest struct {
	UserID string `json:"user_id"`
}

type verifyData struct {
	UserRow           bool `json:"user_row"`
	ProfileRow        bool `json:"profile_row"`
	WalletRows        bool `json:"wallet_rows"`
	ReferralRow       bool `json:"referral_row"`
	BonusTransactions bool `json:"bonus_transactions"`
	BalanceUpdated    bool `json:"balance_updated"`
	AuditRow          bool `json:"audit_row"`
}

// Verify asks the backend to confirm the expected side effects for userID in
// a single round-trip.
func (v *Verifier) Verify(ctx context.Context, userID string) Report {
	report := Report{UserID: userID, CheckedAt: v.now()}

	env, err := v.gw.Post(ctx, "/referral-system/verify-data", verifyRequest{UserID: userID})
	if err != nil {
		report.FailureReason = err.Error()
		log.Warn().Err(err).Str("userId", userID).Msg("Registration verification could not run")
		return report
	}
	if !env.Success {
		report.FailureReason = env.ErrorMessage()
		return report
	}

	var data verifyData
	if err := env.DecodeData(&data); err != nil {
		report.FailureReason = err.Error()
		return report
	}

	report.UserRow = data.UserRow
	report.ProfileRow = data.ProfileRow
	report.WalletRows = data.WalletRows
	report.ReferralRow = data.ReferralRow
	report.BonusTransactions = data.BonusTransactions
	report.BalanceUpdated = data.BalanceUpdated
	report.AuditRow = data.AuditRow
	report.Complete = data.UserRow && data.ProfileRow && data.WalletRows &&
		data.ReferralRow && data.BonusTransactions && data.BalanceUpdated && data.AuditRow

	if !report.Complete {
		log.Warn().
			Str("userId", userID).
			Interface("report", report).
			Msg("Registration verification found missing rows")
	}
	return report
}
