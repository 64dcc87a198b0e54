package ledger

import (
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/consultahub/portal-client-go/internal/money"
)

// Kind tags a ledger operation.
type Kind string

const (
	KindRecharge         Kind = "recharge"
	KindTransfer         Kind = "transfer"
	KindPlanPurchase     Kind = "plan_purchase"
	KindCouponRedemption Kind = "coupon_redemption"
	KindReferralBonus    Kind = "referral_bonus"
)

// OpState is the lifecycle state of a ledger operation.
type OpState string

const (
	OpCreated       OpState = "created"
	OpSubmitted     OpState = "submitted"
	OpConfirmed     OpState = "confirmed"
	OpFailed        OpState = "failed"
	OpFallbackLocal OpState = "fallback-local"
)

// Operation is one money-affecting action. The idempotency reference is
// client-generated and reused across a single retry, so the backend can
// recognize a resubmission of the same user action.
type Operation struct {
	Kind       Kind        `json:"kind"`
	Ref        string      `json:"ref"`
	UserID     string      `json:"userId"`
	Amount     money.Cents `json:"amount"`
	CouponCode string      `json:"couponCode,omitempty"`
	Method     string      `json:"method,omitempty"`
	PlanID     string      `json:"planId,omitempty"`
	FromBucket string      `json:"fromBucket,omitempty"`
	ToBucket   string      `json:"toBucket,omitempty"`
	State      OpState     `json:"state"`
	CreatedAt  time.Time   `json:"createdAt"`
	FailReason string      `json:"failReason,omitempty"`
}

// newOperation creates an operation in the created state with a fresh
// idempotency reference.
func newOperation(kind Kind, userID string, amount money.Cents, at time.Time) *Operation {
	return &Operation{
		Kind:      kind,
		Ref:       ulid.Make().String(),
		UserID:    userID,
		Amount:    amount,
		State:     OpCreated,
		CreatedAt: at,
	}
}
