// Package ledger orchestrates the money-affecting operations of the portal:
// recharges, transfers between wallet and plan credit, plan purchases,
// coupon redemptions and referral bonuses. It makes multi-step remote flows
// appear atomic to the UI, applies optimistic overlays, reconciles with
// server truth, and degrades to a local copy when the backend is
// unreachable on read paths.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/consultahub/portal-client-go/internal/circuit"
	perrors "github.com/consultahub/portal-client-go/internal/errors"
	"github.com/consultahub/portal-client-go/internal/events"
	"github.com/consultahub/portal-client-go/internal/gateway"
	"github.com/consultahub/portal-client-go/internal/metrics"
	"github.com/consultahub/portal-client-go/internal/money"
	"github.com/consultahub/portal-client-go/internal/session"
	"github.com/consultahub/portal-client-go/internal/store"
)

// Balance sub-bucket names accepted by Transfer.
const (
	BucketWallet     = "wallet"
	BucketPlanCredit = "plan_credit"
)

// KV namespaces owned by the coordinator.
const (
	nsPending  = "ledger_pending"
	nsReferral = "ledger_referral"
	nsCache    = "ledger_cache"

	keyHistory = "history"
)

const breakerBalancePoll = "balance-poll"

// Sessions is the slice of the session manager the coordinator needs.
type Sessions interface {
	Principal() (session.Principal, bool)
	Touch()
}

// Config configures the coordinator.
type Config struct {
	Gateway  *gateway.Gateway
	Bus      *events.Bus
	KV       *store.KVStore
	Breakers *circuit.Registry
	Sessions Sessions

	MinRecharge money.Cents
	MaxRecharge money.Cents

	// Now returns the current time; injectable for tests
	Now func() time.Time
}

// Coordinator is the single writer of the balance snapshot. UI subscribers
// read it through events; nothing else mutates it.
type Coordinator struct {
	gw       *gateway.Gateway
	bus      *events.Bus
	kv       *store.KVStore
	breakers *circuit.Registry
	sessions Sessions
	now      func() time.Time

	minRecharge money.Cents
	maxRecharge money.Cents

	mu           sync.Mutex
	confirmed    Snapshot
	hasConfirmed bool
	overlay      *Overlay
}

// NewCoordinator creates a ledger coordinator.
func NewCoordinator(cfg Config) *Coordinator {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	minR := cfg.MinRecharge
	if minR <= 0 {
		minR = money.Cents(500) // 5.00
	}
	maxR := cfg.MaxRecharge
	if maxR <= 0 {
		maxR = money.Cents(1000000) // 10,000.00
	}
	return &Coordinator{
		gw:          cfg.Gateway,
		bus:         cfg.Bus,
		kv:          cfg.KV,
		breakers:    cfg.Breakers,
		sessions:    cfg.Sessions,
		now:         now,
		minRecharge: minR,
		maxRecharge: maxR,
	}
}

// Confirmed returns the last server-confirmed snapshot.
func (c *Coordinator) Confirmed() (Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.confirmed, c.hasConfirmed
}

// Displayed returns the snapshot the UI should show: the confirmed snapshot
// with any optimistic overlay applied.
func (c *Coordinator) Displayed() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Merge(c.confirmed, c.overlay)
}

// applyConfirmed installs server truth and drops any optimistic overlay,
// whether or not the overlay matched.
func (c *Coordinator) applyConfirmed(snap Snapshot) {
	c.mu.Lock()
	c.confirmed = snap
	c.hasConfirmed = true
	c.overlay = nil
	c.mu.Unlock()
}

func (c *Coordinator) setOverlay(o *Overlay) {
	c.mu.Lock()
	c.overlay = o
	c.mu.Unlock()
}

func (c *Coordinator) dropOverlay() {
	c.setOverlay(nil)
}

// balanceData is the backend's balance payload; amounts are two-decimal
// strings.
type balanceData struct {
	Wallet     string `json:"wallet"`
	PlanCredit string `json:"plan_credit"`
}

func decodeBalance(env gateway.Envelope) (Snapshot, error) {
	var data balanceData
	if err := env.DecodeData(&data); err != nil {
		return Snapshot{}, err
	}
	wallet, err := money.Parse(data.Wallet)
	if err != nil {
		return Snapshot{}, fmt.Errorf("decode wallet amount: %w", err)
	}
	plan, err := money.Parse(data.PlanCredit)
	if err != nil {
		return Snapshot{}, fmt.Errorf("decode plan credit amount: %w", err)
	}
	return NewSnapshot(wallet, plan), nil
}

// RefreshBalance polls the server-confirmed balance through the circuit
// breaker. A breaker-open skip returns ErrBreakerOpen and the last confirmed
// snapshot; polling callers treat that as steady-state, not a failure.
func (c *Coordinator) RefreshBalance(ctx context.Context) (Snapshot, error) {
	breaker := c.breakers.Get(breakerBalancePoll)

	var snap Snapshot
	res := breaker.Execute(func() error {
		env, err := c.gw.Get(ctx, "/wallet/balance")
		if err != nil {
			return err
		}
		if !env.Success {
			return perrors.WrapBusinessError("refresh_balance", "/wallet/balance", env.ErrorMessage())
		}
		decoded, err := decodeBalance(env)
		if err != nil {
			return err
		}
		snap = decoded
		return nil
	})

	if res.Skipped {
		log.Debug().Msg("Balance poll skipped, circuit breaker open")
		c.mu.Lock()
		last := c.confirmed
		c.mu.Unlock()
		return last, perrors.ErrBreakerOpen
	}
	if res.Err != nil {
		return Snapshot{}, res.Err
	}

	c.applyConfirmed(snap)
	c.publish(events.Event{Type: events.TypeBalanceUpdated, Amount: snap.Total})
	return snap, nil
}

func (c *Coordinator) publish(ev events.Event) {
	if c.bus == nil {
		return
	}
	if ev.UserID == "" {
		if p, ok := c.sessions.Principal(); ok {
			ev.UserID = p.ID
		}
	}
	c.bus.Publish(ev)
}

func (c *Coordinator) principalID() (string, error) {
	p, ok := c.sessions.Principal()
	if !ok {
		return "", perrors.WrapAuthError("ledger", "", perrors.ErrUnauthorized)
	}
	return p.ID, nil
}

type couponRedeemRequest struct {
	Code           string `json:"code"`
	IdempotencyRef string `json:"idempotency_ref"`
}

type couponRedeemData struct {
	Discount string `json:"discount"`
}

// redeemCoupon asks the coupon service for the discount. The server is the
// single source of truth for the discount amount; the client never computes
// it beyond display.
func (c *Coordinator) redeemCoupon(ctx context.Context, code, ref string, original money.Cents) (money.Cents, error) {
	env, err := c.gw.Post(ctx, "/coupons/redeem", couponRedeemRequest{Code: code, IdempotencyRef: ref})
	if err != nil {
		return 0, err
	}
	if !env.Success {
		return 0, perrors.WrapBusinessError("redeem_coupon", "/coupons/redeem", env.ErrorMessage())
	}

	var data couponRedeemData
	if err := env.DecodeData(&data); err != nil {
		return 0, err
	}
	discount, err := money.Parse(data.Discount)
	if err != nil {
		return 0, fmt.Errorf("decode coupon discount: %w", err)
	}
	if discount < 0 || discount > original {
		return 0, perrors.WrapBusinessError("redeem_coupon", "/coupons/redeem",
			fmt.Sprintf("discount %s outside [0, %s]", discount, original))
	}
	return discount, nil
}

// RedeemCoupon redeems a coupon on its own, outside a recharge flow, and
// returns the server-computed discount against the given original amount.
func (c *Coordinator) RedeemCoupon(ctx context.Context, code string, original money.Cents) (*Operation, error) {
	if strings.TrimSpace(code) == "" {
		return nil, perrors.WrapValidationError("redeem_coupon", fmt.Errorf("coupon code is required"))
	}
	userID, err := c.principalID()
	if err != nil {
		return nil, err
	}

	op := newOperation(KindCouponRedemption, userID, 0, c.now())
	op.CouponCode = code
	op.State = OpSubmitted

	discount, err := c.redeemCoupon(ctx, code, op.Ref, original)
	if err != nil {
		op.State = OpFailed
		op.FailReason = err.Error()
		return op, err
	}

	op.Amount = discount
	op.State = OpConfirmed
	c.sessions.Touch()
	return op, nil
}

type rechargeRequest struct {
	AmountCharged  string `json:"amount_charged"`
	PaymentMethod  string `json:"payment_method"`
	CouponCode     string `json:"coupon_code,omitempty"`
	IdempotencyRef string `json:"idempotency_ref"`
}

// Recharge credits the wallet, optionally applying a coupon first.
//
// amountCharged = original - discount is computed exactly once and that
// single value drives both the wallet credit and the central-cash entry on
// the backend, so the two sides cannot diverge. The returned operation
// carries the final lifecycle state; a non-nil error always accompanies a
// non-confirmed state.
func (c *Coordinator) Recharge(ctx context.Context, amount money.Cents, method, couponCode string) (*Operation, error) {
	if amount < c.minRecharge || amount > c.maxRecharge {
		return nil, perrors.WrapValidationError("recharge",
			fmt.Errorf("amount %s outside [%s, %s]", amount, c.minRecharge, c.maxRecharge))
	}
	if strings.TrimSpace(method) == "" {
		return nil, perrors.WrapValidationError("recharge", fmt.Errorf("payment method is required"))
	}
	userID, err := c.principalID()
	if err != nil {
		return nil, err
	}

	op := newOperation(KindRecharge, userID, amount, c.now())
	op.Method = method
	op.CouponCode = couponCode

	discount := money.Cents(0)
	if couponCode != "" {
		discount, err = c.redeemCoupon(ctx, couponCode, op.Ref, amount)
		if err != nil {
			op.State = OpFailed
			op.FailReason = err.Error()
			return op, err
		}
	}

	// Single shared computation for credit and cash sides.
	amountCharged := amount - discount
	op.Amount = amountCharged
	op.State = OpSubmitted

	// Optimistic overlay: show the credit immediately; discarded as soon as
	// any server-confirmed snapshot lands.
	c.setOverlay(&Overlay{WalletDelta: amountCharged})

	env, err := c.gw.Post(ctx, "/wallet/recharge", rechargeRequest{
		AmountCharged:  amountCharged.String(),
		PaymentMethod:  method,
		CouponCode:     couponCode,
		IdempotencyRef: op.Ref,
	})
	if err != nil {
		c.dropOverlay()
		return c.recordFallback(op, err)
	}
	if !env.Success {
		c.dropOverlay()
		op.State = OpFailed
		op.FailReason = env.ErrorMessage()
		return op, perrors.WrapBusinessError("recharge", "/wallet/recharge", env.ErrorMessage())
	}

	snap, err := decodeBalance(env)
	if err != nil {
		// The credit went through but the body is unusable; drop the
		// overlay and let the next poll reconcile.
		c.dropOverlay()
		op.State = OpConfirmed
		log.Warn().Err(err).Str("ref", op.Ref).Msg("Recharge confirmed but balance payload unreadable")
	} else {
		c.applyConfirmed(snap)
		op.State = OpConfirmed
	}

	c.gw.ClearCache()
	c.sessions.Touch()
	c.publish(events.Event{
		Type:          events.TypeBalanceRecharged,
		UserID:        userID,
		Amount:        amountCharged,
		ShouldAnimate: true,
	})
	return op, nil
}

// recordFallback persists an operation that could not reach the backend so
// it is never silently dropped; the caller still sees the failure.
func (c *Coordinator) recordFallback(op *Operation, cause error) (*Operation, error) {
	op.State = OpFallbackLocal
	op.FailReason = cause.Error()

	blob, err := json.Marshal(op)
	if err != nil {
		log.Error().Err(err).Str("ref", op.Ref).Msg("Failed to encode fallback operation")
		return op, cause
	}
	if err := c.kv.Set(nsPending, op.Ref, string(blob)); err != nil {
		log.Error().Err(err).Str("ref", op.Ref).Msg("Failed to persist fallback operation")
	} else {
		metrics.LedgerFallbacks.Inc()
		log.Warn().
			Str("ref", op.Ref).
			Str("kind", string(op.Kind)).
			Msg("Backend unreachable, operation recorded for reconciliation")
	}
	return op, cause
}

type transferRequest struct {
	From           string `json:"from"`
	To             string `json:"to"`
	Amount         string `json:"amount"`
	IdempotencyRef string `json:"idempotency_ref"`
}

// Transfer moves funds between the wallet and plan-credit sub-balances.
func (c *Coordinator) Transfer(ctx context.Context, from, to string, amount money.Cents) (*Operation, error) {
	if !validBucket(from) || !validBucket(to) || from == to {
		return nil, perrors.WrapValidationError("transfer", fmt.Errorf("invalid bucket pair %q -> %q", from, to))
	}
	if amount <= 0 {
		return nil, perrors.WrapValidationError("transfer", fmt.Errorf("amount must be positive"))
	}
	userID, err := c.principalID()
	if err != nil {
		return nil, err
	}

	op := newOperation(KindTransfer, userID, amount, c.now())
	op.FromBucket = from
	op.ToBucket = to
	op.State = OpSubmitted

	overlay := &Overlay{}
	if from == BucketWallet {
		overlay.WalletDelta = -amount
		overlay.PlanCreditDelta = amount
	} else {
		overlay.WalletDelta = amount
		overlay.PlanCreditDelta = -amount
	}
	c.setOverlay(overlay)

	env, err := c.gw.Post(ctx, "/wallet/transfer", transferRequest{
		From:           from,
		To:             to,
		Amount:         amount.String(),
		IdempotencyRef: op.Ref,
	})
	if err != nil {
		c.dropOverlay()
		return c.recordFallback(op, err)
	}
	if !env.Success {
		c.dropOverlay()
		op.State = OpFailed
		op.FailReason = env.ErrorMessage()
		return op, perrors.WrapBusinessError("transfer", "/wallet/transfer", env.ErrorMessage())
	}

	if snap, err := decodeBalance(env); err == nil {
		c.applyConfirmed(snap)
	} else {
		c.dropOverlay()
	}
	op.State = OpConfirmed

	c.gw.ClearCache()
	c.sessions.Touch()
	c.publish(events.Event{Type: events.TypeBalanceUpdated, UserID: userID, Amount: amount})
	return op, nil
}

func validBucket(b string) bool {
	return b == BucketWallet || b == BucketPlanCredit
}

type planPurchaseRequest struct {
	PlanID         string `json:"plan_id"`
	IdempotencyRef string `json:"idempotency_ref"`
}

type planPurchaseData struct {
	balanceData
	PlanName string `json:"plan_name"`
	Price    string `json:"price"`
}

// PurchasePlan buys a subscription plan. No optimistic overlay is applied:
// the price is owned by the backend and unknown until confirmation.
func (c *Coordinator) PurchasePlan(ctx context.Context, planID string) (*Operation, error) {
	if strings.TrimSpace(planID) == "" {
		return nil, perrors.WrapValidationError("purchase_plan", fmt.Errorf("plan id is required"))
	}
	userID, err := c.principalID()
	if err != nil {
		return nil, err
	}

	op := newOperation(KindPlanPurchase, userID, 0, c.now())
	op.PlanID = planID
	op.State = OpSubmitted

	env, err := c.gw.Post(ctx, "/plans/purchase", planPurchaseRequest{PlanID: planID, IdempotencyRef: op.Ref})
	if err != nil {
		return c.recordFallback(op, err)
	}
	if !env.Success {
		op.State = OpFailed
		op.FailReason = env.ErrorMessage()
		return op, perrors.WrapBusinessError("purchase_plan", "/plans/purchase", env.ErrorMessage())
	}

	var data planPurchaseData
	planName := ""
	if err := env.DecodeData(&data); err == nil {
		planName = data.PlanName
		if price, perr := money.Parse(data.Price); perr == nil {
			op.Amount = price
		}
		if wallet, werr := money.Parse(data.Wallet); werr == nil {
			if plan, cerr := money.Parse(data.PlanCredit); cerr == nil {
				c.applyConfirmed(NewSnapshot(wallet, plan))
			}
		}
	}
	op.State = OpConfirmed

	c.gw.ClearCache()
	c.sessions.Touch()
	c.publish(events.Event{
		Type:     events.TypePlanPurchased,
		UserID:   userID,
		Amount:   op.Amount,
		PlanName: planName,
	})
	c.publish(events.Event{Type: events.TypeUserDataUpdated, UserID: userID})
	return op, nil
}

type referralBonusRequest struct {
	ReferrerID     string `json:"referrer_id"`
	ReferredID     string `json:"referred_id"`
	IdempotencyRef string `json:"idempotency_ref"`
}

type referralBonusData struct {
	AlreadyProcessed bool   `json:"already_processed"`
	Amount           string `json:"amount"`
}

// CreditReferralBonus credits the signup bonus for a referral relationship
// at most once, even if the triggering event fires repeatedly. "Already
// processed" is a success outcome: applied=false, err=nil.
func (c *Coordinator) CreditReferralBonus(ctx context.Context, referrerID, referredID string) (applied bool, err error) {
	if referrerID == "" || referredID == "" {
		return false, perrors.WrapValidationError("referral_bonus", fmt.Errorf("referrer and referred ids are required"))
	}

	mark := referrerID + "/" + referredID
	if _, seen, err := c.kv.Get(nsReferral, mark); err == nil && seen {
		log.Debug().Str("relationship", mark).Msg("Referral bonus already processed locally")
		return false, nil
	}

	op := newOperation(KindReferralBonus, referrerID, 0, c.now())

	env, err := c.gw.Post(ctx, "/referral-system/credit-bonus", referralBonusRequest{
		ReferrerID:     referrerID,
		ReferredID:     referredID,
		IdempotencyRef: op.Ref,
	})
	if err != nil {
		return false, err
	}
	if !env.Success {
		return false, perrors.WrapBusinessError("referral_bonus", "/referral-system/credit-bonus", env.ErrorMessage())
	}

	var data referralBonusData
	if err := env.DecodeData(&data); err != nil {
		return false, err
	}

	if err := c.kv.Set(nsReferral, mark, op.Ref); err != nil {
		log.Warn().Err(err).Str("relationship", mark).Msg("Failed to persist referral bonus mark")
	}

	if data.AlreadyProcessed {
		log.Debug().Str("relationship", mark).Msg("Referral bonus already processed on backend")
		return false, nil
	}

	if amount, perr := money.Parse(data.Amount); perr == nil {
		c.publish(events.Event{Type: events.TypeBalanceUpdated, UserID: referrerID, Amount: amount})
	}
	return true, nil
}

// HistoryEntry is one row of the transaction history. The shape is owned by
// the backend; the client passes it through.
type HistoryEntry struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Amount      string `json:"amount"`
	Description string `json:"description"`
	CreatedAt   string `json:"created_at"`
}

// HistoryResult is the transaction history, possibly served from the local
// degraded-mode copy.
type HistoryResult struct {
	Entries []HistoryEntry `json:"entries"`
	Stale   bool           `json:"stale"`
}

// History fetches the transaction history. When the backend is unreachable
// it transparently serves the best-known local copy marked stale; it never
// fabricates data it does not have.
func (c *Coordinator) History(ctx context.Context) (HistoryResult, error) {
	env, err := c.gw.Get(ctx, "/wallet/history")
	if err != nil {
		if perrors.IsRetryableError(err) || perrors.IsBreakerOpen(err) {
			if cached, ok := c.loadLocalHistory(); ok {
				log.Warn().Err(err).Msg("Backend unreachable, serving stale local history")
				cached.Stale = true
				return cached, nil
			}
		}
		return HistoryResult{}, err
	}
	if !env.Success {
		return HistoryResult{}, perrors.WrapBusinessError("history", "/wallet/history", env.ErrorMessage())
	}

	var result HistoryResult
	if err := env.DecodeData(&result); err != nil {
		return HistoryResult{}, err
	}

	if blob, err := json.Marshal(result); err == nil {
		if err := c.kv.Set(nsCache, keyHistory, string(blob)); err != nil {
			log.Warn().Err(err).Msg("Failed to cache history locally")
		}
	}
	return result, nil
}

func (c *Coordinator) loadLocalHistory() (HistoryResult, bool) {
	blob, ok, err := c.kv.Get(nsCache, keyHistory)
	if err != nil || !ok {
		return HistoryResult{}, false
	}
	var result HistoryResult
	if err := json.Unmarshal([]byte(blob), &result); err != nil {
		return HistoryResult{}, false
	}
	return result, true
}

// ReconcilePending resubmits operations recorded in the degraded-mode
// ledger. Each resubmission reuses the operation's original idempotency
// reference, so a request that did reach the backend the first time is not
// applied twice. Returns the operations that reached a terminal state.
func (c *Coordinator) ReconcilePending(ctx context.Context) []Operation {
	pending, err := c.kv.List(nsPending)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to list pending ledger operations")
		return nil
	}

	var settled []Operation
	for ref, blob := range pending {
		var op Operation
		if err := json.Unmarshal([]byte(blob), &op); err != nil {
			log.Error().Err(err).Str("ref", ref).Msg("Dropping unreadable pending operation")
			_ = c.kv.Delete(nsPending, ref)
			continue
		}

		env, err := c.resubmit(ctx, &op)
		if err != nil {
			// Still unreachable; keep for the next reconciliation pass.
			log.Debug().Err(err).Str("ref", ref).Msg("Pending operation still unreachable")
			continue
		}

		if env.Success {
			op.State = OpConfirmed
			if snap, derr := decodeBalance(env); derr == nil {
				c.applyConfirmed(snap)
			}
			c.publish(events.Event{Type: events.TypeBalanceUpdated, UserID: op.UserID, Amount: op.Amount})
		} else {
			op.State = OpFailed
			op.FailReason = env.ErrorMessage()
			log.Warn().
				Str("ref", ref).
				Str("error", op.FailReason).
				Msg("Pending operation rejected during reconciliation")
		}

		_ = c.kv.Delete(nsPending, ref)
		settled = append(settled, op)
	}

	if len(settled) > 0 {
		c.gw.ClearCache()
	}
	return settled
}

func (c *Coordinator) resubmit(ctx context.Context, op *Operation) (gateway.Envelope, error) {
	switch op.Kind {
	case KindRecharge:
		return c.gw.Post(ctx, "/wallet/recharge", rechargeRequest{
			AmountCharged:  op.Amount.String(),
			PaymentMethod:  op.Method,
			CouponCode:     op.CouponCode,
			IdempotencyRef: op.Ref,
		})
	case KindTransfer:
		return c.gw.Post(ctx, "/wallet/transfer", transferRequest{
			From:           op.FromBucket,
			To:             op.ToBucket,
			Amount:         op.Amount.String(),
			IdempotencyRef: op.Ref,
		})
	case KindPlanPurchase:
		return c.gw.Post(ctx, "/plans/purchase", planPurchaseRequest{
			PlanID:         op.PlanID,
			IdempotencyRef: op.Ref,
		})
	default:
		return gateway.Envelope{}, fmt.Errorf("cannot resubmit operation kind %q", op.Kind)
	}
}
