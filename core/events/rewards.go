package events

import (
	"math/big"
	"strconv"
	"strings"
	"time"

	"rewardpool/crypto"
)

const (
	// TypeRewardPaid is emitted for every non-zero token payout of a claim.
	TypeRewardPaid = "rewards.paid"
	// TypeRewardDeferred marks a payout whose transfer failed and was recorded
	// as owed to the account.
	TypeRewardDeferred = "rewards.deferred"
	// TypeFeeSkimmed records the protocol share withheld from a harvest.
	TypeFeeSkimmed = "rewards.fee_skimmed"
	// TypeReserveSwept records a protocol reserve withdrawal.
	TypeReserveSwept = "rewards.reserve_swept"
	// TypeClaimSettled summarises a completed claim.
	TypeClaimSettled = "rewards.claim_settled"
	// TypeInvariantViolation is emitted when a claim aborts on the points guard.
	TypeInvariantViolation = "rewards.invariant_violation"
)

// RewardPaid captures a single token transfer made to a claimant.
type RewardPaid struct {
	Account crypto.Address
	Token   string
	Amount  *big.Int
	Points  *big.Int
	At      time.Time
}

// EventType satisfies the events.Event interface.
func (RewardPaid) EventType() string { return TypeRewardPaid }

// Record renders the payload for downstream consumers.
func (e RewardPaid) Record() Record {
	attrs := map[string]string{
		"account": e.Account.String(),
		"token":   normalizeToken(e.Token),
	}
	setAmount(attrs, "amount", e.Amount)
	setAmount(attrs, "points", e.Points)
	setTime(attrs, e.At)
	return Record{Type: TypeRewardPaid, Attributes: attrs}
}

// RewardDeferred captures a payout that could not be delivered.
type RewardDeferred struct {
	Account crypto.Address
	Token   string
	Amount  *big.Int
	Reason  string
	At      time.Time
}

// EventType satisfies the events.Event interface.
func (RewardDeferred) EventType() string { return TypeRewardDeferred }

// Record renders the payload for downstream consumers.
func (e RewardDeferred) Record() Record {
	attrs := map[string]string{
		"account": e.Account.String(),
		"token":   normalizeToken(e.Token),
	}
	setAmount(attrs, "amount", e.Amount)
	if reason := strings.TrimSpace(e.Reason); reason != "" {
		attrs["reason"] = reason
	}
	setTime(attrs, e.At)
	return Record{Type: TypeRewardDeferred, Attributes: attrs}
}

// FeeSkimmed records the reserve increase produced by a harvest.
type FeeSkimmed struct {
	Token       string
	Harvested   *big.Int
	Fee         *big.Int
	FeeFraction *big.Int
	At          time.Time
}

// EventType satisfies the events.Event interface.
func (FeeSkimmed) EventType() string { return TypeFeeSkimmed }

// Record renders the payload for downstream consumers.
func (e FeeSkimmed) Record() Record {
	attrs := map[string]string{"token": normalizeToken(e.Token)}
	setAmount(attrs, "harvested", e.Harvested)
	setAmount(attrs, "fee", e.Fee)
	setAmount(attrs, "feeFraction", e.FeeFraction)
	setTime(attrs, e.At)
	return Record{Type: TypeFeeSkimmed, Attributes: attrs}
}

// ReserveSwept records a protocol reserve transfer.
type ReserveSwept struct {
	Token       string
	Destination crypto.Address
	Amount      *big.Int
	At          time.Time
}

// EventType satisfies the events.Event interface.
func (ReserveSwept) EventType() string { return TypeReserveSwept }

// Record renders the payload for downstream consumers.
func (e ReserveSwept) Record() Record {
	attrs := map[string]string{
		"token":       normalizeToken(e.Token),
		"destination": e.Destination.String(),
	}
	setAmount(attrs, "amount", e.Amount)
	setTime(attrs, e.At)
	return Record{Type: TypeReserveSwept, Attributes: attrs}
}

// ClaimSettled summarises the ledger side of a claim.
type ClaimSettled struct {
	Account     crypto.Address
	Points      *big.Int
	TotalBefore *big.Int
	Tokens      int
	At          time.Time
}

// EventType satisfies the events.Event interface.
func (ClaimSettled) EventType() string { return TypeClaimSettled }

// Record renders the payload for downstream consumers.
func (e ClaimSettled) Record() Record {
	attrs := map[string]string{
		"account": e.Account.String(),
		"tokens":  strconv.Itoa(e.Tokens),
	}
	setAmount(attrs, "points", e.Points)
	setAmount(attrs, "totalBefore", e.TotalBefore)
	setTime(attrs, e.At)
	return Record{Type: TypeClaimSettled, Attributes: attrs}
}

// InvariantViolation reports a claim aborted because the account held more
// points than the global total.
type InvariantViolation struct {
	Account     crypto.Address
	Claimed     *big.Int
	TotalPoints *big.Int
	At          time.Time
}

// EventType satisfies the events.Event interface.
func (InvariantViolation) EventType() string { return TypeInvariantViolation }

// Record renders the payload for downstream consumers.
func (e InvariantViolation) Record() Record {
	attrs := map[string]string{"account": e.Account.String()}
	setAmount(attrs, "claimed", e.Claimed)
	setAmount(attrs, "totalPoints", e.TotalPoints)
	setTime(attrs, e.At)
	return Record{Type: TypeInvariantViolation, Attributes: attrs}
}

func normalizeToken(token string) string {
	return strings.ToUpper(strings.TrimSpace(token))
}

func setAmount(attrs map[string]string, key string, value *big.Int) {
	if value == nil {
		attrs[key] = "0"
		return
	}
	attrs[key] = value.String()
}

func setTime(attrs map[string]string, at time.Time) {
	if at.IsZero() {
		return
	}
	attrs["timestamp"] = strconv.FormatInt(at.UTC().Unix(), 10)
}
