// Package payout decides when an identity has earned a reward payout and
// tracks the payout request lifecycle. Marking a request SENT settles the
// identity's cycle, which resets its slot and eligibility windows.
package payout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/refnet/refcore/internal/logger"
	"github.com/refnet/refcore/internal/metrics"
	"github.com/refnet/refcore/internal/models"
	"github.com/refnet/refcore/internal/referral"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrUnknownIdentity is returned for an unknown identity id.
	ErrUnknownIdentity = errors.New("payout: unknown identity")
	// ErrNotEligible is returned when a payout is requested before the
	// eligibility conditions are met.
	ErrNotEligible = errors.New("payout: not eligible")
	// ErrOpenRequest is returned when the identity already has a payout
	// request in REQUESTED.
	ErrOpenRequest = errors.New("payout: open request exists")
	// ErrUnknownPayout is returned for an unknown payout request id.
	ErrUnknownPayout = errors.New("payout: unknown payout request")
	// ErrAlreadyProcessed is returned when marking a request that already
	// left REQUESTED.
	ErrAlreadyProcessed = errors.New("payout: request already processed")
	// ErrBadStatus is returned when Mark is asked for a target state other
	// than SENT or REJECTED.
	ErrBadStatus = errors.New("payout: invalid target status")
	// ErrMissingSettlementRef is returned when a request is marked SENT
	// without a settlement reference.
	ErrMissingSettlementRef = errors.New("payout: missing settlement reference")
	// ErrUnexpectedSettlementRef is returned when a rejection carries a
	// settlement reference.
	ErrUnexpectedSettlementRef = errors.New("payout: settlement reference on rejection")
)

// Eligibility is the result of an eligibility evaluation. Reason is set only
// when Eligible is false.
type Eligibility struct {
	Eligible           bool   `json:"eligible"`
	ConfirmedReferrals int64  `json:"confirmed_referrals"`
	Required           int    `json:"required"`
	Reason             string `json:"reason,omitempty"`
}

// Evaluator evaluates payout eligibility and manages payout requests.
type Evaluator struct {
	db           *gorm.DB
	logger       zerolog.Logger
	minConfirmed int
	now          func() time.Time
}

// NewEvaluator creates a payout evaluator requiring minConfirmed confirmed
// referrals per cycle. A nil clock defaults to time.Now.
func NewEvaluator(db *gorm.DB, logg zerolog.Logger, minConfirmed int, now func() time.Time) *Evaluator {
	if now == nil {
		now = time.Now
	}
	return &Evaluator{
		db:           db,
		logger:       logger.WithComponent(logg, "payout"),
		minConfirmed: minConfirmed,
		now:          now,
	}
}

// Evaluate reports whether the identity currently qualifies for a payout:
// its own participation in the current cycle is CONFIRMED, at least
// minConfirmed distinct referred identities have CONFIRMED participations
// created in the cycle, and no payout request is already open.
func (ev *Evaluator) Evaluate(ctx context.Context, identityID uint) (*Eligibility, error) {
	var result *Eligibility
	err := ev.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		result, err = ev.evaluate(tx, identityID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (ev *Evaluator) evaluate(tx *gorm.DB, identityID uint) (*Eligibility, error) {
	var ident models.Identity
	if err := tx.First(&ident, identityID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUnknownIdentity
		}
		return nil, fmt.Errorf("failed to load identity: %w", err)
	}

	cycleStart, err := referral.CycleStart(tx, identityID)
	if err != nil {
		return nil, err
	}

	result := &Eligibility{Required: ev.minConfirmed}

	var own models.Participation
	err = tx.
		Where("identity_id = ? AND status IN ? AND created_at > ?",
			identityID, models.ActiveParticipationStatuses, cycleStart).
		Order("created_at DESC").
		First(&own).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		result.Reason = "no participation in current cycle"
		return result, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load own participation: %w", err)
	}
	if own.Status != models.ParticipationConfirmed {
		result.Reason = "own participation not confirmed"
		return result, nil
	}

	if err := tx.Model(&models.Participation{}).
		Where("referrer_id = ? AND status = ? AND created_at > ?",
			identityID, models.ParticipationConfirmed, cycleStart).
		Distinct("identity_id").
		Count(&result.ConfirmedReferrals).Error; err != nil {
		return nil, fmt.Errorf("failed to count confirmed referrals: %w", err)
	}
	if result.ConfirmedReferrals < int64(ev.minConfirmed) {
		result.Reason = "not enough confirmed referrals"
		return result, nil
	}

	var open int64
	if err := tx.Model(&models.PayoutRequest{}).
		Where("identity_id = ? AND status = ?", identityID, models.PayoutRequested).
		Count(&open).Error; err != nil {
		return nil, fmt.Errorf("failed to count open payout requests: %w", err)
	}
	if open > 0 {
		result.Reason = "open payout request"
		return result, nil
	}

	result.Eligible = true
	return result, nil
}

// Request re-validates eligibility under the identity's row lock and creates
// a payout request in REQUESTED.
func (ev *Evaluator) Request(ctx context.Context, identityID uint) (*models.PayoutRequest, error) {
	var payout models.PayoutRequest
	err := ev.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// The row lock serializes concurrent requests by the same identity.
		var ident models.Identity
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&ident, identityID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrUnknownIdentity
		}
		if err != nil {
			return fmt.Errorf("failed to lock identity: %w", err)
		}

		eligibility, err := ev.evaluate(tx, identityID)
		if err != nil {
			return err
		}
		if !eligibility.Eligible {
			metrics.RecordPayoutDecision("refused")
			if eligibility.Reason == "open payout request" {
				return ErrOpenRequest
			}
			return fmt.Errorf("%w: %s", ErrNotEligible, eligibility.Reason)
		}

		payout = models.PayoutRequest{
			IdentityID: identityID,
			Status:     models.PayoutRequested,
		}
		if err := tx.Create(&payout).Error; err != nil {
			return fmt.Errorf("failed to create payout request: %w", err)
		}

		metrics.RecordPayoutDecision("requested")
		return nil
	})
	if err != nil {
		return nil, err
	}

	identityLogger := logger.WithIdentity(ev.logger, identityID)
	identityLogger.Info().
		Uint("payout_id", payout.ID).
		Msg("Payout requested")
	return &payout, nil
}

// Mark settles a REQUESTED payout as SENT or REJECTED. SENT requires a
// settlement reference and closes the identity's cycle; REJECTED must not
// carry one and leaves the cycle open.
func (ev *Evaluator) Mark(ctx context.Context, payoutID uint, status models.PayoutStatus, settlementRef string) (*models.PayoutRequest, error) {
	settlementRef = strings.TrimSpace(settlementRef)
	switch status {
	case models.PayoutSent:
		if settlementRef == "" {
			return nil, ErrMissingSettlementRef
		}
	case models.PayoutRejected:
		if settlementRef != "" {
			return nil, ErrUnexpectedSettlementRef
		}
	default:
		return nil, ErrBadStatus
	}

	var payout models.PayoutRequest
	err := ev.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&payout, payoutID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrUnknownPayout
		}
		if err != nil {
			return fmt.Errorf("failed to lock payout request: %w", err)
		}
		if payout.Status != models.PayoutRequested {
			return ErrAlreadyProcessed
		}

		processedAt := ev.now()
		updates := map[string]any{
			"status":       status,
			"processed_at": processedAt,
		}
		if status == models.PayoutSent {
			updates["settlement_ref"] = settlementRef
			payout.SettlementRef = &settlementRef
		}
		if err := tx.Model(&payout).Updates(updates).Error; err != nil {
			return fmt.Errorf("failed to mark payout request: %w", err)
		}
		payout.Status = status
		payout.ProcessedAt = &processedAt
		return nil
	})
	if err != nil {
		return nil, err
	}

	decision := "sent"
	if status == models.PayoutRejected {
		decision = "rejected"
	}
	metrics.RecordPayoutDecision(decision)
	ev.logger.Info().
		Uint("payout_id", payout.ID).
		Str("status", string(status)).
		Msg("Payout processed")
	return &payout, nil
}
