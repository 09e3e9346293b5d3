// Package referral implements the participation state machine of the
// referral program: slot reservation, cycle tracking, duplicate and
// self-referral prevention, and idempotent intent creation.
package referral

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/refnet/refcore/internal/logger"
	"github.com/refnet/refcore/internal/metrics"
	"github.com/refnet/refcore/internal/models"
	"github.com/refnet/refcore/internal/risk"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrActiveCycle is returned when the identity already has a
	// participation in NEW, PENDING or CONFIRMED.
	ErrActiveCycle = errors.New("referral: active cycle exists")
	// ErrUnknownReferrer is returned when the referrer wallet is not
	// registered.
	ErrUnknownReferrer = errors.New("referral: unknown referrer")
	// ErrSelfReferral is returned when an identity refers itself.
	ErrSelfReferral = errors.New("referral: self referral")
	// ErrReferrerNotActivated is returned when the referrer has no confirmed
	// participation of its own yet.
	ErrReferrerNotActivated = errors.New("referral: referrer not activated")
	// ErrReferrerLimit is a capacity error: all of the referrer's slots for
	// the current cycle are taken. Retrying with a different referrer may
	// succeed; retrying with the same one will not until a slot frees up.
	ErrReferrerLimit = errors.New("referral: referrer slot limit reached")
	// ErrUnknownCode is returned when the supplied author code does not exist.
	ErrUnknownCode = errors.New("referral: unknown author code")
	// ErrUnknownIdentity is returned for an unknown identity id.
	ErrUnknownIdentity = errors.New("referral: unknown identity")
	// ErrUnknownParticipation is returned for an unknown participation id.
	ErrUnknownParticipation = errors.New("referral: unknown participation")
	// ErrInvalidTransition is returned when a confirm/reject is applied to a
	// participation outside NEW or PENDING.
	ErrInvalidTransition = errors.New("referral: invalid state transition")
	// ErrDuplicateTxRef is returned when a transaction reference is already
	// attached to another participation.
	ErrDuplicateTxRef = errors.New("referral: duplicate transaction reference")
	// ErrMissingTxRef is returned when a confirmation has no transaction
	// reference at all.
	ErrMissingTxRef = errors.New("referral: missing transaction reference")
)

// authorCodeBonusPoints is awarded once per identity to both the code owner
// and the new participant when an author code is applied.
const authorCodeBonusPoints = 2

// IntentResult is the response payload of CreateIntent. It is stored
// verbatim for idempotent replay.
type IntentResult struct {
	ParticipationID uint   `json:"participation_id"`
	Status          string `json:"status"`
	ReferrerWallet  string `json:"referrer_wallet"`
	CreatedAt       int64  `json:"created_at"`

	// Replayed reports that the result was served from an idempotency
	// record rather than computed. Not part of the stored payload.
	Replayed bool `json:"-"`
}

// Engine drives the participation state machine.
type Engine struct {
	db        *gorm.DB
	logger    zerolog.Logger
	riskLog   *risk.Log
	slotLimit int
	now       func() time.Time
}

// NewEngine creates a referral engine with the given per-referrer slot
// capacity. A nil clock defaults to time.Now.
func NewEngine(db *gorm.DB, logg zerolog.Logger, riskLog *risk.Log, slotLimit int, now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{
		db:        db,
		logger:    logger.WithComponent(logg, "referral"),
		riskLog:   riskLog,
		slotLimit: slotLimit,
		now:       now,
	}
}

// CycleStart returns the start of an identity's current reward cycle: the
// settlement time of its most recent SENT payout, or the zero time if it has
// never been paid out. Slot and eligibility windows only count rows created
// after this moment.
func CycleStart(db *gorm.DB, identityID uint) (time.Time, error) {
	var payout models.PayoutRequest
	err := db.
		Where("identity_id = ? AND status = ?", identityID, models.PayoutSent).
		Order("processed_at DESC").
		First(&payout).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to resolve cycle start: %w", err)
	}
	if payout.ProcessedAt == nil {
		return time.Time{}, nil
	}
	return *payout.ProcessedAt, nil
}

// ActiveParticipation returns the identity's participation in NEW, PENDING
// or CONFIRMED within the current cycle, or nil if the identity has no
// active cycle. A CONFIRMED participation behind a settled payout does not
// count.
func (e *Engine) ActiveParticipation(ctx context.Context, identityID uint) (*models.Participation, error) {
	cycleStart, err := CycleStart(e.db.WithContext(ctx), identityID)
	if err != nil {
		return nil, err
	}

	var part models.Participation
	err = e.db.WithContext(ctx).
		Where("identity_id = ? AND status IN ? AND created_at > ?",
			identityID, models.ActiveParticipationStatuses, cycleStart).
		Order("created_at DESC").
		First(&part).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load active participation: %w", err)
	}
	return &part, nil
}

// CreateIntent reserves a referral slot and creates a participation in state
// NEW. When an idempotency key is supplied and a response was already stored
// for it, that response is replayed verbatim and no side effects run.
func (e *Engine) CreateIntent(ctx context.Context, identityID uint, referrerWallet, code, idempotencyKey string) (*IntentResult, error) {
	result, err := e.createIntent(ctx, identityID, referrerWallet, code, idempotencyKey)
	if err != nil && idempotencyKey != "" && isUniqueViolation(err) {
		// Lost the insert race on the idempotency key: the concurrent
		// request committed first, so serve its stored response.
		if replayed, replayErr := e.replay(ctx, identityID, idempotencyKey); replayErr == nil && replayed != nil {
			return replayed, nil
		}
	}
	return result, err
}

func (e *Engine) createIntent(ctx context.Context, identityID uint, referrerWallet, code, idempotencyKey string) (*IntentResult, error) {
	var result *IntentResult

	// Audit rows for rejections are flushed after the transaction settles,
	// so the rollback does not take them down with it.
	pending := &risk.Pending{}
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if idempotencyKey != "" {
			var record models.IdempotencyRecord
			err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				Where("identity_id = ? AND key = ?", identityID, idempotencyKey).
				First(&record).Error
			if err == nil {
				replayed := IntentResult{Replayed: true}
				if err := json.Unmarshal(record.Response, &replayed); err != nil {
					return fmt.Errorf("failed to decode idempotency record: %w", err)
				}
				replayed.Replayed = true
				result = &replayed
				metrics.RecordIntent("replayed")
				return nil
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("failed to check idempotency key: %w", err)
			}
		}

		var ident models.Identity
		if err := tx.First(&ident, identityID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrUnknownIdentity
			}
			return fmt.Errorf("failed to load identity: %w", err)
		}

		// The active-cycle check only sees the identity's current cycle; a
		// CONFIRMED participation behind a settled payout does not block
		// re-entry.
		identCycleStart, err := CycleStart(tx, ident.ID)
		if err != nil {
			return err
		}

		var active int64
		if err := tx.Model(&models.Participation{}).
			Where("identity_id = ? AND status IN ? AND created_at > ?",
				ident.ID, models.ActiveParticipationStatuses, identCycleStart).
			Count(&active).Error; err != nil {
			return fmt.Errorf("failed to count active participations: %w", err)
		}
		if active > 0 {
			pending.Add(models.RiskActiveCycle, &ident.ID, map[string]any{
				"wallet": ident.WalletAddress,
			})
			metrics.RecordIntent("active_cycle")
			return ErrActiveCycle
		}

		// Lock the referrer row for the duration of count + insert. This is
		// the critical section that caps concurrent slot grants at the limit.
		var referrer models.Identity
		err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&referrer, "wallet_address = ?", referrerWallet).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			metrics.RecordIntent("unknown_referrer")
			return ErrUnknownReferrer
		}
		if err != nil {
			return fmt.Errorf("failed to load referrer: %w", err)
		}

		if referrer.ID == ident.ID {
			pending.Add(models.RiskSelfReferral, &ident.ID, map[string]any{
				"wallet": ident.WalletAddress,
			})
			metrics.RecordIntent("self_referral")
			return ErrSelfReferral
		}

		var confirmed int64
		if err := tx.Model(&models.Participation{}).
			Where("identity_id = ? AND status = ?", referrer.ID, models.ParticipationConfirmed).
			Count(&confirmed).Error; err != nil {
			return fmt.Errorf("failed to check referrer activation: %w", err)
		}
		if confirmed == 0 {
			metrics.RecordIntent("referrer_not_activated")
			return ErrReferrerNotActivated
		}

		cycleStart, err := CycleStart(tx, referrer.ID)
		if err != nil {
			return err
		}

		var taken int64
		if err := tx.Model(&models.Participation{}).
			Where("referrer_id = ? AND status IN ? AND created_at > ?",
				referrer.ID, models.ActiveParticipationStatuses, cycleStart).
			Count(&taken).Error; err != nil {
			return fmt.Errorf("failed to count referrer slots: %w", err)
		}
		if taken >= int64(e.slotLimit) {
			pending.Add(models.RiskRefLimit, &referrer.ID, map[string]any{
				"referrer": referrer.WalletAddress,
				"taken":    taken,
				"limit":    e.slotLimit,
			})
			metrics.RecordIntent("referrer_limit")
			return ErrReferrerLimit
		}

		part := models.Participation{
			IdentityID: ident.ID,
			ReferrerID: &referrer.ID,
			AuthorCode: code,
			Status:     models.ParticipationNew,
		}
		if err := tx.Create(&part).Error; err != nil {
			return fmt.Errorf("failed to create participation: %w", err)
		}

		if code != "" {
			if err := e.applyAuthorCode(ctx, tx, &ident, code); err != nil {
				return err
			}
		}

		result = &IntentResult{
			ParticipationID: part.ID,
			Status:          string(part.Status),
			ReferrerWallet:  referrer.WalletAddress,
			CreatedAt:       part.CreatedAt.Unix(),
		}

		if idempotencyKey != "" {
			payload, err := json.Marshal(result)
			if err != nil {
				return fmt.Errorf("failed to encode intent result: %w", err)
			}
			record := models.IdempotencyRecord{
				IdentityID: identityID,
				Key:        idempotencyKey,
				Response:   payload,
			}
			if err := tx.Create(&record).Error; err != nil {
				return fmt.Errorf("failed to store idempotency record: %w", err)
			}
		}

		metrics.RecordIntent("created")
		return nil
	})
	e.riskLog.Flush(ctx, pending)
	if err != nil {
		return nil, err
	}

	e.logger.Info().
		Uint("identity_id", identityID).
		Str("referrer", referrerWallet).
		Uint("participation_id", result.ParticipationID).
		Bool("replayed", result.Replayed).
		Msg("Intent processed")
	return result, nil
}

// applyAuthorCode awards the one-time bonus to the code owner and the new
// participant. The redemption row's unique index makes the award idempotent
// per identity.
func (e *Engine) applyAuthorCode(ctx context.Context, tx *gorm.DB, ident *models.Identity, code string) error {
	var authorCode models.AuthorCode
	err := tx.First(&authorCode, "code = ?", code).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrUnknownCode
	}
	if err != nil {
		return fmt.Errorf("failed to load author code: %w", err)
	}

	var existing int64
	if err := tx.Model(&models.AuthorCodeRedemption{}).
		Where("code_id = ? AND identity_id = ?", authorCode.ID, ident.ID).
		Count(&existing).Error; err != nil {
		return fmt.Errorf("failed to check code redemption: %w", err)
	}
	if existing > 0 {
		return nil // bonus already granted
	}

	redemption := models.AuthorCodeRedemption{CodeID: authorCode.ID, IdentityID: ident.ID}
	if err := tx.Create(&redemption).Error; err != nil {
		return fmt.Errorf("failed to record code redemption: %w", err)
	}

	if err := tx.Model(&models.Identity{}).Where("id = ?", authorCode.OwnerID).
		Update("points", gorm.Expr("points + ?", authorCodeBonusPoints)).Error; err != nil {
		return fmt.Errorf("failed to award owner bonus: %w", err)
	}
	if err := tx.Model(&models.Identity{}).Where("id = ?", ident.ID).
		Update("points", gorm.Expr("points + ?", authorCodeBonusPoints)).Error; err != nil {
		return fmt.Errorf("failed to award participant bonus: %w", err)
	}

	return nil
}

// replay returns the identity's stored response for an idempotency key,
// or nil.
func (e *Engine) replay(ctx context.Context, identityID uint, idempotencyKey string) (*IntentResult, error) {
	var record models.IdempotencyRecord
	err := e.db.WithContext(ctx).
		Where("identity_id = ? AND key = ?", identityID, idempotencyKey).
		First(&record).Error
	if err != nil {
		return nil, err
	}
	result := IntentResult{}
	if err := json.Unmarshal(record.Response, &result); err != nil {
		return nil, err
	}
	result.Replayed = true
	metrics.RecordIntent("replayed")
	return &result, nil
}

// AttachTx records a monetary transaction reference reported for the
// identity's active participation and moves it from NEW to PENDING. The
// reference must be globally unique across all participations.
func (e *Engine) AttachTx(ctx context.Context, identityID uint, txRef string) (*models.Participation, error) {
	txRef = strings.TrimSpace(txRef)
	if txRef == "" {
		return nil, ErrMissingTxRef
	}

	var part models.Participation
	pending := &risk.Pending{}
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cycleStart, err := CycleStart(tx, identityID)
		if err != nil {
			return err
		}

		err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("identity_id = ? AND status IN ? AND created_at > ?",
				identityID, models.ActiveParticipationStatuses, cycleStart).
			Order("created_at DESC").
			First(&part).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrUnknownParticipation
		}
		if err != nil {
			return fmt.Errorf("failed to load participation: %w", err)
		}

		if part.Status != models.ParticipationNew && part.Status != models.ParticipationPending {
			return ErrInvalidTransition
		}

		if err := e.checkTxRefUnique(tx, pending, txRef, part.ID, identityID); err != nil {
			return err
		}

		updates := map[string]any{
			"tx_ref": txRef,
			"status": models.ParticipationPending,
		}
		if err := tx.Model(&part).Updates(updates).Error; err != nil {
			return fmt.Errorf("failed to attach transaction: %w", err)
		}
		part.TxRef = &txRef
		part.Status = models.ParticipationPending
		return nil
	})
	e.riskLog.Flush(ctx, pending)
	if err != nil {
		return nil, err
	}

	e.logger.Info().
		Uint("participation_id", part.ID).
		Str("tx_ref", txRef).
		Msg("Transaction reference attached")
	return &part, nil
}

// Confirm transitions a NEW or PENDING participation to CONFIRMED and stamps
// the confirmation time. Trusted callers only. An empty txRef keeps the
// reference attached earlier; having neither is an error.
func (e *Engine) Confirm(ctx context.Context, participationID uint, txRef string) (*models.Participation, error) {
	txRef = strings.TrimSpace(txRef)

	var part models.Participation
	pending := &risk.Pending{}
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := e.lockParticipation(tx, participationID, &part); err != nil {
			return err
		}

		updates := map[string]any{
			"status":       models.ParticipationConfirmed,
			"confirmed_at": e.now(),
		}

		switch {
		case txRef != "":
			if err := e.checkTxRefUnique(tx, pending, txRef, part.ID, part.IdentityID); err != nil {
				return err
			}
			updates["tx_ref"] = txRef
		case part.TxRef == nil || *part.TxRef == "":
			return ErrMissingTxRef
		}

		if err := tx.Model(&part).Updates(updates).Error; err != nil {
			return fmt.Errorf("failed to confirm participation: %w", err)
		}
		return tx.First(&part, part.ID).Error
	})
	e.riskLog.Flush(ctx, pending)
	if err != nil {
		return nil, err
	}

	e.logger.Info().
		Uint("participation_id", part.ID).
		Msg("Participation confirmed")
	return &part, nil
}

// Reject transitions a NEW or PENDING participation to REJECTED, freeing the
// referrer's slot. Trusted callers only.
func (e *Engine) Reject(ctx context.Context, participationID uint) (*models.Participation, error) {
	var part models.Participation
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := e.lockParticipation(tx, participationID, &part); err != nil {
			return err
		}
		if err := tx.Model(&part).Update("status", models.ParticipationRejected).Error; err != nil {
			return fmt.Errorf("failed to reject participation: %w", err)
		}
		part.Status = models.ParticipationRejected
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info().
		Uint("participation_id", part.ID).
		Msg("Participation rejected")
	return &part, nil
}

// lockParticipation loads the participation under a row lock and checks it
// is still in a non-terminal state.
func (e *Engine) lockParticipation(tx *gorm.DB, participationID uint, part *models.Participation) error {
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		First(part, participationID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrUnknownParticipation
	}
	if err != nil {
		return fmt.Errorf("failed to load participation: %w", err)
	}
	if part.Status != models.ParticipationNew && part.Status != models.ParticipationPending {
		return ErrInvalidTransition
	}
	return nil
}

// checkTxRefUnique enforces global uniqueness of transaction references and
// queues a duplicate as a risk event for the caller to flush.
func (e *Engine) checkTxRefUnique(tx *gorm.DB, pending *risk.Pending, txRef string, participationID, identityID uint) error {
	var count int64
	if err := tx.Model(&models.Participation{}).
		Where("tx_ref = ? AND id <> ?", txRef, participationID).
		Count(&count).Error; err != nil {
		return fmt.Errorf("failed to check transaction reference: %w", err)
	}
	if count > 0 {
		pending.Add(models.RiskDuplicateTx, &identityID, map[string]any{
			"tx_ref": txRef,
		})
		return ErrDuplicateTxRef
	}
	return nil
}

// isUniqueViolation reports whether the error is a unique-index violation.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "UNIQUE constraint")
}
