// Package identity manages the authenticated principals of the referral
// program: wallet-keyed records with optional Telegram identity and an
// optional inviting identity.
package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/refnet/refcore/internal/logger"
	"github.com/refnet/refcore/internal/models"
	"github.com/refnet/refcore/internal/risk"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrNotFound is returned when no identity matches the lookup key.
	ErrNotFound = errors.New("identity: not found")
	// ErrTelegramAlreadyLinked is returned when the identity already carries
	// a Telegram id. Linking happens at most once.
	ErrTelegramAlreadyLinked = errors.New("identity: telegram already linked")
	// ErrTelegramInUse is returned when the Telegram id is bound to a
	// different wallet identity.
	ErrTelegramInUse = errors.New("identity: telegram id belongs to another wallet")
	// ErrInviterAlreadySet is returned when the inviter back-reference was
	// set before. It is set at most once.
	ErrInviterAlreadySet = errors.New("identity: inviter already set")
	// ErrSelfInvite is returned when an identity names itself as inviter.
	ErrSelfInvite = errors.New("identity: self invite")
	// ErrHasParticipation is returned when the inviter is applied after the
	// identity already entered a cycle.
	ErrHasParticipation = errors.New("identity: participation already exists")
	// ErrUnknownInviter is returned when the inviter wallet is not registered.
	ErrUnknownInviter = errors.New("identity: unknown inviter")
)

// Service provides identity lookup, creation and linking operations.
type Service struct {
	db      *gorm.DB
	logger  zerolog.Logger
	riskLog *risk.Log
}

// NewService creates an identity service.
func NewService(db *gorm.DB, logg zerolog.Logger, riskLog *risk.Log) *Service {
	return &Service{
		db:      db,
		logger:  logger.WithComponent(logg, "identity"),
		riskLog: riskLog,
	}
}

// GetByWallet returns the identity for a wallet address.
func (s *Service) GetByWallet(ctx context.Context, walletAddress string) (*models.Identity, error) {
	var ident models.Identity
	err := s.db.WithContext(ctx).First(&ident, "wallet_address = ?", walletAddress).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load identity: %w", err)
	}
	return &ident, nil
}

// GetOrCreateByWallet returns the identity for a wallet address, creating it
// on first sight. The second return reports whether a new row was created.
func (s *Service) GetOrCreateByWallet(ctx context.Context, walletAddress string) (*models.Identity, bool, error) {
	ident, err := s.GetByWallet(ctx, walletAddress)
	if err == nil {
		return ident, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	created := models.Identity{WalletAddress: walletAddress}
	if err := s.db.WithContext(ctx).Create(&created).Error; err != nil {
		// A concurrent create can win the unique index race; fall back to
		// the existing row.
		if existing, lookupErr := s.GetByWallet(ctx, walletAddress); lookupErr == nil {
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("failed to create identity: %w", err)
	}

	walletLogger := logger.WithWallet(s.logger, walletAddress)
	walletLogger.Info().
		Uint("identity_id", created.ID).
		Msg("Identity created")
	return &created, true, nil
}

// LinkTelegram binds a Telegram identity to the wallet identity. The link is
// set at most once; a Telegram id claiming a second wallet is rejected and
// recorded as wallet reuse.
func (s *Service) LinkTelegram(ctx context.Context, identityID uint, telegramID int64, username, firstName string) error {
	pending := &risk.Pending{}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ident models.Identity
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&ident, identityID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("failed to load identity: %w", err)
		}

		if ident.TelegramID != nil {
			if *ident.TelegramID == telegramID {
				return nil // idempotent re-link of the same account
			}
			return ErrTelegramAlreadyLinked
		}

		var existing models.Identity
		err := tx.First(&existing, "telegram_id = ?", telegramID).Error
		if err == nil {
			pending.Add(models.RiskWalletReused, &ident.ID, map[string]any{
				"telegram_id":     telegramID,
				"existing_wallet": existing.WalletAddress,
				"claimed_wallet":  ident.WalletAddress,
			})
			return ErrTelegramInUse
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("failed to check telegram id: %w", err)
		}

		updates := map[string]any{
			"telegram_id":       telegramID,
			"telegram_username": username,
			"first_name":        firstName,
		}
		if err := tx.Model(&ident).Updates(updates).Error; err != nil {
			return fmt.Errorf("failed to link telegram identity: %w", err)
		}

		s.logger.Info().
			Uint("identity_id", ident.ID).
			Int64("telegram_id", telegramID).
			Msg("Telegram identity linked")
		return nil
	})
	s.riskLog.Flush(ctx, pending)
	return err
}

// ApplyInviter sets the inviting identity by wallet address. Allowed at most
// once, never to self, and only before the identity enters its first cycle.
func (s *Service) ApplyInviter(ctx context.Context, identityID uint, inviterWallet string) error {
	pending := &risk.Pending{}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ident models.Identity
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&ident, identityID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("failed to load identity: %w", err)
		}

		if ident.InviterID != nil {
			return ErrInviterAlreadySet
		}

		var inviter models.Identity
		if err := tx.First(&inviter, "wallet_address = ?", inviterWallet).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrUnknownInviter
			}
			return fmt.Errorf("failed to load inviter: %w", err)
		}

		if inviter.ID == ident.ID {
			pending.Add(models.RiskSelfReferral, &ident.ID, map[string]any{
				"wallet": ident.WalletAddress,
			})
			return ErrSelfInvite
		}

		var participations int64
		if err := tx.Model(&models.Participation{}).
			Where("identity_id = ?", ident.ID).
			Count(&participations).Error; err != nil {
			return fmt.Errorf("failed to count participations: %w", err)
		}
		if participations > 0 {
			return ErrHasParticipation
		}

		if err := tx.Model(&ident).Update("inviter_id", inviter.ID).Error; err != nil {
			return fmt.Errorf("failed to set inviter: %w", err)
		}

		s.logger.Info().
			Uint("identity_id", ident.ID).
			Uint("inviter_id", inviter.ID).
			Msg("Inviter applied")
		return nil
	})
	s.riskLog.Flush(ctx, pending)
	return err
}
