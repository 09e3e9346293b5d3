// Package risk records anomalous events (duplicate transactions, wallet
// reuse, slot exhaustion, self-referrals) for later investigation.
package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/refnet/refcore/internal/logger"
	"github.com/refnet/refcore/internal/metrics"
	"github.com/refnet/refcore/internal/models"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// Log is an append-only audit log backed by the risk_events table.
type Log struct {
	db     *gorm.DB
	logger zerolog.Logger
	now    func() time.Time
}

// NewLog creates a risk audit log. A nil clock defaults to time.Now.
func NewLog(db *gorm.DB, logg zerolog.Logger, now func() time.Time) *Log {
	if now == nil {
		now = time.Now
	}
	return &Log{
		db:     db,
		logger: logger.WithComponent(logg, "risk"),
		now:    now,
	}
}

// Pending buffers events raised inside a transaction that is about to roll
// back. Audit rows must survive the rollback of the rejection that produced
// them, so they are written on the log's own connection only after the
// transaction has settled.
type Pending struct {
	events []pendingEvent
}

type pendingEvent struct {
	kind       models.RiskKind
	identityID *uint
	meta       map[string]any
}

// Add queues an event for the next Flush.
func (p *Pending) Add(kind models.RiskKind, identityID *uint, meta map[string]any) {
	p.events = append(p.events, pendingEvent{kind: kind, identityID: identityID, meta: meta})
}

// Flush records all queued events and empties the buffer.
func (l *Log) Flush(ctx context.Context, p *Pending) {
	for _, e := range p.events {
		l.Record(ctx, e.kind, e.identityID, e.meta)
	}
	p.events = nil
}

// Record appends a risk event. Audit failures are logged and swallowed so
// they never mask the rejection that triggered them.
func (l *Log) Record(ctx context.Context, kind models.RiskKind, identityID *uint, meta map[string]any) {
	metaJSON := "{}"
	if len(meta) > 0 {
		raw, err := json.Marshal(meta)
		if err != nil {
			l.logger.Error().Err(err).Str("kind", string(kind)).Msg("Failed to encode risk event metadata")
		} else {
			metaJSON = string(raw)
		}
	}

	event := models.RiskEvent{
		IdentityID: identityID,
		Kind:       kind,
		Meta:       metaJSON,
	}
	if err := l.db.WithContext(ctx).Create(&event).Error; err != nil {
		l.logger.Error().Err(err).Str("kind", string(kind)).Msg("Failed to record risk event")
		return
	}

	metrics.RecordRiskEvent(string(kind))
	l.logger.Warn().
		Str("kind", string(kind)).
		Str("meta", metaJSON).
		Msg("Risk event recorded")
}

// ListRecent returns the most recent events of a kind, newest first.
func (l *Log) ListRecent(ctx context.Context, kind models.RiskKind, limit int) ([]models.RiskEvent, error) {
	var events []models.RiskEvent
	err := l.db.WithContext(ctx).
		Where("kind = ?", kind).
		Order("created_at DESC").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list risk events: %w", err)
	}
	return events, nil
}

// Purge deletes events older than the retention window and returns the
// number of rows removed.
func (l *Log) Purge(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := l.now().Add(-retention)
	res := l.db.WithContext(ctx).
		Unscoped().
		Where("created_at < ?", cutoff).
		Delete(&models.RiskEvent{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to purge risk events: %w", res.Error)
	}

	if res.RowsAffected > 0 {
		l.logger.Info().Int64("count", res.RowsAffected).Time("cutoff", cutoff).Msg("Purged risk events")
	}
	return res.RowsAffected, nil
}
