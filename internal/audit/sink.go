// Package audit persists scored violations and session outcomes.
//
// A Sink receives every ViolationRecord the integrity machine scores and the
// outcome of each session. Sinks are called from the monitoring loop, so
// slow backends should be wrapped with NewAsync.
package audit

import (
	"context"
	"errors"

	"AI_PROCTOR/go-monitor/internal/integrity"
	"AI_PROCTOR/go-monitor/internal/models"
)

var (
	ErrNotFound  = errors.New("audit: session not found")
	ErrQueueFull = errors.New("audit: write queue full")
	ErrClosed    = errors.New("audit: sink closed")
)

type Sink interface {
	RecordViolation(ctx context.Context, row models.ViolationRow) error
	// RecordOutcome upserts the session row. It is called once when a
	// session starts and again when it ends.
	RecordOutcome(ctx context.Context, rec models.SessionRecord) error
	Close() error
}

// Reader serves the audit trail back.
type Reader interface {
	Session(ctx context.Context, id string) (*models.SessionRecord, error)
	Violations(ctx context.Context, sessionID string) ([]models.ViolationRow, error)
}

// RowFromRecord flattens a ViolationRecord for storage.
func RowFromRecord(sessionID string, rec integrity.ViolationRecord) models.ViolationRow {
	return models.ViolationRow{
		SessionID:        sessionID,
		Seq:              rec.Seq,
		Time:             rec.Time,
		Kind:             rec.Kind,
		Description:      rec.Description,
		BehaviorSnapshot: rec.BehaviorSnapshot,
		ChancesRemaining: rec.ChancesRemaining,
		Digest:           rec.Digest,
	}
}

// RecordFromRow is the inverse of RowFromRecord.
func RecordFromRow(row models.ViolationRow) integrity.ViolationRecord {
	return integrity.ViolationRecord{
		Seq:              row.Seq,
		Time:             row.Time,
		Kind:             row.Kind,
		Description:      row.Description,
		BehaviorSnapshot: row.BehaviorSnapshot,
		ChancesRemaining: row.ChancesRemaining,
		Digest:           row.Digest,
	}
}

// Verify checks that a stored trail is complete and untampered.
func Verify(rows []models.ViolationRow) error {
	recs := make([]integrity.ViolationRecord, len(rows))
	for i, row := range rows {
		recs[i] = RecordFromRow(row)
	}
	return integrity.VerifyChain("", recs)
}

type nop struct{}

// Nop discards everything.
func Nop() Sink { return nop{} }

func (nop) RecordViolation(context.Context, models.ViolationRow) error { return nil }
func (nop) RecordOutcome(context.Context, models.SessionRecord) error { return nil }
func (nop) Close() error { return nil }

type multi []Sink

// Multi fans every write out to all sinks. Nil sinks are skipped.
func Multi(sinks ...Sink) Sink {
	var m multi
	for _, s := range sinks {
		if s != nil {
			m = append(m, s)
		}
	}
	switch len(m) {
	case 0:
		return Nop()
	case 1:
		return m[0]
	}
	return m
}

func (m multi) RecordViolation(ctx context.Context, row models.ViolationRow) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.RecordViolation(ctx, row))
	}
	return errors.Join(errs...)
}

func (m multi) RecordOutcome(ctx context.Context, rec models.SessionRecord) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.RecordOutcome(ctx, rec))
	}
	return errors.Join(errs...)
}

func (m multi) Close() error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}
