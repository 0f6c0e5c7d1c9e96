package sqlstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/uptrace/bun"
)

const defaultDedupRetention = 24 * time.Hour

// DedupLedger admits each (account_id, event_id) once per retention window.
// The primary key makes the insert the check; an expired row is reclaimed by
// a conditional update so two racing admissions still see one winner.
type DedupLedger struct {
	db        *bun.DB
	retention time.Duration
	Now       func() time.Time
}

func NewDedupLedger(db *bun.DB, retention time.Duration) (*DedupLedger, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	if retention <= 0 {
		retention = defaultDedupRetention
	}
	return &DedupLedger{
		db:        db,
		retention: retention,
		Now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

func (l *DedupLedger) Admit(ctx context.Context, accountID, eventID string) (bool, error) {
	if l == nil || l.db == nil {
		return false, fmt.Errorf("sqlstore: dedup ledger is not configured")
	}
	accountID, eventID, err := dedupKey(accountID, eventID)
	if err != nil {
		return false, err
	}
	now := l.now()
	expiresAt := now.Add(l.retention)

	record := &dedupRecord{
		AccountID:  accountID,
		EventID:    eventID,
		AdmittedAt: now,
		ExpiresAt:  expiresAt,
	}
	_, err = l.db.NewInsert().Model(record).Exec(ctx)
	if err == nil {
		return true, nil
	}
	if !isUniqueViolation(err) {
		return false, err
	}

	result, err := l.db.NewUpdate().
		Model((*dedupRecord)(nil)).
		Set("admitted_at = ?", now).
		Set("expires_at = ?", expiresAt).
		Where("account_id = ?", accountID).
		Where("event_id = ?", eventID).
		Where("expires_at <= ?", now).
		Exec(ctx)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (l *DedupLedger) Release(ctx context.Context, accountID, eventID string) error {
	if l == nil || l.db == nil {
		return fmt.Errorf("sqlstore: dedup ledger is not configured")
	}
	accountID, eventID, err := dedupKey(accountID, eventID)
	if err != nil {
		return err
	}
	_, err = l.db.NewDelete().
		Model((*dedupRecord)(nil)).
		Where("account_id = ?", accountID).
		Where("event_id = ?", eventID).
		Exec(ctx)
	return err
}

func (l *DedupLedger) PurgeExpired(ctx context.Context) (int, error) {
	if l == nil || l.db == nil {
		return 0, fmt.Errorf("sqlstore: dedup ledger is not configured")
	}
	result, err := l.db.NewDelete().
		Model((*dedupRecord)(nil)).
		Where("expires_at <= ?", l.now()).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

func (l *DedupLedger) now() time.Time {
	if l != nil && l.Now != nil {
		return l.Now().UTC()
	}
	return time.Now().UTC()
}

func dedupKey(accountID, eventID string) (string, string, error) {
	accountID = strings.TrimSpace(accountID)
	eventID = strings.TrimSpace(eventID)
	if accountID == "" || eventID == "" {
		return "", "", fmt.Errorf("sqlstore: dedup account id and event id are required")
	}
	return accountID, eventID, nil
}
