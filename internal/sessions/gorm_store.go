package sessions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

type sessionRow struct {
	ID             string    `gorm:"primaryKey;size:64"`
	TenantID       string    `gorm:"size:191;not null;index:idx_sessions_tenant_status,priority:1"`
	Status         string    `gorm:"size:32;not null;index:idx_sessions_tenant_status,priority:2"`
	CreatedAt      time.Time `gorm:"not null"`
	LastActivityAt time.Time `gorm:"not null"`
	CurrentTaskID  string    `gorm:"size:64"`
	UsesRemaining  int       `gorm:"not null"`
	Tainted        bool      `gorm:"not null;default:false"`
	TaintReason    string    `gorm:"size:512"`
	LastOutcome    string    `gorm:"size:32"`
	PendingDispose string    `gorm:"size:191"`
	DisposedAt     *time.Time
	DisposeReason  string    `gorm:"size:512"`
	UpdatedAt      time.Time `gorm:"not null"`
}

func (sessionRow) TableName() string {
	return "automation_sessions"
}

func (r sessionRow) toRecord() Record {
	rec := Record{
		ID:             r.ID,
		TenantID:       r.TenantID,
		Status:         Status(r.Status),
		CreatedAt:      r.CreatedAt.UTC(),
		LastActivityAt: r.LastActivityAt.UTC(),
		CurrentTaskID:  r.CurrentTaskID,
		UsesRemaining:  r.UsesRemaining,
		Tainted:        r.Tainted,
		TaintReason:    r.TaintReason,
		LastOutcome:    Outcome(r.LastOutcome),
		PendingDispose: r.PendingDispose,
		DisposeReason:  r.DisposeReason,
		UpdatedAt:      r.UpdatedAt.UTC(),
	}
	if r.DisposedAt != nil {
		rec.DisposedAt = r.DisposedAt.UTC()
	}
	return rec
}

func sessionRowFromRecord(rec Record) sessionRow {
	row := sessionRow{
		ID:             rec.ID,
		TenantID:       rec.TenantID,
		Status:         string(rec.Status),
		CreatedAt:      rec.CreatedAt.UTC(),
		LastActivityAt: rec.LastActivityAt.UTC(),
		CurrentTaskID:  rec.CurrentTaskID,
		UsesRemaining:  rec.UsesRemaining,
		Tainted:        rec.Tainted,
		TaintReason:    rec.TaintReason,
		LastOutcome:    string(rec.LastOutcome),
		PendingDispose: rec.PendingDispose,
		DisposeReason:  rec.DisposeReason,
		UpdatedAt:      rec.UpdatedAt.UTC(),
	}
	if !rec.DisposedAt.IsZero() {
		at := rec.DisposedAt.UTC()
		row.DisposedAt = &at
	}
	return row
}

type GormStore struct {
	db *gorm.DB
}

func NewGormStore(gormDB *gorm.DB) (*GormStore, error) {
	if gormDB == nil {
		return nil, fmt.Errorf("gorm db is required")
	}
	if err := gormDB.AutoMigrate(&sessionRow{}); err != nil {
		return nil, fmt.Errorf("migrate automation sessions: %w", err)
	}
	return &GormStore{db: gormDB}, nil
}

func (s *GormStore) Save(ctx context.Context, rec Record) error {
	row := sessionRowFromRecord(rec)
	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return fmt.Errorf("save session %s: %w", rec.ID, err)
	}
	return nil
}

func (s *GormStore) Get(ctx context.Context, id string) (Record, error) {
	var row sessionRow
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("get session: %w", err)
	}
	return row.toRecord(), nil
}

func (s *GormStore) List(ctx context.Context, filter ListFilter) ([]Record, error) {
	query := s.db.WithContext(ctx).Model(&sessionRow{}).Order("created_at DESC")
	if filter.TenantID != "" {
		query = query.Where("tenant_id = ?", filter.TenantID)
	}
	if !filter.IncludeDisposed {
		query = query.Where("status <> ?", string(StatusDisposed))
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	var rows []sessionRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	out := make([]Record, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toRecord())
	}
	return out, nil
}

func (s *GormStore) DisposeOpen(ctx context.Context, reason string, at time.Time) (int, error) {
	at = at.UTC()
	res := s.db.WithContext(ctx).Model(&sessionRow{}).
		Where("status <> ?", string(StatusDisposed)).
		Updates(map[string]any{
			"status":          string(StatusDisposed),
			"current_task_id": "",
			"disposed_at":     &at,
			"dispose_reason":  reason,
			"updated_at":      at,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("dispose open sessions: %w", res.Error)
	}
	return int(res.RowsAffected), nil
}
