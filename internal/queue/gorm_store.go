package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	dbpkg "applyq.local/applyq/internal/db"
	"applyq.local/applyq/internal/ids"
)

type GormStore struct {
	db   *gorm.DB
	opts Options
	now  func() time.Time
}

func NewGormStore(gormDB *gorm.DB, opts Options) (*GormStore, error) {
	if gormDB == nil {
		return nil, fmt.Errorf("gorm db is required")
	}
	store := &GormStore{
		db:   gormDB,
		opts: opts.withDefaults(),
		now: func() time.Time {
			return time.Now().UTC()
		},
	}
	if err := store.migrate(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *GormStore) migrate() error {
	if err := s.db.AutoMigrate(&taskRow{}); err != nil {
		return fmt.Errorf("migrate tasks: %w", err)
	}
	return nil
}

func (s *GormStore) Enqueue(ctx context.Context, req NewTask) (Task, error) {
	task, err := newTaskFromRequest(ids.NewPrefixed("task"), req, s.opts, s.now())
	if err != nil {
		return Task{}, err
	}
	row, err := taskRowFromTask(task)
	if err != nil {
		return Task{}, err
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return Task{}, fmt.Errorf("create task: %w", err)
	}
	return task, nil
}

func (s *GormStore) ClaimBatch(ctx context.Context, limit int) ([]Task, error) {
	if limit <= 0 {
		return []Task{}, nil
	}

	now := s.now()
	claimed := make([]Task, 0, limit)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&taskRow{}).
			Where("status = ? AND not_before <= ?", string(StatusRetrying), now).
			Updates(map[string]any{"status": string(StatusPending), "updated_at": now}).Error; err != nil {
			return fmt.Errorf("promote due retries: %w", err)
		}

		query := tx.Where("status = ? AND not_before <= ?", string(StatusPending), now).
			Order("priority DESC, created_at ASC, id ASC").
			Limit(limit)
		if dbpkg.IsPostgres(tx) {
			query = query.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}
		var rows []taskRow
		if err := query.Find(&rows).Error; err != nil {
			return fmt.Errorf("select claimable tasks: %w", err)
		}

		for _, row := range rows {
			task, err := row.toTask()
			if err != nil {
				return err
			}
			task = applyClaim(task, now)
			res := tx.Model(&taskRow{}).
				Where("id = ? AND status = ?", row.ID, string(StatusPending)).
				Updates(map[string]any{
					"status":              string(StatusProcessing),
					"assigned_session_id": "",
					"progress_step":       "",
					"started_at":          now,
					"updated_at":          now,
				})
			if res.Error != nil {
				return fmt.Errorf("claim task %s: %w", row.ID, res.Error)
			}
			if res.RowsAffected == 1 {
				claimed = append(claimed, task)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *GormStore) AssignSession(ctx context.Context, id, sessionID string) error {
	return s.updateProcessing(ctx, id, map[string]any{
		"assigned_session_id": strings.TrimSpace(sessionID),
		"updated_at":          s.now(),
	})
}

func (s *GormStore) UpdateProgress(ctx context.Context, id, step string) error {
	return s.updateProcessing(ctx, id, map[string]any{
		"progress_step": strings.TrimSpace(step),
		"updated_at":    s.now(),
	})
}

func (s *GormStore) updateProcessing(ctx context.Context, id string, updates map[string]any) error {
	res := s.db.WithContext(ctx).Model(&taskRow{}).
		Where("id = ? AND status = ?", strings.TrimSpace(id), string(StatusProcessing)).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update task %s: %w", id, res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}
	task, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return errNotProcessing(task)
}

func (s *GormStore) MarkCompleted(ctx context.Context, id string, result json.RawMessage) (Task, error) {
	return s.transition(ctx, id, StatusCompleted, func(t Task, now time.Time) Task {
		return applyCompleted(t, result, now)
	})
}

func (s *GormStore) MarkRetrying(ctx context.Context, id string, retry Retry) (Task, error) {
	return s.transition(ctx, id, StatusRetrying, func(t Task, now time.Time) Task {
		return applyRetry(t, retry, now, s.opts.HistoryLimit)
	})
}

func (s *GormStore) MarkFailed(ctx context.Context, id, message string) (Task, error) {
	return s.transition(ctx, id, StatusFailed, func(t Task, now time.Time) Task {
		return applyFailed(t, message, now, s.opts.HistoryLimit)
	})
}

// transition reads the task, applies the change in memory and writes it back
// only if the status is still the one that was read.
func (s *GormStore) transition(ctx context.Context, id string, to Status, apply func(Task, time.Time) Task) (Task, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return Task{}, err
	}
	if err := requireStatus(current, to); err != nil {
		return Task{}, err
	}
	next := apply(current, s.now())
	if err := s.writeIfStatus(s.db.WithContext(ctx), next, current.Status); err != nil {
		return Task{}, err
	}
	return next, nil
}

func (s *GormStore) writeIfStatus(tx *gorm.DB, next Task, expected Status) error {
	row, err := taskRowFromTask(next)
	if err != nil {
		return err
	}
	res := tx.Model(&taskRow{}).
		Where("id = ? AND status = ?", next.ID, string(expected)).
		Updates(mutableColumns(row))
	if res.Error != nil {
		return fmt.Errorf("update task %s: %w", next.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: task %s changed concurrently", ErrInvalidTransition, next.ID)
	}
	return nil
}

func (s *GormStore) Get(ctx context.Context, id string) (Task, error) {
	var row taskRow
	err := s.db.WithContext(ctx).Where("id = ?", strings.TrimSpace(id)).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Task{}, ErrNotFound
		}
		return Task{}, fmt.Errorf("get task: %w", err)
	}
	return row.toTask()
}

func (s *GormStore) List(ctx context.Context, filter Filter) ([]Task, error) {
	query := s.db.WithContext(ctx).Model(&taskRow{}).Order("created_at DESC, id DESC")
	if filter.TenantID != "" {
		query = query.Where("tenant_id = ?", filter.TenantID)
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, status := range filter.Statuses {
			statuses = append(statuses, string(status))
		}
		query = query.Where("status IN ?", statuses)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	var rows []taskRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	out := make([]Task, 0, len(rows))
	for _, row := range rows {
		task, err := row.toTask()
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, nil
}

func (s *GormStore) CountByStatus(ctx context.Context, tenantID string) (map[Status]int, error) {
	type statusCount struct {
		Status string
		Count  int
	}
	query := s.db.WithContext(ctx).Model(&taskRow{}).Select("status, COUNT(*) AS count").Group("status")
	if tenantID != "" {
		query = query.Where("tenant_id = ?", tenantID)
	}
	var rows []statusCount
	if err := query.Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	out := make(map[Status]int, len(rows))
	for _, row := range rows {
		out[Status(row.Status)] = row.Count
	}
	return out, nil
}

func (s *GormStore) RecoverOrphaned(ctx context.Context) ([]Task, error) {
	orphans, err := s.List(ctx, Filter{Statuses: []Status{StatusProcessing}})
	if err != nil {
		return nil, err
	}
	now := s.now()
	out := make([]Task, 0, len(orphans))
	for _, task := range orphans {
		next := applyRetry(task, Retry{NotBefore: now, Message: orphanRecoveredMessage}, now, s.opts.HistoryLimit)
		if err := s.writeIfStatus(s.db.WithContext(ctx), next, StatusProcessing); err != nil {
			if errors.Is(err, ErrInvalidTransition) {
				continue
			}
			return nil, err
		}
		out = append(out, next)
	}
	return out, nil
}
