package cooldown

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

type cooldownRow struct {
	TenantID         string     `gorm:"primaryKey;size:191"`
	CooldownUntil    *time.Time `gorm:"index"`
	Reason           string     `gorm:"size:191"`
	RateLimitStrikes int        `gorm:"not null;default:0"`
	UpdatedAt        time.Time  `gorm:"not null"`
}

func (cooldownRow) TableName() string {
	return "tenant_cooldowns"
}

func (r cooldownRow) toEntry() Entry {
	entry := Entry{
		TenantID:         r.TenantID,
		Reason:           r.Reason,
		RateLimitStrikes: r.RateLimitStrikes,
		UpdatedAt:        r.UpdatedAt,
	}
	if r.CooldownUntil != nil {
		entry.Until = r.CooldownUntil.UTC()
	}
	return entry
}

func rowFromEntry(entry Entry) cooldownRow {
	row := cooldownRow{
		TenantID:         entry.TenantID,
		Reason:           entry.Reason,
		RateLimitStrikes: entry.RateLimitStrikes,
		UpdatedAt:        entry.UpdatedAt,
	}
	if !entry.Until.IsZero() {
		until := entry.Until.UTC()
		row.CooldownUntil = &until
	}
	return row
}

type GormLedger struct {
	db  *gorm.DB
	now func() time.Time
}

func NewGormLedger(gormDB *gorm.DB) (*GormLedger, error) {
	if gormDB == nil {
		return nil, fmt.Errorf("gorm db is required")
	}
	if err := gormDB.AutoMigrate(&cooldownRow{}); err != nil {
		return nil, fmt.Errorf("migrate cooldown ledger: %w", err)
	}
	return &GormLedger{
		db: gormDB,
		now: func() time.Time {
			return time.Now().UTC()
		},
	}, nil
}

func (l *GormLedger) Get(ctx context.Context, tenantID string) (Entry, error) {
	if err := validateTenantID(tenantID); err != nil {
		return Entry{}, err
	}
	tenantID = strings.TrimSpace(tenantID)

	var row cooldownRow
	err := l.db.WithContext(ctx).Where("tenant_id = ?", tenantID).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Entry{TenantID: tenantID}, nil
		}
		return Entry{}, fmt.Errorf("get cooldown: %w", err)
	}

	entry := row.toEntry()
	now := l.now()
	if !entry.Until.IsZero() && !entry.Active(now) {
		res := l.db.WithContext(ctx).Model(&cooldownRow{}).
			Where("tenant_id = ? AND cooldown_until <= ?", tenantID, now).
			Updates(map[string]any{"cooldown_until": nil, "reason": "", "updated_at": now})
		if res.Error != nil {
			return Entry{}, fmt.Errorf("clear expired cooldown: %w", res.Error)
		}
		entry.Until = time.Time{}
		entry.Reason = ""
		entry.UpdatedAt = now
	}
	return entry, nil
}

func (l *GormLedger) Block(ctx context.Context, tenantID string, until time.Time, reason string) (Entry, error) {
	if err := validateTenantID(tenantID); err != nil {
		return Entry{}, err
	}
	tenantID = strings.TrimSpace(tenantID)

	var out Entry
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := takeOrZero(tx, tenantID)
		if err != nil {
			return err
		}
		out = merge(existing, until, reason, l.now())
		row := rowFromEntry(out)
		if err := tx.Save(&row).Error; err != nil {
			return fmt.Errorf("save cooldown: %w", err)
		}
		return nil
	})
	if err != nil {
		return Entry{}, err
	}
	return out, nil
}

func (l *GormLedger) Clear(ctx context.Context, tenantID string) error {
	if err := validateTenantID(tenantID); err != nil {
		return err
	}
	tenantID = strings.TrimSpace(tenantID)
	now := l.now()
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("tenant_id = ? AND (cooldown_until IS NULL OR cooldown_until <= ?)", tenantID, now).
			Delete(&cooldownRow{}).Error
		if err != nil {
			return fmt.Errorf("clear cooldown: %w", err)
		}
		err = tx.Model(&cooldownRow{}).
			Where("tenant_id = ? AND rate_limit_strikes > 0", tenantID).
			Updates(map[string]any{"rate_limit_strikes": 0, "updated_at": now}).Error
		if err != nil {
			return fmt.Errorf("reset rate limit strikes: %w", err)
		}
		return nil
	})
}

func (l *GormLedger) RecordRateLimit(ctx context.Context, tenantID string) (int, error) {
	if err := validateTenantID(tenantID); err != nil {
		return 0, err
	}
	tenantID = strings.TrimSpace(tenantID)

	var strikes int
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		entry, err := takeOrZero(tx, tenantID)
		if err != nil {
			return err
		}
		entry.RateLimitStrikes++
		entry.UpdatedAt = l.now()
		row := rowFromEntry(entry)
		if err := tx.Save(&row).Error; err != nil {
			return fmt.Errorf("save rate limit strike: %w", err)
		}
		strikes = entry.RateLimitStrikes
		return nil
	})
	if err != nil {
		return 0, err
	}
	return strikes, nil
}

func (l *GormLedger) ResetStrikes(ctx context.Context, tenantID string) error {
	if err := validateTenantID(tenantID); err != nil {
		return err
	}
	res := l.db.WithContext(ctx).Model(&cooldownRow{}).
		Where("tenant_id = ? AND rate_limit_strikes > 0", strings.TrimSpace(tenantID)).
		Updates(map[string]any{"rate_limit_strikes": 0, "updated_at": l.now()})
	if res.Error != nil {
		return fmt.Errorf("reset rate limit strikes: %w", res.Error)
	}
	return nil
}

func (l *GormLedger) Active(ctx context.Context) ([]Entry, error) {
	var rows []cooldownRow
	err := l.db.WithContext(ctx).
		Where("cooldown_until > ?", l.now()).
		Order("cooldown_until ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list active cooldowns: %w", err)
	}
	out := make([]Entry, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toEntry())
	}
	return out, nil
}

func takeOrZero(tx *gorm.DB, tenantID string) (Entry, error) {
	var row cooldownRow
	err := tx.Where("tenant_id = ?", tenantID).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Entry{TenantID: tenantID}, nil
		}
		return Entry{}, fmt.Errorf("get cooldown: %w", err)
	}
	return row.toEntry(), nil
}
