package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"tpn/internal/models"
)

type LeaseStore struct{ db *gorm.DB }

func NewLeaseStore(db *gorm.DB) *LeaseStore { return &LeaseStore{db: db} }

// TakenIDs возвращает занятые id в диапазоне [start, end] по возрастанию.
// Истёкшие, но ещё не вычищенные строки тоже считаются занятыми.
func (s *LeaseStore) TakenIDs(ctx context.Context, start, end int) ([]int, error) {
	var ids []int
	err := s.db.WithContext(ctx).Model(&models.WireGuardLease{}).
		Where("id >= ? AND id <= ?", start, end).
		Order("id asc").
		Pluck("id", &ids).Error
	return ids, err
}

// Upsert вставляет или продлевает аренду по id; дублей не бывает.
func (s *LeaseStore) Upsert(ctx context.Context, id int, expiresAt time.Time) error {
	row := models.WireGuardLease{ID: id, ExpiresAt: expiresAt.UTC(), UpdatedAt: time.Now().UTC()}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"expires_at", "updated_at"}),
	}).Create(&row).Error
}

// Expired — id аренд с expires_at раньше now.
func (s *LeaseStore) Expired(ctx context.Context, now time.Time) ([]int, error) {
	var ids []int
	err := s.db.WithContext(ctx).Model(&models.WireGuardLease{}).
		Where("expires_at < ?", now.UTC()).
		Order("id asc").
		Pluck("id", &ids).Error
	return ids, err
}

func (s *LeaseStore) Delete(ctx context.Context, ids []int) error {
	if len(ids) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Where("id IN ?", ids).Delete(&models.WireGuardLease{}).Error
}

// SoonestExpiry — ближайший expires_at среди всех аренд; ok=false если таблица пуста.
func (s *LeaseStore) SoonestExpiry(ctx context.Context) (time.Time, bool, error) {
	var l models.WireGuardLease
	err := s.db.WithContext(ctx).Order("expires_at asc").First(&l).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return l.ExpiresAt, true, nil
}

func (s *LeaseStore) Get(ctx context.Context, id int) (*models.WireGuardLease, error) {
	var l models.WireGuardLease
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&l).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return &l, err
}
