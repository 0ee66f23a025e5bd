package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"tpn/internal/logs"
	"tpn/internal/models"
)

// StatusStore — append-only история статусов майнеров.
type StatusStore struct{ db *gorm.DB }

func NewStatusStore(db *gorm.DB) *StatusStore { return &StatusStore{db: db} }

func (s *StatusStore) Save(ctx context.Context, minerUID string, status models.MinerStatusValue) error {
	if !status.Valid() {
		logs.Logger.Warnf("saving unexpected miner status %q for %s", status, minerUID)
	}
	row := models.MinerStatus{MinerUID: minerUID, Status: status, Updated: time.Now().UTC()}
	return s.db.WithContext(ctx).Create(&row).Error
}

// Last — последний известный статус; nil, nil если истории нет.
func (s *StatusStore) Last(ctx context.Context, minerUID string) (*models.MinerStatus, error) {
	var st models.MinerStatus
	err := s.db.WithContext(ctx).
		Where("miner_uid = ?", minerUID).
		Order("updated desc, id desc").
		First(&st).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return &st, err
}

// History — статусы в окне [from, to], новые первыми. Нулевой to — «сейчас».
func (s *StatusStore) History(ctx context.Context, minerUID string, from, to time.Time) ([]models.MinerStatus, error) {
	if to.IsZero() {
		to = time.Now()
	}
	var rows []models.MinerStatus
	err := s.db.WithContext(ctx).
		Where("miner_uid = ? AND updated >= ? AND updated <= ?", minerUID, from.UTC(), to.UTC()).
		Order("updated desc, id desc").
		Find(&rows).Error
	return rows, err
}

type VerificationStore struct{ db *gorm.DB }

func NewVerificationStore(db *gorm.DB) *VerificationStore { return &VerificationStore{db: db} }

func (s *VerificationStore) Save(ctx context.Context, v *models.Verification) error {
	return s.db.WithContext(ctx).Create(v).Error
}

// Recent — последние n проверок майнера.
func (s *VerificationStore) Recent(ctx context.Context, minerUID string, n int) ([]models.Verification, error) {
	var rows []models.Verification
	err := s.db.WithContext(ctx).
		Where("miner_uid = ?", minerUID).
		Order("created_at desc, id desc").
		Limit(n).
		Find(&rows).Error
	return rows, err
}
