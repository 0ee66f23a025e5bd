package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"tpn/internal/models"
)

type ChallengeStore struct{ db *gorm.DB }

func NewChallengeStore(db *gorm.DB) *ChallengeStore { return &ChallengeStore{db: db} }

// Create вставляет пару challenge/response. Повтор challenge — ошибка
// уникальности, её не глушим.
func (s *ChallengeStore) Create(ctx context.Context, c *models.Challenge) error {
	if err := s.db.WithContext(ctx).Create(c).Error; err != nil {
		return fmt.Errorf("insert challenge: %w", err)
	}
	return nil
}

// Find возвращает nil, nil если challenge неизвестен.
func (s *ChallengeStore) Find(ctx context.Context, challenge string) (*models.Challenge, error) {
	var c models.Challenge
	err := s.db.WithContext(ctx).Where("challenge = ?", challenge).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select challenge: %w", err)
	}
	return &c, nil
}

// MarkSolved выставляет solved только если он ещё пуст: выигрывает первый.
func (s *ChallengeStore) MarkSolved(ctx context.Context, challenge string, at time.Time) error {
	err := s.db.WithContext(ctx).Model(&models.Challenge{}).
		Where("challenge = ? AND solved IS NULL", challenge).
		Update("solved", at.UTC()).Error
	if err != nil {
		return fmt.Errorf("update challenge: %w", err)
	}
	return nil
}

// Prune удаляет challenge, созданные раньше before.
func (s *ChallengeStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("created < ?", before.UTC()).Delete(&models.Challenge{})
	return res.RowsAffected, res.Error
}
