// Package challenge хранит пары challenge/response и решает их.
package challenge

import (
	"context"
	"fmt"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"

	"tpn/internal/logs"
	"tpn/internal/models"
)

// Store — то, что ledger'у нужно от БД (repo.ChallengeStore).
type Store interface {
	Create(ctx context.Context, c *models.Challenge) error
	Find(ctx context.Context, challenge string) (*models.Challenge, error)
	MarkSolved(ctx context.Context, challenge string, at time.Time) error
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// Solution — результат Solve. MsToSolve и SolvedAt заполнены только при Correct.
type Solution struct {
	Correct   bool      `json:"correct"`
	MsToSolve int64     `json:"ms_to_solve,omitempty"`
	SolvedAt  time.Time `json:"solved_at,omitempty"`
}

type Ledger struct {
	store Store
	cache *gocache.Cache
	clock clock.Clock
}

// NewLedger: cacheTTL — сколько держать в памяти найденные записи.
func NewLedger(store Store, clk clock.Clock, cacheTTL time.Duration) *Ledger {
	if cacheTTL <= 0 {
		cacheTTL = 10 * time.Minute
	}
	return &Ledger{
		store: store,
		cache: gocache.New(cacheTTL, 2*cacheTTL),
		clock: clk,
	}
}

func cacheKey(challenge string) string { return "challenge_solution_" + challenge }

// Generate создаёт новую пару и возвращает challenge. Пустой minerUID
// записывается как unknown.
func (l *Ledger) Generate(ctx context.Context, minerUID string) (string, error) {
	if minerUID == "" {
		minerUID = models.UnknownMiner
	}
	c := &models.Challenge{
		Challenge: uuid.NewString(),
		Response:  uuid.NewString(),
		MinerUID:  minerUID,
		Created:   l.clock.Now().UTC(),
	}
	if err := l.store.Create(ctx, c); err != nil {
		return "", err
	}
	logs.Logger.WithFields(logrus.Fields{
		"challenge": c.Challenge,
		"miner_uid": minerUID,
	}).Info("generated challenge")
	return c.Challenge, nil
}

// Resolve возвращает запись; для неизвестного challenge — пустую запись
// без ошибки.
func (l *Ledger) Resolve(ctx context.Context, challenge string) (models.Challenge, error) {
	if v, ok := l.cache.Get(cacheKey(challenge)); ok {
		return v.(models.Challenge), nil
	}
	c, err := l.store.Find(ctx, challenge)
	if err != nil {
		return models.Challenge{}, err
	}
	if c == nil {
		return models.Challenge{}, nil
	}
	if c.Response != "" {
		l.cache.SetDefault(cacheKey(challenge), *c)
	}
	return *c, nil
}

// Solve сверяет response с сохранённым. При верном ответе и !readOnly
// фиксирует время решения; повторные решения время не сдвигают.
func (l *Ledger) Solve(ctx context.Context, challenge, response string, readOnly bool) (Solution, error) {
	c, err := l.store.Find(ctx, challenge)
	if err != nil {
		return Solution{}, err
	}
	log := logs.Logger.WithField("challenge", challenge)
	if c == nil || c.Response == "" || c.Response != response {
		log.Info("challenge submitted incorrect response")
		return Solution{Correct: false}, nil
	}

	now := l.clock.Now().UTC()
	if !readOnly && c.Solved == nil {
		if err := l.store.MarkSolved(ctx, challenge, now); err != nil {
			return Solution{}, err
		}
		// перечитываем: параллельный Solve мог успеть первым
		if c, err = l.store.Find(ctx, challenge); err != nil {
			return Solution{}, err
		}
		if c == nil {
			return Solution{}, fmt.Errorf("challenge %s vanished while solving", challenge)
		}
		l.cache.Delete(cacheKey(challenge))
	}

	solvedAt := now
	if c.Solved != nil {
		solvedAt = c.Solved.UTC()
	}
	log.WithField("read_only", readOnly).Info("challenge solved")
	return Solution{
		Correct:   true,
		MsToSolve: solvedAt.Sub(c.Created).Milliseconds(),
		SolvedAt:  solvedAt,
	}, nil
}

// Prune удаляет challenge старше maxAge.
func (l *Ledger) Prune(ctx context.Context, maxAge time.Duration) (int64, error) {
	return l.store.Prune(ctx, l.clock.Now().Add(-maxAge))
}
