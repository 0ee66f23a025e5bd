package lease

import (
	"context"
	"fmt"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"tpn/internal/logs"
)

// Границы длительности аренды, минуты.
const (
	MinLeaseMinutes = 0.5
	MaxLeaseMinutes = 60.0
)

// Request — запрос нового конфига. Validator=true разрешает слоты,
// зарезервированные под проверки валидаторов.
type Request struct {
	Validator bool
	Minutes   float64
}

// Lease — выданный пир.
type Lease struct {
	PeerConfig string    `json:"peer_config"`
	PeerID     int       `json:"peer_id"`
	PeerSlots  int       `json:"peer_slots"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Pool — то, что Service нужно от каталога конфигов сверх Server.
type Pool interface {
	Server
	Count(max int) int
	Read(id int) (string, error)
}

type ServiceOptions struct {
	PeerCount      int // верхняя граница сканирования peerN
	ValidatorSlots int // первые id только для валидаторов
	ReadRetries    int
	ReadCooldown   time.Duration
}

type Service struct {
	alloc *Allocator
	pool  Pool
	clock clock.Clock
	opts  ServiceOptions
}

func NewService(alloc *Allocator, pool Pool, clk clock.Clock, opts ServiceOptions) *Service {
	if clk == nil {
		clk = clock.NewClock()
	}
	if opts.PeerCount <= 0 {
		opts.PeerCount = 255
	}
	if opts.ReadRetries < 0 {
		opts.ReadRetries = 0
	}
	if opts.ReadCooldown <= 0 {
		opts.ReadCooldown = 5 * time.Second
	}
	return &Service{alloc: alloc, pool: pool, clock: clk, opts: opts}
}

// ValidateMinutes проверяет длительность аренды.
func ValidateMinutes(m float64) error {
	if m < MinLeaseMinutes || m > MaxLeaseMinutes {
		return fmt.Errorf("lease must be between %g and %g minutes", MinLeaseMinutes, MaxLeaseMinutes)
	}
	return nil
}

// StartID — первый id, с которого ищется свободный слот.
func StartID(validator bool, validatorSlots, peerSlots int) int {
	if validator {
		return 1
	}
	start := validatorSlots + 1
	if start > peerSlots {
		return 1
	}
	return start
}

// NewConfig арендует слот и возвращает его конфиг.
func (s *Service) NewConfig(ctx context.Context, req Request) (*Lease, error) {
	if err := ValidateMinutes(req.Minutes); err != nil {
		return nil, err
	}
	log := logs.Tagged(uuid.NewString()[:8]).WithFields(logrus.Fields{"validator": req.Validator, "minutes": req.Minutes})

	slots := s.pool.Count(s.opts.PeerCount)
	if slots == 0 {
		return nil, &NoAvailableSlotsError{StartID: 1, EndID: 0}
	}
	expiresAt := s.clock.Now().Add(time.Duration(req.Minutes * float64(time.Minute))).UTC()
	start := StartID(req.Validator, s.opts.ValidatorSlots, slots)
	log.WithFields(logrus.Fields{"start_id": start, "end_id": slots}).Info("requesting wireguard lease")

	id, err := s.alloc.Allocate(ctx, start, slots, expiresAt)
	if err != nil {
		return nil, err
	}

	cfg, err := s.readWithRetry(ctx, id)
	if err != nil {
		return nil, err
	}
	log.WithField("id", id).Info("issued wireguard lease")
	return &Lease{PeerConfig: cfg, PeerID: id, PeerSlots: slots, ExpiresAt: expiresAt}, nil
}

func (s *Service) readWithRetry(ctx context.Context, id int) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= s.opts.ReadRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-s.clock.After(s.opts.ReadCooldown):
			}
		}
		cfg, err := s.pool.Read(id)
		if err == nil {
			return cfg, nil
		}
		lastErr = err
		logs.Logger.WithError(err).WithField("attempt", attempt+1).Warn("peer config not readable yet")
	}
	return "", lastErr
}
