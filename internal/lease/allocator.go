// Package lease выдаёт майнерские peer-слоты WireGuard из ограниченного пула
// без двойного назначения при параллельных запросах.
package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"tpn/internal/logs"
	"tpn/internal/reserve"
)

// ErrNoAvailableSlots — пул исчерпан даже после чистки истёкших аренд.
var ErrNoAvailableSlots = errors.New("no available wireguard slots")

// NoAvailableSlotsError несёт подсказку, когда имеет смысл повторить запрос.
type NoAvailableSlotsError struct {
	StartID, EndID int
	SoonestExpiry  time.Time     // нулевой, если аренд нет вовсе
	RetryAfter     time.Duration // SoonestExpiry - now, не меньше нуля
}

func (e *NoAvailableSlotsError) Error() string {
	return fmt.Sprintf("no available wireguard config slots between %d and %d, soonest expiry in %s",
		e.StartID, e.EndID, e.RetryAfter.Round(time.Second))
}

func (e *NoAvailableSlotsError) Unwrap() error { return ErrNoAvailableSlots }

// ErrLockLost — замок аллокатора протух и мог достаться другому вызову,
// пока этот ещё работал. Выбор отменён, повтор безопасен.
var ErrLockLost = errors.New("allocator lock expired before the lease was registered")

// Store — строки аренд в БД (repo.LeaseStore).
type Store interface {
	TakenIDs(ctx context.Context, start, end int) ([]int, error)
	Upsert(ctx context.Context, id int, expiresAt time.Time) error
	Expired(ctx context.Context, now time.Time) ([]int, error)
	Delete(ctx context.Context, ids []int) error
	SoonestExpiry(ctx context.Context) (time.Time, bool, error)
}

// Server — внешний wg-сервер, который по id генерирует конфиги на диске.
type Server interface {
	Ready(id int) bool
	Remove(ids []int) error
	Restart(ctx context.Context) error
}

type Options struct {
	LockTTL     time.Duration // защита от упавшего держателя замка
	LockPoll    time.Duration // шаг опроса замка
	LockWait    time.Duration // максимум ожидания замка
	ReadyWindow time.Duration // сколько ждать появления peerN/peerN.conf
	ReadyPoll   time.Duration
}

func DefaultOptions() Options {
	return Options{
		LockTTL:     10 * time.Second,
		LockPoll:    time.Second,
		LockWait:    60 * time.Second,
		ReadyWindow: 30 * time.Second,
		ReadyPoll:   time.Second,
	}
}

var lockKey = reserve.Key(reserve.KindLock, "register_wireguard_lease")

var allocations = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tpn",
	Subsystem: "lease",
	Name:      "allocations_total",
	Help:      "Peer slot allocation attempts by result.",
}, []string{"result"})

func init() { prometheus.MustRegister(allocations) }

type Allocator struct {
	store  Store
	server Server
	table  *reserve.Table
	clock  clock.Clock
	opts   Options
}

func NewAllocator(store Store, server Server, table *reserve.Table, clk clock.Clock, opts Options) *Allocator {
	if clk == nil {
		clk = clock.NewClock()
	}
	if table == nil {
		table = reserve.New(clk)
	}
	def := DefaultOptions()
	if opts.LockTTL <= 0 {
		opts.LockTTL = def.LockTTL
	}
	if opts.LockPoll <= 0 {
		opts.LockPoll = def.LockPoll
	}
	if opts.LockWait <= 0 {
		opts.LockWait = def.LockWait
	}
	if opts.ReadyPoll <= 0 {
		opts.ReadyPoll = def.ReadyPoll
	}
	return &Allocator{store: store, server: server, table: table, clock: clk, opts: opts}
}

// Allocate назначает свободный id из [startID, endID] с арендой до expiresAt.
// Решение о выборе сериализовано глобальным замком; ожидание готовности
// конфига на диске идёт уже без замка.
func (a *Allocator) Allocate(ctx context.Context, startID, endID int, expiresAt time.Time) (int, error) {
	if startID < 1 || endID < startID {
		return 0, fmt.Errorf("invalid slot range [%d, %d]", startID, endID)
	}
	log := logs.Logger.WithFields(logrus.Fields{"start_id": startID, "end_id": endID, "expires_at": expiresAt.UTC()})

	id, err := a.pick(ctx, log, startID, endID, expiresAt)
	if err != nil {
		if errors.Is(err, ErrNoAvailableSlots) {
			allocations.WithLabelValues("exhausted").Inc()
		} else {
			allocations.WithLabelValues("error").Inc()
		}
		return 0, err
	}
	allocations.WithLabelValues("ok").Inc()

	log.WithField("id", id).Info("waiting for wireguard server to be ready")
	if !a.waitReady(ctx, id) {
		log.WithField("id", id).Warn("wireguard config not observed within grace window")
	}
	return id, nil
}

func (a *Allocator) pick(ctx context.Context, log *logrus.Entry, startID, endID int, expiresAt time.Time) (int, error) {
	lockCtx, cancel := context.WithTimeout(ctx, a.opts.LockWait)
	defer cancel()
	tok, err := a.table.Acquire(lockCtx, lockKey, a.opts.LockTTL, a.opts.LockPoll)
	if err != nil {
		return 0, fmt.Errorf("acquire allocator lock: %w", err)
	}
	// чужой замок, взятый после нашего протухания, не трогаем
	defer a.table.ReleaseIf(lockKey, tok)

	id, err := a.firstFree(ctx, startID, endID)
	if err != nil {
		return 0, err
	}
	if id == 0 {
		// одна чистка за вызов, затем один повторный проход
		if err := a.sweep(ctx, log, tok); err != nil {
			return 0, err
		}
		if id, err = a.firstFree(ctx, startID, endID); err != nil {
			return 0, err
		}
	}
	if id == 0 {
		return 0, a.exhausted(ctx, log, startID, endID)
	}

	if err := a.holdLock(log, tok); err != nil {
		return 0, err
	}
	if err := a.store.Upsert(ctx, id, expiresAt); err != nil {
		return 0, err
	}
	log.WithField("id", id).Info("registered wireguard lease")
	return id, nil
}

// firstFree — первый id без строки аренды; 0 если таких нет.
func (a *Allocator) firstFree(ctx context.Context, startID, endID int) (int, error) {
	taken, err := a.store.TakenIDs(ctx, startID, endID)
	if err != nil {
		return 0, err
	}
	next := startID
	for _, id := range taken {
		if id != next {
			break
		}
		next++
	}
	if next > endID {
		return 0, nil
	}
	return next, nil
}

// holdLock продлевает замок перед записью. Если замок уже протух,
// результаты сканирования могли устареть.
func (a *Allocator) holdLock(log *logrus.Entry, tok reserve.Token) error {
	if a.table.Extend(lockKey, tok, a.opts.LockTTL) {
		return nil
	}
	log.WithField("lock_ttl", a.opts.LockTTL).Error("allocator lock expired while held")
	return ErrLockLost
}

func (a *Allocator) sweep(ctx context.Context, log *logrus.Entry, tok reserve.Token) error {
	expired, err := a.store.Expired(ctx, a.clock.Now())
	if err != nil {
		return err
	}
	if len(expired) == 0 {
		log.Info("pool exhausted, no expired leases to sweep")
		return nil
	}
	log.WithField("expired", expired).Info("sweeping expired wireguard leases")

	// конфиги и рестарт — best-effort, строки удаляем в любом случае
	if a.server != nil {
		if err := a.server.Remove(expired); err != nil {
			log.WithError(err).Error("delete expired wireguard configs")
		}
		if err := a.holdLock(log, tok); err != nil {
			return err
		}
		if err := a.server.Restart(ctx); err != nil {
			log.WithError(err).Error("restart wireguard server")
		}
	}
	// рестарт бывает дольше LockTTL
	if err := a.holdLock(log, tok); err != nil {
		return err
	}
	return a.store.Delete(ctx, expired)
}

func (a *Allocator) exhausted(ctx context.Context, log *logrus.Entry, startID, endID int) error {
	e := &NoAvailableSlotsError{StartID: startID, EndID: endID}
	soonest, ok, err := a.store.SoonestExpiry(ctx)
	if err != nil {
		return err
	}
	if ok {
		e.SoonestExpiry = soonest
		if d := soonest.Sub(a.clock.Now()); d > 0 {
			e.RetryAfter = d
		}
	}
	log.WithField("retry_after", e.RetryAfter).Warn("no available wireguard config slots")
	return e
}

// waitReady ждёт появления конфига не дольше ReadyWindow.
func (a *Allocator) waitReady(ctx context.Context, id int) bool {
	if a.server == nil {
		return true
	}
	deadline := a.clock.Now().Add(a.opts.ReadyWindow)
	for {
		if a.server.Ready(id) {
			return true
		}
		if !a.clock.Now().Before(deadline) {
			// финальная проверка на границе окна
			return a.server.Ready(id)
		}
		select {
		case <-ctx.Done():
			return a.server.Ready(id)
		case <-a.clock.After(a.opts.ReadyPoll):
		}
	}
}
