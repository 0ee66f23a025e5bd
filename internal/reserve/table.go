// Package reserve — in-memory таблица резервирований с TTL: взаимное
// исключение внутри процесса для имён интерфейсов, veth, namespace,
// подсетей, адресов и глобального замка аллокатора.
package reserve

import (
	"context"
	"strings"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
)

// Виды ключей.
const (
	KindInterface = "interface"
	KindVeth      = "veth"
	KindNamespace = "namespace"
	KindSubnet    = "subnet"
	KindIP        = "ip"
	KindLock      = "lock"
)

// Key строит ключ таблицы вида "<kind>:<id>".
func Key(kind, id string) string {
	return kind + ":" + strings.TrimSpace(id)
}

// Token отличает одно резервирование ключа от следующего: владелец,
// чья запись протухла и была перехвачена, не может её ни продлить,
// ни освободить.
type Token uint64

type entry struct {
	deadline time.Time
	token    Token
}

type Table struct {
	mu      sync.Mutex
	clock   clock.Clock
	entries map[string]entry
	next    Token
}

func New(clk clock.Clock) *Table {
	if clk == nil {
		clk = clock.NewClock()
	}
	return &Table{clock: clk, entries: make(map[string]entry)}
}

// Claim занимает key на ttl, если он свободен, и возвращает токен владельца.
func (t *Table) Claim(key string, ttl time.Duration) (Token, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()
	t.gc(now)
	if e, ok := t.entries[key]; ok && now.Before(e.deadline) {
		return 0, false
	}
	t.next++
	t.entries[key] = entry{deadline: now.Add(ttl), token: t.next}
	return t.next, true
}

// Reserve — Claim без токена. Возвращает true только если резервирование
// получено этим вызовом.
func (t *Table) Reserve(key string, ttl time.Duration) bool {
	_, ok := t.Claim(key, ttl)
	return ok
}

// Extend продлевает резервирование до now+ttl, если key всё ещё
// принадлежит tok и не протух.
func (t *Table) Extend(key string, tok Token, ttl time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()
	e, ok := t.entries[key]
	if !ok || e.token != tok || !now.Before(e.deadline) {
		return false
	}
	e.deadline = now.Add(ttl)
	t.entries[key] = e
	return true
}

// Release освобождает ключи; отсутствующие игнорируются.
func (t *Table) Release(keys ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, k := range keys {
		delete(t.entries, k)
	}
}

// ReleaseIf освобождает key, только если им владеет tok.
func (t *Table) ReleaseIf(key string, tok Token) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[key]; ok && e.token == tok {
		delete(t.entries, key)
		return true
	}
	return false
}

// Held — занят ли key прямо сейчас.
func (t *Table) Held(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	return ok && t.clock.Now().Before(e.deadline)
}

// Len — число живых резервирований.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gc(t.clock.Now())
	return len(t.entries)
}

// Acquire опрашивает key с шагом poll, пока не займёт его или пока не
// закончится ctx. Максимальное ожидание задаётся дедлайном ctx.
func (t *Table) Acquire(ctx context.Context, key string, ttl, poll time.Duration) (Token, error) {
	if poll <= 0 {
		poll = time.Second
	}
	for {
		if tok, ok := t.Claim(key, ttl); ok {
			return tok, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-t.clock.After(poll):
		}
	}
}

// gc удаляет протухшие записи; вызывается под mu.
func (t *Table) gc(now time.Time) {
	for k, e := range t.entries {
		if !now.Before(e.deadline) {
			delete(t.entries, k)
		}
	}
}
