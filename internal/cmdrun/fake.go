package cmdrun

import (
	"context"
	"strings"
	"sync"
)

// Handler отвечает на одну команду в Recorder.
type Handler func(argv []string) (Result, error)

// Recorder — Runner для тестов: запоминает все argv и отвечает через
// обработчики, подобранные по префиксу команды.
type Recorder struct {
	mu       sync.Mutex
	calls    [][]string
	handlers []prefixHandler
}

type prefixHandler struct {
	prefix string
	fn     Handler
}

// On регистрирует обработчик для команд, чья строка начинается с prefix.
// Побеждает самый длинный подходящий префикс.
func (r *Recorder) On(prefix string, fn Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = append(r.handlers, prefixHandler{prefix: prefix, fn: fn})
}

func (r *Recorder) Run(_ context.Context, argv []string) (Result, error) {
	r.mu.Lock()
	r.calls = append(r.calls, append([]string(nil), argv...))
	line := strings.Join(argv, " ")
	var best *prefixHandler
	for i := range r.handlers {
		h := &r.handlers[i]
		if strings.HasPrefix(line, h.prefix) && (best == nil || len(h.prefix) > len(best.prefix)) {
			best = h
		}
	}
	r.mu.Unlock()

	if best == nil {
		return Result{}, nil
	}
	return best.fn(argv)
}

// Calls — копия всех выполненных команд, по одной строке на команду.
func (r *Recorder) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.calls))
	for i, c := range r.calls {
		out[i] = strings.Join(c, " ")
	}
	return out
}

// Count — сколько выполненных команд начинается с prefix.
func (r *Recorder) Count(prefix string) int {
	n := 0
	for _, c := range r.Calls() {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}
