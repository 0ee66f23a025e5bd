package netns

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	// ErrProbe — HTTP-запрос через туннель не прошёл.
	ErrProbe = errors.New("probe through tunnel failed")
	// ErrNoJSON — запрос прошёл, но в ответе нет JSON-объекта.
	ErrNoJSON = errors.New("no json object in probe response")
)

// Tunnel — поднятый туннель; живёт только внутри WithTunnel.
type Tunnel struct {
	p   *Provisioner
	s   Session
	log *logrus.Entry
}

func (t *Tunnel) Session() Session { return t.s }

// Fetch делает GET rawURL изнутри namespace и возвращает первый JSON-объект
// из ответа. Вывод curl в ошибку не попадает.
func (t *Tunnel) Fetch(ctx context.Context, rawURL string) (json.RawMessage, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid url", ErrProbe)
	}
	cmd, err := Curl(t.s.Namespace, t.p.opts.ProbeTimeout, u)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProbe, err)
	}

	ctx, cancel := context.WithTimeout(ctx, t.p.opts.ProbeTimeout+5*time.Second)
	defer cancel()
	res, err := t.p.run(ctx, cmd)
	if err != nil {
		t.log.WithError(err).WithField("stderr", res.Stderr).Info("probe request failed")
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%w: %w", ErrProbe, ctxErr)
		}
		return nil, fmt.Errorf("%w: request did not complete", ErrProbe)
	}
	raw, ok := ExtractJSON(res.Stdout)
	if !ok {
		t.log.WithField("stdout", res.Stdout).Info("no json in probe response")
		return nil, ErrNoJSON
	}
	return raw, nil
}
