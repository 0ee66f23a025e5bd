package lease

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/spf13/afero"

	"tpn/internal/cmdrun"
	"tpn/internal/logs"
)

const countCacheKey = "wireguard_config_count"

// FSServer — каталог конфигов внешнего wg-сервера (peerN/peerN.conf).
// Сами конфиги создаёт сервер; здесь только чтение, удаление и рестарт.
type FSServer struct {
	fs         afero.Fs
	dir        string
	runner     cmdrun.Runner
	restartCmd []string
	cache      *gocache.Cache
}

func NewFSServer(fs afero.Fs, dir string, runner cmdrun.Runner, restartCmd []string) *FSServer {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if runner == nil {
		runner = cmdrun.ExecRunner{}
	}
	return &FSServer{
		fs:         fs,
		dir:        dir,
		runner:     runner,
		restartCmd: restartCmd,
		cache:      gocache.New(10*time.Second, time.Minute),
	}
}

// ConfigPath — путь к конфигу пира id.
func (s *FSServer) ConfigPath(id int) string {
	return filepath.Join(s.peerDir(id), fmt.Sprintf("peer%d.conf", id))
}

func (s *FSServer) peerDir(id int) string {
	return filepath.Join(s.dir, fmt.Sprintf("peer%d", id))
}

func (s *FSServer) Ready(id int) bool {
	ok, err := afero.Exists(s.fs, s.ConfigPath(id))
	if err != nil {
		logs.Logger.WithError(err).WithField("id", id).Debug("stat wireguard config")
	}
	return ok
}

func (s *FSServer) Read(id int) (string, error) {
	b, err := afero.ReadFile(s.fs, s.ConfigPath(id))
	if err != nil {
		return "", fmt.Errorf("read peer%d config: %w", id, err)
	}
	return string(b), nil
}

// Remove удаляет каталоги пиров; ошибки по отдельным id собираются вместе.
func (s *FSServer) Remove(ids []int) error {
	var errs []error
	for _, id := range ids {
		if err := s.fs.RemoveAll(s.peerDir(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("remove peer%d: %w", id, err))
		}
	}
	logs.Logger.WithField("ids", ids).Info("deleted wireguard configs")
	return errors.Join(errs...)
}

// Count — сколько из peer1..peerMax имеют конфиг. Кэшируется на 10 секунд.
func (s *FSServer) Count(max int) int {
	if v, ok := s.cache.Get(countCacheKey); ok {
		return v.(int)
	}
	n := 0
	for id := 1; id <= max; id++ {
		if s.Ready(id) {
			n++
		}
	}
	s.cache.SetDefault(countCacheKey, n)
	return n
}

func (s *FSServer) Restart(ctx context.Context) error {
	if len(s.restartCmd) == 0 {
		return nil
	}
	logs.Logger.WithField("cmd", s.restartCmd).Info("restarting wireguard server")
	if _, err := s.runner.Run(ctx, s.restartCmd); err != nil {
		return fmt.Errorf("restart wireguard server: %w", err)
	}
	s.cache.Delete(countCacheKey)
	return nil
}
