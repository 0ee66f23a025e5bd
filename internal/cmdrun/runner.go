// Package cmdrun запускает внешние команды без оболочки: argv уходит в
// exec напрямую, поэтому данные из конфигов не интерпретируются как shell.
package cmdrun

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Result — вывод и код возврата команды.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner исполняет argv. Ненулевой код возврата возвращается как *ExitError
// вместе с заполненным Result.
type Runner interface {
	Run(ctx context.Context, argv []string) (Result, error)
}

// ExitError — команда отработала, но завершилась с ошибкой.
type ExitError struct {
	Argv     []string
	ExitCode int
	Stderr   string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s exited with code %d", e.Argv[0], e.ExitCode)
}

// ExecRunner — Runner поверх os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, argv []string) (Result, error) {
	if len(argv) == 0 {
		return Result{}, errors.New("empty command")
	}
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return res, nil
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		res.ExitCode = ee.ExitCode()
		return res, &ExitError{Argv: argv, ExitCode: res.ExitCode, Stderr: strings.TrimSpace(res.Stderr)}
	}
	res.ExitCode = -1
	return res, fmt.Errorf("run %s: %w", argv[0], err)
}
