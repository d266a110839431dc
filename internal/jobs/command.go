package jobs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"housekeeper/pkg/logx"
)

// CommandConfig is the garbage collection command line.
// An empty Command makes the job a logged no-op.
type CommandConfig struct {
	Command    []string
	Dir        string
	Env        map[string]string
	LeaderOnly bool
}

// ExitError reports a command that ran and exited non-zero.
type ExitError struct {
	Command string
	Code    int
	Output  string // tail of combined stdout/stderr
}

func (e *ExitError) Error() string {
	if e.Output == "" {
		return fmt.Sprintf("%s: exit status %d", e.Command, e.Code)
	}
	return fmt.Sprintf("%s: exit status %d: %s", e.Command, e.Code, e.Output)
}

const outputTail = 2048

// RunCommand runs argv[0] with the remaining arguments and returns the tail
// of its combined output. A non-zero exit is an *ExitError; ctx cancellation
// kills the process.
func RunCommand(ctx context.Context, argv []string, dir string, env map[string]string) (string, error) {
	if len(argv) == 0 || strings.TrimSpace(argv[0]) == "" {
		return "", errors.New("empty command")
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.WaitDelay = 5 * time.Second
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), envList(env)...)
	}
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	err := cmd.Run()
	out := tail(strings.TrimSpace(buf.String()), outputTail)
	if err == nil {
		return out, nil
	}
	if ctx.Err() != nil {
		return out, fmt.Errorf("%s: %w", argv[0], ctx.Err())
	}
	var xe *exec.ExitError
	if errors.As(err, &xe) {
		return out, &ExitError{Command: argv[0], Code: xe.ExitCode(), Output: out}
	}
	return out, fmt.Errorf("%s: %w", argv[0], err)
}

func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}

// RepoGC runs the repository garbage collector.
type RepoGC struct {
	cfg CommandConfig
	log logx.Logger
}

func NewRepoGC(cfg CommandConfig, log logx.Logger) *RepoGC {
	return &RepoGC{cfg: cfg, log: log}
}

func (g *RepoGC) Run(ctx context.Context) error {
	if len(g.cfg.Command) == 0 {
		g.log.Info("gc command not configured; nothing to do")
		return nil
	}
	start := time.Now()
	out, err := RunCommand(ctx, g.cfg.Command, g.cfg.Dir, g.cfg.Env)
	if err != nil {
		return err
	}
	g.log.Info("gc finished", logx.Duration("took", time.Since(start)), logx.String("output", out))
	return nil
}
