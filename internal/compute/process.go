package compute

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"fedtrain/internal/training"
	logx "fedtrain/pkg/logx"
)

// ProcessConfig describes the external trainer binary.
type ProcessConfig struct {
	// Command is argv; the session appends nothing and passes paths via env.
	Command []string
	WorkDir string
	Timeout time.Duration
}

// ProcessEnv runs each plan in a fresh sandbox directory under WorkDir.
//
// The child sees FEDTRAIN_PLAN, FEDTRAIN_INIT_CHECKPOINT, FEDTRAIN_EXAMPLES and
// FEDTRAIN_OUTPUT. It may write output.json (an Output) into its working
// directory; a relative checkpoint there is resolved against the sandbox and
// an empty one defaults to FEDTRAIN_OUTPUT. The checkpoint lives inside the
// sandbox and is removed by Close unless moved out first.
type ProcessEnv struct {
	cfg ProcessConfig
	log logx.Logger
}

func NewProcessEnv(cfg ProcessConfig, log logx.Logger) *ProcessEnv {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = os.TempDir()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Minute
	}
	return &ProcessEnv{cfg: cfg, log: log.With(logx.String("comp", "compute"))}
}

func (e *ProcessEnv) Bind(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(e.cfg.Command) == 0 {
		return nil, errors.New("compute command not configured")
	}
	if err := os.MkdirAll(e.cfg.WorkDir, 0o700); err != nil {
		return nil, fmt.Errorf("compute workdir: %w", err)
	}
	dir, err := os.MkdirTemp(e.cfg.WorkDir, "session-")
	if err != nil {
		return nil, fmt.Errorf("compute sandbox: %w", err)
	}
	return &processSession{env: e, dir: dir}, nil
}

type processSession struct {
	env *ProcessEnv
	dir string
}

func (s *processSession) Run(ctx context.Context, plan Plan, src ExampleSource) (Output, error) {
	if err := plan.Validate(); err != nil {
		return Output{}, err
	}
	if src == nil {
		return Output{}, ErrNoExamples
	}
	planPath := filepath.Join(s.dir, "plan.bin")
	if err := os.WriteFile(planPath, plan.ClientGraph, 0o600); err != nil {
		return Output{}, fmt.Errorf("write plan: %w", err)
	}
	ckptPath := filepath.Join(s.dir, "checkpoint.out")

	runCtx, cancel := context.WithTimeout(ctx, s.env.cfg.Timeout)
	defer cancel()
	argv := s.env.cfg.Command
	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = s.dir
	cmd.Env = []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + s.dir,
		"TMPDIR=" + s.dir,
		"FEDTRAIN_PLAN=" + planPath,
		"FEDTRAIN_INIT_CHECKPOINT=" + plan.InitCheckpoint,
		"FEDTRAIN_EXAMPLES=" + src.Dir(),
		"FEDTRAIN_OUTPUT=" + ckptPath,
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	started := time.Now()
	err := cmd.Run()
	if ctx.Err() != nil {
		return Output{}, ctx.Err()
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return Output{}, fmt.Errorf("compute timed out after %s", s.env.cfg.Timeout)
	}
	if err != nil {
		return Output{}, fmt.Errorf("compute failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	s.env.log.Debug("compute finished", logx.Duration("took", time.Since(started)))

	var out Output
	if raw, err := os.ReadFile(filepath.Join(s.dir, "output.json")); err == nil {
		if err := json.Unmarshal(raw, &out); err != nil {
			return Output{}, fmt.Errorf("decode compute output: %w", err)
		}
	}
	if out.Checkpoint == "" {
		out.Checkpoint = ckptPath
	} else if !filepath.IsAbs(out.Checkpoint) {
		out.Checkpoint = filepath.Join(s.dir, out.Checkpoint)
	}
	if st, err := os.Stat(out.Checkpoint); err != nil || !st.Mode().IsRegular() {
		return Output{}, errors.New("compute produced no checkpoint")
	}
	if len(out.Consumptions) == 0 {
		out.Consumptions = []training.ExampleConsumption{{
			CollectionURI: src.URI(),
			ExampleCount:  countExamples(src.Dir()),
		}}
	}
	return out, nil
}

func (s *processSession) Close() error {
	return os.RemoveAll(s.dir)
}
