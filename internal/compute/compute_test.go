package compute

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	logx "fedtrain/pkg/logx"
)

func TestPlanValidate(t *testing.T) {
	t.Parallel()
	if err := (Plan{}).Validate(); !errors.Is(err, ErrMalformedPlan) {
		t.Fatalf("empty plan err = %v, want ErrMalformedPlan", err)
	}
	if err := (Plan{ClientGraph: []byte("g")}).Validate(); err != nil {
		t.Fatalf("valid plan err = %v", err)
	}
}

func TestDirStoreOpen(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "p1", "t1"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(root, "p2"), 0o755); err != nil {
		t.Fatal(err)
	}
	s := DirStore{Root: root}
	ctx := context.Background()

	src, err := s.Open(ctx, "p1", "t1")
	if err != nil || src.Dir() != filepath.Join(root, "p1", "t1") {
		t.Fatalf("Open(p1,t1) = %v, %v", src, err)
	}
	src, err = s.Open(ctx, "p2", "other")
	if err != nil || src.Dir() != filepath.Join(root, "p2") {
		t.Fatalf("Open(p2,other) = %v, %v", src, err)
	}
	if !strings.HasPrefix(src.URI(), "file://") {
		t.Fatalf("URI = %q", src.URI())
	}
	if _, err := s.Open(ctx, "missing", ""); !errors.Is(err, ErrNoExamples) {
		t.Fatalf("Open(missing) err = %v", err)
	}
}

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func exampleDir(t *testing.T, n int) ExampleSource {
	t.Helper()
	dir := t.TempDir()
	for i := 0; i < n; i++ {
		if err := os.WriteFile(filepath.Join(dir, "ex"+string(rune('a'+i))), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dirSource{dir: dir}
}

func TestProcessSessionCheckpointFile(t *testing.T) {
	requireShell(t)
	env := NewProcessEnv(ProcessConfig{
		Command: []string{"sh", "-c", `cat "$FEDTRAIN_PLAN" > "$FEDTRAIN_OUTPUT"`},
		WorkDir: t.TempDir(),
	}, logx.Nop())
	sess, err := env.Bind(context.Background())
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	out, err := sess.Run(context.Background(), Plan{ClientGraph: []byte("graph")}, exampleDir(t, 3))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	raw, err := os.ReadFile(out.Checkpoint)
	if err != nil || string(raw) != "graph" {
		t.Fatalf("checkpoint = %q, %v", raw, err)
	}
	if len(out.Consumptions) != 1 || out.Consumptions[0].ExampleCount != 3 {
		t.Fatalf("consumptions = %+v", out.Consumptions)
	}
	dir := filepath.Dir(out.Checkpoint)
	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("sandbox still present: %v", err)
	}
}

func TestProcessSessionOutputJSON(t *testing.T) {
	requireShell(t)
	env := NewProcessEnv(ProcessConfig{
		Command: []string{"sh", "-c", `echo w > ckpt-9; echo '{"checkpoint":"ckpt-9","consumptions":[{"collection_uri":"c","example_count":7}]}' > output.json`},
		WorkDir: t.TempDir(),
	}, logx.Nop())
	sess, err := env.Bind(context.Background())
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	defer sess.Close()
	out, err := sess.Run(context.Background(), Plan{ClientGraph: []byte("g")}, exampleDir(t, 0))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if filepath.Base(out.Checkpoint) != "ckpt-9" || !filepath.IsAbs(out.Checkpoint) || len(out.Consumptions) != 1 || out.Consumptions[0].ExampleCount != 7 {
		t.Fatalf("output = %+v", out)
	}
}

func TestProcessSessionFailures(t *testing.T) {
	requireShell(t)
	env := NewProcessEnv(ProcessConfig{
		Command: []string{"sh", "-c", "echo boom >&2; exit 3"},
		WorkDir: t.TempDir(),
	}, logx.Nop())
	sess, err := env.Bind(context.Background())
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	defer sess.Close()

	if _, err := sess.Run(context.Background(), Plan{}, exampleDir(t, 0)); !errors.Is(err, ErrMalformedPlan) {
		t.Fatalf("malformed plan err = %v", err)
	}
	_, err = sess.Run(context.Background(), Plan{ClientGraph: []byte("g")}, exampleDir(t, 0))
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("failing command err = %v", err)
	}
}

func TestBindWithoutCommand(t *testing.T) {
	t.Parallel()
	env := NewProcessEnv(ProcessConfig{WorkDir: t.TempDir()}, logx.Nop())
	if _, err := env.Bind(context.Background()); err == nil {
		t.Fatal("expected error without command")
	}
}

func TestProcessSessionMissingCheckpoint(t *testing.T) {
	requireShell(t)
	env := NewProcessEnv(ProcessConfig{
		Command: []string{"sh", "-c", `echo '{"checkpoint":"nowhere"}' > output.json`},
		WorkDir: t.TempDir(),
	}, logx.Nop())
	sess, err := env.Bind(context.Background())
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	defer sess.Close()
	if _, err := sess.Run(context.Background(), Plan{ClientGraph: []byte("g")}, exampleDir(t, 0)); err == nil {
		t.Fatal("expected error for a missing checkpoint file")
	}
}

func TestCheckpointStoreKeepOutlivesSandbox(t *testing.T) {
	t.Parallel()
	sandbox := t.TempDir()
	src := filepath.Join(sandbox, "checkpoint.out")
	if err := os.WriteFile(src, []byte("weights"), 0o600); err != nil {
		t.Fatal(err)
	}
	store := CheckpointStore{Dir: filepath.Join(t.TempDir(), "kept")}

	kept, err := store.Keep("run-1", src)
	if err != nil {
		t.Fatalf("Keep: %v", err)
	}
	if err := os.RemoveAll(sandbox); err != nil {
		t.Fatal(err)
	}
	raw, err := os.ReadFile(kept)
	if err != nil || string(raw) != "weights" {
		t.Fatalf("kept checkpoint = %q, %v", raw, err)
	}
	if _, err := store.Keep("../escape", kept); err == nil {
		t.Fatal("run id with a path separator accepted")
	}
}

func TestCheckpointStorePurge(t *testing.T) {
	t.Parallel()
	store := CheckpointStore{Dir: t.TempDir()}
	old := filepath.Join(store.Dir, "old"+checkpointExt)
	fresh := filepath.Join(store.Dir, "fresh"+checkpointExt)
	other := filepath.Join(store.Dir, "notes.txt")
	for _, p := range []string{old, fresh, other} {
		if err := os.WriteFile(p, []byte("x"), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	now := time.Now()
	if err := os.Chtimes(old, now.Add(-48*time.Hour), now.Add(-48*time.Hour)); err != nil {
		t.Fatal(err)
	}

	n, err := store.Purge(now.Add(-24 * time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("Purge = %d, %v; want 1", n, err)
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Fatal("expired checkpoint kept")
	}
	for _, p := range []string{fresh, other} {
		if _, err := os.Stat(p); err != nil {
			t.Fatalf("%s removed: %v", filepath.Base(p), err)
		}
	}
	if n, err := (CheckpointStore{Dir: filepath.Join(store.Dir, "missing")}).Purge(now); err != nil || n != 0 {
		t.Fatalf("Purge on missing dir = %d, %v", n, err)
	}
}
