package compute

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const checkpointExt = ".ckpt"

// CheckpointStore keeps reported checkpoints outside session sandboxes, one
// file per run, until Purge removes them.
type CheckpointStore struct {
	Dir string
}

// Keep moves src into the store as <runID>.ckpt and returns the new path.
func (s CheckpointStore) Keep(runID, src string) (string, error) {
	if runID == "" || strings.ContainsAny(runID, `/\`) {
		return "", fmt.Errorf("keep checkpoint: bad run id %q", runID)
	}
	if err := os.MkdirAll(s.Dir, 0o700); err != nil {
		return "", fmt.Errorf("checkpoint dir: %w", err)
	}
	dst := filepath.Join(s.Dir, runID+checkpointExt)
	if err := os.Rename(src, dst); err == nil {
		return dst, nil
	}
	// Sandboxes may live on another filesystem.
	if err := copyFile(src, dst); err != nil {
		return "", fmt.Errorf("keep checkpoint: %w", err)
	}
	_ = os.Remove(src)
	return dst, nil
}

// Purge removes kept checkpoints last modified before cutoff.
func (s CheckpointStore) Purge(cutoff time.Time) (int64, error) {
	entries, err := os.ReadDir(s.Dir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("list checkpoints: %w", err)
	}
	var n int64
	for _, e := range entries {
		if !e.Type().IsRegular() || filepath.Ext(e.Name()) != checkpointExt {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.Dir, e.Name())); err == nil {
			n++
		}
	}
	return n, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}
