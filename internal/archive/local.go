package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jobsift/harvester/internal/harvest"
)

// Local writes snapshots under a base directory.
type Local struct {
	baseDir string
	clock   harvest.Clock
}

// NewLocal creates a filesystem archiver, creating baseDir if needed.
func NewLocal(baseDir string, clock harvest.Clock) (*Local, error) {
	if strings.TrimSpace(baseDir) == "" {
		return nil, fmt.Errorf("archive.dir is required")
	}
	info, err := os.Stat(baseDir)
	switch {
	case os.IsNotExist(err):
		if mkErr := os.MkdirAll(baseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("create archive dir: %w", mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("stat archive dir: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("archive path %q is not a directory", baseDir)
	}
	return &Local{baseDir: baseDir, clock: clock}, nil
}

// Save implements harvest.Archiver.
func (l *Local) Save(ctx context.Context, targetID string, body []byte) (string, error) {
	rel := snapshotPath(targetID, l.clock)
	full := filepath.Join(l.baseDir, rel)

	// Reject target IDs that would escape the base directory.
	cleanBase := filepath.Clean(l.baseDir)
	if !strings.HasPrefix(filepath.Clean(full), cleanBase+string(filepath.Separator)) {
		return "", fmt.Errorf("snapshot path escapes archive dir")
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		return "", fmt.Errorf("create snapshot dir: %w", err)
	}
	if err := os.WriteFile(full, body, 0o600); err != nil {
		return "", fmt.Errorf("write snapshot: %w", err)
	}
	return "file://" + full, nil
}
