package cleanup

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/italolelis/rangeload/internal/logctx"
)

const partSuffix = ".part"

// DeleteStalePartials removes partial download files under dir that were not touched for
// keepDuration and that no known task owns. inUse reports whether a partial file path belongs
// to a task the queue still tracks.
func DeleteStalePartials(ctx context.Context, dir string, keepDuration time.Duration, inUse func(path string) bool) (int, error) {
	logger := logctx.LoggerFromContext(ctx)
	now := time.Now()
	deleted := 0

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}

			return err
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if d.IsDir() || !strings.HasSuffix(d.Name(), partSuffix) {
			return nil
		}

		if inUse != nil && inUse(path) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil // already deleted
			}

			logger.Error("Failed to stat file", "file", path, "err", err)

			return err
		}

		if now.Sub(info.ModTime()) <= keepDuration {
			return nil
		}

		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			logger.Error("Failed to delete stale partial file", "file", path, "err", err)

			return err
		}

		deleted++

		logger.Info("Deleted stale partial file", "file", path, "size", humanize.Bytes(uint64(info.Size())))

		return nil
	})

	return deleted, err
}
