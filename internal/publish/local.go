package publish

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"dataset-publisher/internal/models"
)

const stagingDir = ".staging"

// Local publishes into a directory tree. Copies are assembled under a
// staging directory inside the root and renamed into place once verified;
// links are symlinks created the same way.
type Local struct {
	root string
}

// NewLocal prepares the published root directory.
func NewLocal(root string) (*Local, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve publish root: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(abs, stagingDir), 0o755); err != nil {
		return nil, fmt.Errorf("create publish root: %w", err)
	}
	return &Local{root: abs}, nil
}

func (l *Local) Name() string { return "local" }

// Path maps a destination to its absolute location.
func (l *Local) Path(destination string) string {
	return filepath.Join(l.root, filepath.FromSlash(destination))
}

func (l *Local) Check(models.Mode, bool) error { return nil }

func (l *Local) Publish(ctx context.Context, req Request) (err error) {
	target := l.Path(req.Destination)
	if !strings.HasPrefix(target, l.root+string(filepath.Separator)) {
		return &models.PolicyViolationError{Reason: fmt.Sprintf("destination %q leaves the published area", req.Destination)}
	}
	staging := filepath.Join(l.root, stagingDir, req.JobID+"-"+filepath.Base(target))
	if err := os.RemoveAll(staging); err != nil {
		return Classify("stage", staging, err)
	}
	defer func() {
		if err != nil {
			_ = os.RemoveAll(staging)
		}
	}()

	switch req.Mode {
	case models.ModeCopy:
		if err := copyTree(ctx, req.Source, staging); err != nil {
			return err
		}
		got, err := TakeSnapshot(ctx, staging)
		if err != nil {
			return err
		}
		if !got.Matches(req.Expected) {
			return mismatch("verify", req.Destination, fmt.Sprintf(
				"copied %d bytes in %d files (checksum %s), source snapshot has %d bytes in %d files (checksum %s)",
				got.Size, got.Files, got.Checksum, req.Expected.Size, req.Expected.Files, req.Expected.Checksum))
		}
	case models.ModeLink:
		if _, err := os.Stat(req.Source); err != nil {
			return Classify("link", req.Source, err)
		}
		if err := os.Symlink(req.Source, staging); err != nil {
			return Classify("link", staging, err)
		}
	default:
		return &models.PolicyViolationError{Reason: fmt.Sprintf("unknown mode %q", req.Mode)}
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return Classify("publish", target, err)
	}
	// The destination belongs to this job; anything there is a leftover of
	// an earlier attempt.
	if err := os.RemoveAll(target); err != nil {
		return Classify("publish", target, err)
	}
	if err := os.Rename(staging, target); err != nil {
		return Classify("publish", target, err)
	}
	if _, err := os.Stat(target); err != nil {
		return Classify("verify", target, err)
	}
	return nil
}

func (l *Local) Remove(_ context.Context, destination string, _ models.Mode) error {
	target := l.Path(destination)
	info, err := os.Lstat(target)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return Classify("remove", target, err)
	}
	if info.Mode()&fs.ModeSymlink != 0 {
		err = os.Remove(target)
	} else {
		err = os.RemoveAll(target)
	}
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Classify("remove", target, err)
	}
	return nil
}

func (l *Local) Exists(_ context.Context, destination string) (bool, error) {
	_, err := os.Lstat(l.Path(destination))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (l *Local) Open(_ context.Context, destination string) (io.ReadCloser, int64, error) {
	f, err := os.Open(l.Path(destination))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, 0, &models.NotFoundError{Kind: "publication", Key: destination}
	}
	if err != nil {
		return nil, 0, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	if info.IsDir() {
		f.Close()
		return nil, 0, &models.ValidationError{Field: "destination", Reason: "directory publications cannot be downloaded"}
	}
	return f, info.Size(), nil
}

func copyTree(ctx context.Context, src, dst string) error {
	info, err := os.Lstat(src)
	if err != nil {
		return Classify("copy", src, err)
	}
	if err := checkEntry(src, info.Mode()); err != nil {
		return err
	}
	if !info.IsDir() {
		return copyFile(src, dst, info.Mode().Perm())
	}
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return Classify("copy", path, walkErr)
		}
		if err := ctx.Err(); err != nil {
			return Classify("copy", path, err)
		}
		if err := checkEntry(path, d.Type()); err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		fi, err := d.Info()
		if err != nil {
			return Classify("copy", path, err)
		}
		if d.IsDir() {
			if err := os.MkdirAll(target, fi.Mode().Perm()|0o700); err != nil {
				return Classify("copy", target, err)
			}
			return nil
		}
		return copyFile(path, target, fi.Mode().Perm())
	})
}

func copyFile(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return Classify("copy", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, perm|0o600)
	if err != nil {
		return Classify("copy", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return Classify("copy", dst, err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return Classify("copy", dst, err)
	}
	if err := out.Close(); err != nil {
		return Classify("copy", dst, err)
	}
	return nil
}
