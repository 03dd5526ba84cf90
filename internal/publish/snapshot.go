package publish

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"

	"dataset-publisher/internal/models"
)

// Snapshot summarizes a dataset so a copy can be verified against it.
type Snapshot struct {
	Size     int64
	Files    int
	Dir      bool
	Checksum string
}

// Matches reports whether two snapshots describe the same content. The
// checksum already covers every path, so file counts are not compared.
func (s Snapshot) Matches(other Snapshot) bool {
	return s.Size == other.Size && s.Checksum == other.Checksum
}

// TakeSnapshot walks a file or directory tree in lexical order and hashes
// every entry's relative path, size and content with BLAKE3. Symlinks and
// special files are refused, so a dataset cannot smuggle in references
// outside its repository.
func TakeSnapshot(ctx context.Context, root string) (Snapshot, error) {
	info, err := os.Lstat(root)
	if err != nil {
		return Snapshot{}, Classify("snapshot", root, err)
	}
	if err := checkEntry(root, info.Mode()); err != nil {
		return Snapshot{}, err
	}

	hasher := blake3.New()
	snap := Snapshot{Dir: info.IsDir()}
	if !info.IsDir() {
		if err := hashFile(hasher, ".", root, &snap); err != nil {
			return Snapshot{}, err
		}
		snap.Checksum = hex.EncodeToString(hasher.Sum(nil))
		return snap, nil
	}

	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return Classify("snapshot", path, walkErr)
		}
		if err := ctx.Err(); err != nil {
			return Classify("snapshot", path, err)
		}
		if err := checkEntry(path, d.Type()); err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			writeHeader(hasher, rel+"/", 0)
			return nil
		}
		return hashFile(hasher, rel, path, &snap)
	})
	if err != nil {
		return Snapshot{}, err
	}
	snap.Checksum = hex.EncodeToString(hasher.Sum(nil))
	return snap, nil
}

func checkEntry(path string, mode fs.FileMode) error {
	switch {
	case mode&fs.ModeSymlink != 0:
		return &models.PolicyViolationError{Reason: fmt.Sprintf("%s is a symlink", path)}
	case mode.IsDir(), mode.IsRegular():
		return nil
	default:
		return &models.PolicyViolationError{Reason: fmt.Sprintf("%s is not a regular file or directory", path)}
	}
}

func hashFile(hasher *blake3.Hasher, rel, path string, snap *Snapshot) error {
	f, err := os.Open(path)
	if err != nil {
		return Classify("snapshot", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Classify("snapshot", path, err)
	}
	writeHeader(hasher, rel, info.Size())
	n, err := io.Copy(hasher, f)
	if err != nil {
		return Classify("snapshot", path, err)
	}
	snap.Size += n
	snap.Files++
	return nil
}

func writeHeader(hasher *blake3.Hasher, rel string, size int64) {
	_, _ = hasher.Write([]byte(rel))
	var buf [9]byte
	binary.BigEndian.PutUint64(buf[1:], uint64(size))
	_, _ = hasher.Write(buf[:])
}

// Survey walks a dataset like TakeSnapshot, refusing the same entries, but
// only totals sizes. Linked datasets use it: they are never read back, so
// hashing them is wasted I/O on the source repository.
func Survey(ctx context.Context, root string) (Snapshot, error) {
	info, err := os.Lstat(root)
	if err != nil {
		return Snapshot{}, Classify("survey", root, err)
	}
	if err := checkEntry(root, info.Mode()); err != nil {
		return Snapshot{}, err
	}
	if !info.IsDir() {
		return Snapshot{Size: info.Size(), Files: 1}, nil
	}

	snap := Snapshot{Dir: true}
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return Classify("survey", path, walkErr)
		}
		if err := ctx.Err(); err != nil {
			return Classify("survey", path, err)
		}
		if err := checkEntry(path, d.Type()); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return Classify("survey", path, err)
		}
		snap.Size += fi.Size()
		snap.Files++
		return nil
	})
	if err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}
