// Package fsutil holds crash-safe file helpers shared by the persisted state
// (quarantine ledger, result store, token cache).
package fsutil

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

func randomSuffix() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return strconv.FormatInt(time.Now().UnixNano(), 16)
	}
	return hex.EncodeToString(b[:])
}

func writeSync(filename string, data []byte, perm os.FileMode) error {
	f, err := os.OpenFile(filename, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm) //nolint:gosec // caller-controlled state path
	if err != nil {
		return err
	}
	_, err = f.Write(data)
	if syncErr := f.Sync(); syncErr != nil && err == nil {
		err = syncErr
	}
	if closeErr := f.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

// WriteFile replaces filename with data atomically: the bytes are written and
// synced to a sibling temp file which is then renamed over the target. A
// reader never observes a partially written file.
//
// Not safe for concurrent writers of the same filename; callers serialize.
func WriteFile(filename string, data []byte, perm os.FileMode) error {
	if dir := filepath.Dir(filename); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create parent of %s: %w", filename, err)
		}
	}
	tmp := filename + ".tmp." + randomSuffix()
	if err := writeSync(tmp, data, perm); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("write %s: %w", filename, err)
	}
	if err := os.Rename(tmp, filename); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace %s: %w", filename, err)
	}
	syncDir(filepath.Dir(filename))
	return nil
}

// syncDir makes the rename durable on filesystems that need it. Errors are
// ignored: some platforms cannot fsync a directory.
func syncDir(dir string) {
	d, err := os.Open(dir) //nolint:gosec // directory of a caller-controlled path
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

// ReadFile reads filename, returning (nil, false, nil) when it does not exist.
func ReadFile(filename string) ([]byte, bool, error) {
	data, err := os.ReadFile(filename) //nolint:gosec // caller-controlled state path
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// PreserveCorrupt copies an unreadable file aside as <file>.corrupt-<unix> so
// a later rewrite cannot destroy it. When that name is taken a random suffix
// is appended. It returns the backup path.
func PreserveCorrupt(filename string, now time.Time) (string, error) {
	src, err := os.Open(filename) //nolint:gosec // caller-controlled state path
	if err != nil {
		return "", err
	}
	defer src.Close() //nolint:errcheck // read-only handle

	backup := fmt.Sprintf("%s.corrupt-%d", filename, now.Unix())
	dst, err := os.OpenFile(backup, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600) //nolint:gosec // derived from caller path
	if errors.Is(err, fs.ErrExist) {
		backup = fmt.Sprintf("%s.corrupt-%d-%s", filename, now.Unix(), randomSuffix())
		dst, err = os.OpenFile(backup, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600) //nolint:gosec // derived from caller path
	}
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return "", err
	}
	if err := dst.Sync(); err != nil {
		_ = dst.Close()
		return "", err
	}
	return backup, dst.Close()
}
