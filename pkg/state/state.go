// Package state prepares the on-disk layout under the data directory.
package state

import (
	"fmt"
	"os"
	"path/filepath"
)

// Layout lists the directories logpipe owns below a data dir.
type Layout struct {
	Journal string
	Store   string
	Crash   string
	Abort   string
}

// LayoutFor returns the layout rooted at dataDir. journalDir and storePath
// override the defaults when non-empty.
func LayoutFor(dataDir, journalDir, storePath string) Layout {
	l := Layout{
		Journal: filepath.Join(dataDir, "journal"),
		Store:   filepath.Join(dataDir, "store"),
		Crash:   filepath.Join(dataDir, "state", "crash"),
		Abort:   filepath.Join(dataDir, "state", "abort"),
	}
	if journalDir != "" {
		l.Journal = journalDir
	}
	if storePath != "" {
		l.Store = storePath
	}
	return l
}

// EnsureStateDirs creates every directory of l. Existing paths must be real
// directories, not group/other writable, and writable by this process.
func EnsureStateDirs(l Layout) error {
	for _, p := range []string{l.Journal, l.Store, l.Crash, l.Abort} {
		if err := ensureDir(p); err != nil {
			return err
		}
	}
	return nil
}

func ensureDir(p string) error {
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return fmt.Errorf("cannot create parent for %s: %w", p, err)
	}
	if fi, err := os.Lstat(p); err == nil {
		if fi.Mode()&os.ModeSymlink != 0 {
			return fmt.Errorf("path is a symlink: %s", p)
		}
		if !fi.IsDir() {
			return fmt.Errorf("path exists and is not a directory: %s", p)
		}
		if fi.Mode().Perm()&0o022 != 0 {
			return fmt.Errorf("path has permissive mode (group/other write): %s", p)
		}
	}
	if err := os.MkdirAll(p, 0o700); err != nil {
		return fmt.Errorf("cannot create path %s: %w", p, err)
	}

	tmp, err := os.CreateTemp(p, ".validate-*")
	if err != nil {
		return fmt.Errorf("path not writable: %s: %w", p, err)
	}
	tmp.Close()
	_ = os.Remove(tmp.Name())
	return nil
}
