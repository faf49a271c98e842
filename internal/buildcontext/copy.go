package buildcontext

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// CopyOptions control CopyTree.
type CopyOptions struct {
	// Excludes are .dockerignore style patterns relative to the source.
	Excludes []string
	// Chown makes every created entry owned by UID:GID.
	Chown bool
	UID   int
	GID   int
}

// CopyTree recursively copies src into dst preserving file modes and symlinks.
// The first failure aborts the copy.
func CopyTree(src, dst string, opts CopyOptions) error {
	m, err := newMatcher(opts.Excludes)
	if err != nil {
		return err
	}

	// dst may live inside src, e.g. a staging directory next to the blueprint
	absDst, err := filepath.Abs(dst)
	if err != nil {
		return err
	}

	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if abs, err := filepath.Abs(path); err == nil && abs == absDst {
				return filepath.SkipDir
			}
		}

		relPath, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if err := validatePath(relPath); err != nil {
			return fmt.Errorf("invalid source path: %w", err)
		}

		skip, err := m.excluded(relPath)
		if err != nil {
			return err
		}
		if skip {
			// directories stay walkable so "!" exceptions below them still apply
			return nil
		}

		destPath := filepath.Join(dst, relPath)
		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case d.IsDir():
			if err := os.MkdirAll(destPath, info.Mode().Perm()|0700); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", destPath, err)
			}
		case d.Type()&fs.ModeSymlink != 0:
			if err := copySymlink(path, destPath); err != nil {
				return err
			}
		case d.Type().IsRegular():
			if err := os.MkdirAll(filepath.Dir(destPath), 0750); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", filepath.Dir(destPath), err)
			}
			if err := copyFile(path, destPath, info.Mode()); err != nil {
				return err
			}
		default:
			// sockets, devices and pipes are not part of a build context
			return nil
		}

		if opts.Chown {
			if err := os.Lchown(destPath, opts.UID, opts.GID); err != nil {
				return fmt.Errorf("failed to chown %s to %d:%d: %w", destPath, opts.UID, opts.GID, err)
			}
		}
		return nil
	})
}

// validatePath rejects a context-relative path that leaves the context.
func validatePath(rel string) error {
	for _, part := range strings.Split(filepath.ToSlash(filepath.Clean(rel)), "/") {
		if part == ".." {
			return fmt.Errorf("path contains directory traversal: %s", rel)
		}
	}
	return nil
}

// copyFile copies a single file from src to dst.
func copyFile(src, dst string, mode fs.FileMode) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open source file %s: %w", src, err)
	}
	defer srcFile.Close()

	dstFile, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode.Perm())
	if err != nil {
		return fmt.Errorf("failed to create destination file %s: %w", dst, err)
	}

	if _, err := io.Copy(dstFile, srcFile); err != nil {
		dstFile.Close()
		return fmt.Errorf("failed to copy file content: %w", err)
	}
	if err := dstFile.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", dst, err)
	}

	// umask may have narrowed the mode at creation
	return os.Chmod(dst, mode.Perm())
}

func copySymlink(src, dst string) error {
	target, err := os.Readlink(src)
	if err != nil {
		return fmt.Errorf("failed to read symlink %s: %w", src, err)
	}
	if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to replace %s: %w", dst, err)
	}
	if err := os.Symlink(target, dst); err != nil {
		return fmt.Errorf("failed to create symlink %s: %w", dst, err)
	}
	return nil
}
