package buildcontext

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// Digest records the content of a build context.
type Digest struct {
	// Files maps slash separated context-relative paths to their sha256.
	Files map[string]string
	// Sum covers every file path, mode and content.
	Sum string
}

// Compute digests the context at dir, skipping excluded paths.
// Only names, modes and contents contribute: touching a file without
// changing it keeps the digest stable.
func Compute(dir string, excludes []string) (*Digest, error) {
	m, err := newMatcher(excludes)
	if err != nil {
		return nil, err
	}

	files := map[string]string{}
	err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		skip, err := m.excluded(rel)
		if err != nil || skip {
			return err
		}
		sum, err := fileSum(p, d)
		if err != nil {
			return err
		}
		files[filepath.ToSlash(rel)] = sum
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to digest build context %s: %w", dir, err)
	}

	return &Digest{Files: files, Sum: combine(files, nil)}, nil
}

// Of returns the digest of the files selected by the given COPY sources.
// A source selects the file with that path or everything below it.
func (d *Digest) Of(sources []string) string {
	var prefixes []string
	for _, src := range sources {
		clean := strings.TrimPrefix(path.Clean(filepath.ToSlash(src)), "/")
		if clean == "." || clean == "" {
			return d.Sum
		}
		prefixes = append(prefixes, clean)
	}
	return combine(d.Files, func(name string) bool {
		for _, prefix := range prefixes {
			if name == prefix || strings.HasPrefix(name, prefix+"/") {
				return true
			}
			if ok, _ := path.Match(prefix, name); ok {
				return true
			}
		}
		return false
	})
}

func combine(files map[string]string, keep func(string) bool) string {
	names := make([]string, 0, len(files))
	for name := range files {
		if keep == nil || keep(name) {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	h := sha256.New()
	for _, name := range names {
		fmt.Fprintf(h, "%s\x00%s\n", name, files[name])
	}
	return hex.EncodeToString(h.Sum(nil))
}

func fileSum(p string, d fs.DirEntry) (string, error) {
	info, err := d.Info()
	if err != nil {
		return "", err
	}

	h := sha256.New()
	fmt.Fprintf(h, "%o\x00", info.Mode())

	if d.Type()&fs.ModeSymlink != 0 {
		target, err := os.Readlink(p)
		if err != nil {
			return "", err
		}
		io.WriteString(h, target)
		return hex.EncodeToString(h.Sum(nil)), nil
	}

	f, err := os.Open(p)
	if err != nil {
		return "", err
	}
	defer f.Close()

	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
