package buildcontext

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/moby/patternmatcher"
	"github.com/moby/patternmatcher/ignorefile"
)

// IgnoreFileName is the exclusion file honoured in a build context.
const IgnoreFileName = ".dockerignore"

// ReadExcludes returns the exclusion patterns of the context at dir.
// A missing ignore file yields no patterns.
func ReadExcludes(dir string) ([]string, error) {
	f, err := os.Open(filepath.Join(dir, IgnoreFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to open %s: %w", IgnoreFileName, err)
	}
	defer f.Close()

	patterns, err := ignorefile.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", IgnoreFileName, err)
	}
	return patterns, nil
}

// matcher decides whether a context-relative path is excluded.
type matcher struct {
	pm *patternmatcher.PatternMatcher
}

func newMatcher(excludes []string) (*matcher, error) {
	if len(excludes) == 0 {
		return &matcher{}, nil
	}
	pm, err := patternmatcher.New(excludes)
	if err != nil {
		return nil, fmt.Errorf("invalid exclude patterns: %w", err)
	}
	return &matcher{pm: pm}, nil
}

func (m *matcher) excluded(rel string) (bool, error) {
	if m.pm == nil || rel == "." {
		return false, nil
	}
	return m.pm.MatchesOrParentMatches(filepath.ToSlash(rel))
}
