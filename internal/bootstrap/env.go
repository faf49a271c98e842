package bootstrap

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"rebox/pkg/blueprint"
)

// DefaultPath is used when the base environment carries no PATH.
const DefaultPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

// ErrCommandNotFound is returned by Resolve when no PATH entry holds the command.
var ErrCommandNotFound = errors.New("command not found")

// Environment applies the blueprint's environment to base: the blueprint
// variables are set, the fixed python variables win over both, and PATH
// starts with the blueprint directories. Each variable and PATH entry
// appears once. The result is sorted.
func Environment(base []string, bp *blueprint.Blueprint) []string {
	vars := map[string]string{}
	for _, kv := range base {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		vars[k] = v
	}
	for k, v := range bp.Spec.Env {
		vars[k] = v
	}
	for k, v := range blueprint.FixedEnv {
		vars[k] = v
	}

	current, ok := vars["PATH"]
	if !ok || current == "" {
		current = DefaultPath
	}
	vars["PATH"] = prefixPath(bp.Spec.Path, current)

	out := make([]string, 0, len(vars))
	for k, v := range vars {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func prefixPath(prefix []string, current string) string {
	seen := map[string]bool{}
	var entries []string
	add := func(dir string) {
		if dir == "" || seen[dir] {
			return
		}
		seen[dir] = true
		entries = append(entries, dir)
	}
	for _, dir := range prefix {
		add(dir)
	}
	for _, dir := range filepath.SplitList(current) {
		add(dir)
	}
	return strings.Join(entries, string(os.PathListSeparator))
}

// Lookup returns the value of key in env.
func Lookup(env []string, key string) (string, bool) {
	for i := len(env) - 1; i >= 0; i-- {
		if k, v, ok := strings.Cut(env[i], "="); ok && k == key {
			return v, true
		}
	}
	return "", false
}

// SetEnv returns env with key set to value, replacing any earlier value.
func SetEnv(env []string, key, value string) []string {
	out := make([]string, 0, len(env)+1)
	for _, kv := range env {
		if k, _, ok := strings.Cut(kv, "="); ok && k == key {
			continue
		}
		out = append(out, kv)
	}
	return append(out, key+"="+value)
}

// Resolve finds command on the PATH of env. Names containing a separator
// are checked as given.
func Resolve(command string, env []string) (string, error) {
	if strings.ContainsRune(command, os.PathSeparator) {
		if isExecutable(command) {
			return command, nil
		}
		return "", fmt.Errorf("%w: %s", ErrCommandNotFound, command)
	}

	pathValue, _ := Lookup(env, "PATH")
	for _, dir := range filepath.SplitList(pathValue) {
		if dir == "" {
			continue
		}
		candidate := filepath.Join(dir, command)
		if isExecutable(candidate) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: %s (PATH=%s)", ErrCommandNotFound, command, pathValue)
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular() && info.Mode().Perm()&0111 != 0
}
