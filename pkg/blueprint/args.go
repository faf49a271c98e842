package blueprint

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Build argument names understood by the bootstrap image.
const (
	ArgPythonVersion = "PYTHON_VERSION"
	ArgUID           = "UID"
	ArgGID           = "GID"
)

var argValidate = validator.New()

// BuildArgs are fixed at image-build time and immutable thereafter.
type BuildArgs struct {
	PythonVersion string
	UID           int
	GID           int
}

// BuildArgs returns the arguments s currently resolves to.
func (s Spec) BuildArgs() BuildArgs {
	return BuildArgs{
		PythonVersion: s.Image.PythonVersion,
		UID:           s.User.UID,
		GID:           s.User.GID,
	}
}

// ApplyBuildArgs writes resolved arguments back into s.
func (s *Spec) ApplyBuildArgs(a BuildArgs) {
	s.Image.PythonVersion = a.PythonVersion
	s.User.UID = a.UID
	s.User.GID = a.GID
}

// Override returns a copy of a with KEY=VALUE pairs applied.
// Unknown keys and malformed values are rejected.
func (a BuildArgs) Override(pairs []string) (BuildArgs, error) {
	out := a
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			return a, fmt.Errorf("build arg %q: expected KEY=VALUE", pair)
		}
		switch strings.TrimSpace(key) {
		case ArgPythonVersion:
			if err := argValidate.Var(value, "required,semver"); err != nil {
				return a, fmt.Errorf("build arg %s: %q is not a semantic version", ArgPythonVersion, value)
			}
			out.PythonVersion = value
		case ArgUID:
			id, err := parseID(value)
			if err != nil {
				return a, fmt.Errorf("build arg %s: %w", ArgUID, err)
			}
			out.UID = id
		case ArgGID:
			id, err := parseID(value)
			if err != nil {
				return a, fmt.Errorf("build arg %s: %w", ArgGID, err)
			}
			out.GID = id
		default:
			return a, fmt.Errorf("unknown build arg %q (supported: %s, %s, %s)", key, ArgPythonVersion, ArgUID, ArgGID)
		}
	}
	return out, nil
}

// Map renders the arguments in the form the Docker build API expects.
func (a BuildArgs) Map() map[string]*string {
	values := a.Strings()
	out := make(map[string]*string, len(values))
	for k, v := range values {
		v := v
		out[k] = &v
	}
	return out
}

// Strings renders the arguments as plain strings.
func (a BuildArgs) Strings() map[string]string {
	return map[string]string{
		ArgPythonVersion: a.PythonVersion,
		ArgUID:           strconv.Itoa(a.UID),
		ArgGID:           strconv.Itoa(a.GID),
	}
}

// Pairs renders the arguments as sorted KEY=VALUE strings.
func (a BuildArgs) Pairs() []string {
	var out []string
	for k, v := range a.Strings() {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func parseID(value string) (int, error) {
	id, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("%q is not an integer", value)
	}
	if id < 0 {
		return 0, fmt.Errorf("%d must not be negative", id)
	}
	return id, nil
}
