// Package dockerfile renders the bootstrap image definition and reads
// Dockerfiles back into the contract they establish.
package dockerfile

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"text/template"

	"rebox/pkg/blueprint"
)

// FileName is the name of the rendered Dockerfile inside the build context.
const FileName = "Dockerfile"

//go:embed templates/Dockerfile.tmpl
var dockerfileTemplate string

//go:embed templates/docker_entrypoint.sh.tmpl
var entrypointTemplate string

var templates = template.Must(template.New("Dockerfile").Funcs(template.FuncMap{
	"quote": quoteWord,
	"json": func(v []string) (string, error) {
		out, err := json.Marshal(v)
		return string(out), err
	},
}).Parse(dockerfileTemplate))

var wordEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, `$`, `\$`)

// quoteWord writes s as a double-quoted Dockerfile word the builder reads
// back unchanged. Inside double quotes only backslash, quote and dollar are
// special.
func quoteWord(s string) (string, error) {
	if strings.ContainsAny(s, "\r\n") {
		return "", fmt.Errorf("value %q spans more than one line", s)
	}
	return `"` + wordEscaper.Replace(s) + `"`, nil
}

var entrypointTmpl = template.Must(template.New("entrypoint").Parse(entrypointTemplate))

type keyValue struct {
	Key   string
	Value string
}

// view is the flattened form of a blueprint the templates work with.
type view struct {
	Name           string
	Base           string
	PythonVersion  string
	Variant        string
	UID            int
	GID            int
	User           string
	Workdir        string
	Env            []keyValue
	Labels         []keyValue
	PathPrefix     string
	Manager        string
	Editable       bool
	InstallTarget  string
	Entrypoint     string
	EntrypointPath string
	Command        string
	Cmd            []string
}

func newView(bp *blueprint.Blueprint) view {
	s := bp.Spec
	v := view{
		Name:           bp.Metadata.Name,
		Base:           s.Image.Base,
		PythonVersion:  s.Image.PythonVersion,
		Variant:        s.Image.Variant,
		UID:            s.User.UID,
		GID:            s.User.GID,
		User:           s.User.Name,
		Workdir:        s.Workdir,
		PathPrefix:     strings.Join(s.Path, ":"),
		Manager:        s.Install.Manager,
		Editable:       s.Install.Editable,
		InstallTarget:  s.Install.Requirement(),
		Entrypoint:     s.Entrypoint,
		EntrypointPath: s.EntrypointPath(),
		Command:        s.Command,
		Cmd:            append([]string{}, s.Cmd...),
	}
	for _, k := range sortedKeys(s.Env) {
		if _, fixed := blueprint.FixedEnv[k]; fixed {
			continue
		}
		v.Env = append(v.Env, keyValue{Key: k, Value: s.Env[k]})
	}
	for _, k := range sortedKeys(bp.Metadata.Labels) {
		v.Labels = append(v.Labels, keyValue{Key: k, Value: bp.Metadata.Labels[k]})
	}
	return v
}

// Render produces the Dockerfile for the blueprint. The output is stable for a
// given blueprint so unchanged blueprints keep the build cache valid.
func Render(bp *blueprint.Blueprint) ([]byte, error) {
	if bp == nil {
		return nil, fmt.Errorf("blueprint cannot be nil")
	}
	var buf bytes.Buffer
	if err := templates.Execute(&buf, newView(bp)); err != nil {
		return nil, fmt.Errorf("failed to render Dockerfile: %w", err)
	}
	return buf.Bytes(), nil
}

// EntrypointScript produces the default entrypoint script placed in the
// working directory when the build context does not carry its own.
func EntrypointScript(bp *blueprint.Blueprint) ([]byte, error) {
	if bp == nil {
		return nil, fmt.Errorf("blueprint cannot be nil")
	}
	var buf bytes.Buffer
	if err := entrypointTmpl.Execute(&buf, newView(bp)); err != nil {
		return nil, fmt.Errorf("failed to render entrypoint script: %w", err)
	}
	return buf.Bytes(), nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
