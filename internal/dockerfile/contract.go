package dockerfile

import (
	"fmt"
	"path"
	"strings"

	"github.com/moby/buildkit/frontend/dockerfile/shell"
)

// Copy is a COPY or ADD instruction of the final stage.
type Copy struct {
	Sources []string
	Dest    string
	Chown   string
	Line    int
}

// Contract is the environment a Dockerfile's final stage establishes for the
// process it starts.
type Contract struct {
	BaseImage  string
	Args       map[string]string
	Env        map[string]string
	Labels     map[string]string
	User       string
	Workdir    string
	Entrypoint []string
	Cmd        []string
	Copies     []Copy
}

// Inspect evaluates the instructions with the given build argument values.
// Arguments not supplied fall back to their declared defaults. Words are
// unquoted and expanded the way the builder does it.
func Inspect(instructions []Instruction, buildArgs map[string]string) (Contract, error) {
	lex := shell.NewLex('\\')
	meta := map[string]string{}
	var c Contract
	inStage := false
	cmdSet := false

	for _, ins := range instructions {
		var err error
		word := func(w string, scopes ...map[string]string) string {
			if err != nil {
				return ""
			}
			var out string
			out, _, err = lex.ProcessWord(w, scopeEnv(scopes))
			return out
		}

		if ins.Command == "from" {
			c = Contract{
				BaseImage: word(ins.Args[0], meta),
				Args:      map[string]string{},
				Env:       map[string]string{},
				Labels:    map[string]string{},
				Workdir:   "/",
			}
			inStage = true
			cmdSet = false
		} else if !inStage {
			if ins.Command == "arg" {
				declareArgs(meta, ins.Args, buildArgs, nil, func(w string) string { return word(w, meta) })
			}
		} else {
			expand := func(w string) string { return word(w, c.Args, c.Env) }
			switch ins.Command {
			case "arg":
				declareArgs(c.Args, ins.Args, buildArgs, meta, expand)
			case "env":
				for i := 0; i+1 < len(ins.Args); i += 2 {
					c.Env[ins.Args[i]] = expand(ins.Args[i+1])
				}
			case "label":
				for i := 0; i+1 < len(ins.Args); i += 2 {
					c.Labels[ins.Args[i]] = expand(ins.Args[i+1])
				}
			case "user":
				c.User = expand(ins.Args[0])
			case "workdir":
				dir := expand(ins.Args[0])
				if !path.IsAbs(dir) {
					dir = path.Join(c.Workdir, dir)
				}
				c.Workdir = path.Clean(dir)
			case "copy", "add":
				sources := make([]string, 0, len(ins.Args)-1)
				for _, src := range ins.Args[:len(ins.Args)-1] {
					sources = append(sources, expand(src))
				}
				dest := expand(ins.Args[len(ins.Args)-1])
				if !path.IsAbs(dest) {
					dest = path.Join(c.Workdir, dest)
				}
				c.Copies = append(c.Copies, Copy{
					Sources: sources,
					Dest:    dest,
					Chown:   expand(ins.Flags["--chown"]),
					Line:    ins.Line,
				})
			case "entrypoint":
				c.Entrypoint = execForm(ins)
				// ENTRYPOINT drops a CMD the stage did not set itself.
				if !cmdSet {
					c.Cmd = nil
				}
			case "cmd":
				c.Cmd = execForm(ins)
				cmdSet = true
			}
		}

		if err != nil {
			return Contract{}, fmt.Errorf("%s at line %d: %w", strings.ToUpper(ins.Command), ins.Line, err)
		}
	}
	return c, nil
}

// PathPrefix returns the first n entries of the contract's PATH.
func (c Contract) PathPrefix(n int) []string {
	entries := strings.Split(c.Env["PATH"], ":")
	if len(entries) < n {
		return entries
	}
	return entries[:n]
}

func declareArgs(into map[string]string, args []string, supplied, inherited map[string]string, expand func(string) string) {
	for _, arg := range args {
		name, def, hasDefault := strings.Cut(arg, "=")
		if v, ok := supplied[name]; ok {
			into[name] = v
			continue
		}
		switch {
		case hasDefault:
			into[name] = expand(def)
		case inherited != nil:
			into[name] = inherited[name]
		default:
			into[name] = ""
		}
	}
}

// execForm converts shell-form arguments to the equivalent exec form.
func execForm(ins Instruction) []string {
	if ins.JSON {
		return append([]string{}, ins.Args...)
	}
	if len(ins.Args) == 0 {
		return nil
	}
	return []string{"/bin/sh", "-c", strings.Join(ins.Args, " ")}
}

// scopeEnv resolves variables against scopes; later scopes win. PATH keeps
// its literal form when unset so the image's inherited search path is
// still visible.
type scopeEnv []map[string]string

func (e scopeEnv) Get(name string) (string, bool) {
	for i := len(e) - 1; i >= 0; i-- {
		if v, ok := e[i][name]; ok {
			return v, true
		}
	}
	if name == "PATH" {
		return "${PATH}", true
	}
	return "", false
}

func (e scopeEnv) Keys() []string {
	var keys []string
	for _, scope := range e {
		for k := range scope {
			keys = append(keys, k)
		}
	}
	return keys
}
