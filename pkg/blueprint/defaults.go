package blueprint

import (
	"fmt"
	"path"
	"strings"
)

const (
	DefaultAPIVersion    = "v1"
	DefaultKind          = "Bootstrap"
	DefaultBaseImage     = "python"
	DefaultPythonVersion = "3.10.12"
	DefaultImageVariant  = "slim"
	DefaultUserName      = "appuser"
	DefaultUID           = 1000
	DefaultGID           = 1000
	DefaultContext       = "."
	DefaultEntrypoint    = "docker_entrypoint.sh"
	DefaultCommand       = "reemission"
	DefaultManager       = "pip"
	DefaultInstallTarget = "."
)

// FixedEnv holds the variables every bootstrapped process sees.
var FixedEnv = map[string]string{
	"PYTHONDONTWRITEBYTECODE": "1",
	"PYTHONUNBUFFERED":        "1",
}

// ApplyDefaults fills the fields derived from other fields.
// Static defaults are applied by the parser before validation.
func (b *Blueprint) ApplyDefaults() {
	s := &b.Spec
	if s.User.Name == "" {
		s.User.Name = DefaultUserName
	}
	if s.Workdir == "" {
		s.Workdir = path.Join(s.User.Home(), b.Metadata.Name)
	}
	if len(s.Path) == 0 {
		s.Path = []string{path.Join(s.User.Home(), ".local", "bin"), s.Workdir}
	}
	if s.Image.Tag == "" && b.Metadata.Name != "" {
		s.Image.Tag = b.Metadata.Name + ":latest"
	}
	if s.Env == nil {
		s.Env = map[string]string{}
	}
	for k, v := range FixedEnv {
		s.Env[k] = v
	}
}

// Home is the home directory of the created user.
func (u User) Home() string {
	return path.Join("/home", u.Name)
}

// Owner renders the account as a uid:gid pair.
func (u User) Owner() string {
	return fmt.Sprintf("%d:%d", u.UID, u.GID)
}

// Reference returns the base image reference with the python version pinned.
func (i Image) Reference() string {
	if i.Variant == "" {
		return fmt.Sprintf("%s:%s", i.Base, i.PythonVersion)
	}
	return fmt.Sprintf("%s:%s-%s", i.Base, i.PythonVersion, i.Variant)
}

// EntrypointPath is the absolute location of the entrypoint script in the image.
func (s Spec) EntrypointPath() string {
	return path.Join(s.Workdir, s.Entrypoint)
}

// Requirement is the install target with any extras, e.g. ".[docs,tests]".
func (i Install) Requirement() string {
	if len(i.Extras) == 0 {
		return i.Target
	}
	return fmt.Sprintf("%s[%s]", i.Target, strings.Join(i.Extras, ","))
}

// Args are the package manager arguments installing the target for the user.
func (i Install) Args() []string {
	args := []string{"install", "--no-cache-dir", "--user"}
	if i.Editable {
		args = append(args, "-e")
	}
	return append(args, i.Requirement())
}
