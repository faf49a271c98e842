package blueprint

// Blueprint is the root object that describes one bootstrap: the image to build,
// the account it runs as and the entrypoint it hands control to.
// It's populated by parsing the user's rebox.yaml file.
type Blueprint struct {
	APIVersion string   `yaml:"apiVersion" mapstructure:"apiVersion" validate:"required"`
	Kind       string   `yaml:"kind" mapstructure:"kind" validate:"required,eq=Bootstrap"`
	Metadata   Metadata `yaml:"metadata" mapstructure:"metadata" validate:"required"`
	Spec       Spec     `yaml:"spec" mapstructure:"spec" validate:"required"`
}

// Metadata contains project-level metadata.
type Metadata struct {
	Name        string            `yaml:"name" mapstructure:"name" validate:"required,hostname_rfc1123"`
	Description string            `yaml:"description" mapstructure:"description"`
	Labels      map[string]string `yaml:"labels,omitempty" mapstructure:"labels"`
}

// Spec contains the build and run contract of the environment.
type Spec struct {
	Image      Image             `yaml:"image" mapstructure:"image" validate:"required"`
	User       User              `yaml:"user" mapstructure:"user" validate:"required"`
	Workdir    string            `yaml:"workdir" mapstructure:"workdir" validate:"required,startswith=/"`
	Context    string            `yaml:"context" mapstructure:"context" validate:"required"`
	Entrypoint string            `yaml:"entrypoint" mapstructure:"entrypoint" validate:"required,excludes=/"`
	Command    string            `yaml:"command" mapstructure:"command" validate:"required"`
	Cmd        []string          `yaml:"cmd,omitempty" mapstructure:"cmd"`
	Env        map[string]string `yaml:"env,omitempty" mapstructure:"env"`
	Path       []string          `yaml:"path" mapstructure:"path" validate:"len=2,dive,startswith=/"`
	Install    Install           `yaml:"install" mapstructure:"install" validate:"required"`
}

// Image selects the pinned base runtime image and the tag of the result.
type Image struct {
	Base          string `yaml:"base" mapstructure:"base" validate:"required"`
	PythonVersion string `yaml:"pythonVersion" mapstructure:"pythonVersion" validate:"required,semver"`
	Variant       string `yaml:"variant" mapstructure:"variant"`
	Tag           string `yaml:"tag" mapstructure:"tag" validate:"required"`
}

// User is the non-root account created in the image.
type User struct {
	Name string `yaml:"name" mapstructure:"name" validate:"required,alphanum"`
	UID  int    `yaml:"uid" mapstructure:"uid" validate:"gte=0"`
	GID  int    `yaml:"gid" mapstructure:"gid" validate:"gte=0"`
}

// Install describes how the local package is installed into the image.
type Install struct {
	Manager  string   `yaml:"manager" mapstructure:"manager" validate:"required,oneof=pip pip3"`
	Editable bool     `yaml:"editable" mapstructure:"editable"`
	Target   string   `yaml:"target" mapstructure:"target" validate:"required"`
	Extras   []string `yaml:"extras,omitempty" mapstructure:"extras" validate:"dive,alphanum"`
}
