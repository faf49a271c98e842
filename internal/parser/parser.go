package parser

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"rebox/pkg/blueprint"
)

// EnvPrefix is the prefix of environment variables overriding blueprint fields,
// e.g. REBOX_SPEC_USER_UID=1001.
const EnvPrefix = "REBOX"

// DefaultFileNames are searched, in order, by Discover.
var DefaultFileNames = []string{"rebox.yaml", "rebox.yml"}

// ErrNotFound is returned when no blueprint file exists at the given location.
var ErrNotFound = errors.New("blueprint file not found")

var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Discover returns the blueprint file in dir.
func Discover(dir string) (string, error) {
	for _, name := range DefaultFileNames {
		candidate := filepath.Join(dir, name)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: no %s in %s", ErrNotFound, strings.Join(DefaultFileNames, " or "), dir)
}

// Parse reads and validates a blueprint YAML file, returning the parsed Blueprint struct or an error.
func Parse(filePath string) (*blueprint.Blueprint, error) {
	// Check if file exists
	if _, err := os.Stat(filePath); os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, filePath)
	}

	v := newViper()
	v.SetConfigFile(filePath)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, filePath)
		}
		return nil, fmt.Errorf("failed to read blueprint file: %w", err)
	}

	var bp blueprint.Blueprint
	if err := v.Unmarshal(&bp); err != nil {
		return nil, fmt.Errorf("failed to parse blueprint file - malformed YAML: %w", err)
	}
	bp.ApplyDefaults()

	// Relative contexts are resolved against the blueprint's directory.
	if !filepath.IsAbs(bp.Spec.Context) {
		bp.Spec.Context = filepath.Join(filepath.Dir(filePath), bp.Spec.Context)
	}
	abs, err := filepath.Abs(bp.Spec.Context)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve build context %s: %w", bp.Spec.Context, err)
	}
	bp.Spec.Context = abs

	if err := Validate(&bp); err != nil {
		return nil, err
	}

	return &bp, nil
}

// Validate checks the structure of an already populated blueprint.
func Validate(bp *blueprint.Blueprint) error {
	if err := validate.Struct(bp); err != nil {
		return formatValidationError(err)
	}
	return nil
}

// newViper returns a viper instance carrying the static defaults and the
// environment override binding.
func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("apiVersion", blueprint.DefaultAPIVersion)
	v.SetDefault("kind", blueprint.DefaultKind)
	v.SetDefault("spec.image.base", blueprint.DefaultBaseImage)
	v.SetDefault("spec.image.pythonVersion", blueprint.DefaultPythonVersion)
	v.SetDefault("spec.image.variant", blueprint.DefaultImageVariant)
	v.SetDefault("spec.image.tag", "")
	v.SetDefault("spec.user.name", blueprint.DefaultUserName)
	v.SetDefault("spec.user.uid", blueprint.DefaultUID)
	v.SetDefault("spec.user.gid", blueprint.DefaultGID)
	v.SetDefault("spec.workdir", "")
	v.SetDefault("spec.context", blueprint.DefaultContext)
	v.SetDefault("spec.entrypoint", blueprint.DefaultEntrypoint)
	v.SetDefault("spec.command", blueprint.DefaultCommand)
	v.SetDefault("spec.install.manager", blueprint.DefaultManager)
	v.SetDefault("spec.install.editable", true)
	v.SetDefault("spec.install.target", blueprint.DefaultInstallTarget)
	return v
}

// formatValidationError converts validator errors into user-friendly messages.
func formatValidationError(err error) error {
	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		var errorMessages []string
		for _, e := range validationErrors {
			errorMessages = append(errorMessages, formatFieldError(e))
		}

		if len(errorMessages) == 1 {
			return fmt.Errorf("validation error: %s", errorMessages[0])
		}

		result := "validation errors:\n"
		for _, msg := range errorMessages {
			result += fmt.Sprintf("  - %s\n", msg)
		}
		return fmt.Errorf("%s", result)
	}

	return fmt.Errorf("validation failed: %w", err)
}

// formatFieldError formats a single validation error into a user-friendly message.
func formatFieldError(e validator.FieldError) string {
	field := e.Field()
	tag := e.Tag()

	switch tag {
	case "required":
		return fmt.Sprintf("field '%s' is required but missing", field)
	case "eq":
		return fmt.Sprintf("field '%s' must be '%s'", field, e.Param())
	case "oneof":
		return fmt.Sprintf("field '%s' must be one of: %s", field, e.Param())
	case "semver":
		return fmt.Sprintf("field '%s' must be a semantic version such as 3.10.12", field)
	case "gte":
		return fmt.Sprintf("field '%s' must be %s or greater", field, e.Param())
	case "len":
		return fmt.Sprintf("field '%s' must have exactly %s entries", field, e.Param())
	case "startswith":
		return fmt.Sprintf("field '%s' must be an absolute path", field)
	case "excludes":
		return fmt.Sprintf("field '%s' must be a file name, not a path", field)
	default:
		return fmt.Sprintf("field '%s' failed validation (%s)", field, tag)
	}
}
