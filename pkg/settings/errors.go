package settings

import "errors"

// Errors returned by the settings package.
var (
	// ErrUnsupportedFormat is returned for configuration files whose extension
	// is neither TOML nor YAML.
	ErrUnsupportedFormat = errors.New("settings: unsupported file format")

	// ErrInvalidValue is returned when a file contains a value that cannot be
	// represented as a scalar setting.
	ErrInvalidValue = errors.New("settings: invalid value")
)
