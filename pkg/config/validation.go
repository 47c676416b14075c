package config

import (
	"fmt"
	"path/filepath"

	"github.com/go-playground/validator/v10"
)

// validate is the singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validate validates the configuration using struct tags and custom rules.
//
// This function uses go-playground/validator for declarative validation via
// struct tags, with additional custom validation for rules that cannot be
// expressed in tags.
//
// Note: Log level normalization is handled in ApplyDefaults, not here.
// Validation accepts both uppercase and lowercase log levels.
//
// Returns an error describing validation failures.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}

	return validateCustomRules(cfg)
}

// validateCustomRules performs custom validation beyond struct tags.
func validateCustomRules(cfg *Config) error {
	// The root must be absolute: the path resolver's containment check is
	// meaningless against a relative root.
	if !filepath.IsAbs(cfg.Storage.Root) {
		return fmt.Errorf("storage.root: must be an absolute path, got %q", cfg.Storage.Root)
	}

	switch cfg.Mapping.Type {
	case "file":
		if path, _ := cfg.Mapping.File["path"].(string); path == "" {
			return fmt.Errorf("mapping.file: path is required")
		}
	case "badger":
		inMemory, _ := cfg.Mapping.Badger["in_memory"].(bool)
		if path, _ := cfg.Mapping.Badger["path"].(string); path == "" && !inMemory {
			return fmt.Errorf("mapping.badger: path is required unless in_memory is set")
		}
	}

	if cfg.Parallel.ChunkSizeBytes > cfg.Parallel.ThresholdBytes {
		return fmt.Errorf("parallel: chunk_size_bytes (%d) must not exceed threshold_bytes (%d)",
			cfg.Parallel.ChunkSizeBytes, cfg.Parallel.ThresholdBytes)
	}

	return nil
}

// formatValidationError converts validator errors into user-friendly messages.
func formatValidationError(err error) error {
	if validationErrs, ok := err.(validator.ValidationErrors); ok {
		if len(validationErrs) > 0 {
			e := validationErrs[0]
			return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
				e.Namespace(), e.Tag(), e.Value())
		}
	}
	return err
}
