package session

import (
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
	"go.viam.com/utils"

	"go.spwlink.dev/starapi/star"
)

// DefaultTransferTimeout bounds a send or receive when no other timeout is configured.
const DefaultTransferTimeout = 100 * time.Millisecond

const (
	logFileMaxSizeMB  = 10
	logFileMaxBackups = 3
)

// Config configures a Session.
type Config struct {
	// LibraryDir is the directory holding the STAR-API shared library.
	LibraryDir string `json:"library_dir,omitempty"`
	// Verbose enables debug logging of the session.
	Verbose bool `json:"verbose,omitempty"`
	// TransferTimeoutMs is the default send and receive timeout. Zero selects
	// DefaultTransferTimeout.
	TransferTimeoutMs int `json:"transfer_timeout_ms,omitempty"`
	// LogFile additionally writes session logs to a size-rotated file.
	LogFile string `json:"log_file,omitempty"`
}

// Validate ensures all parts of the config are valid.
func (cfg *Config) Validate(path string) error {
	if cfg.TransferTimeoutMs < 0 {
		return utils.NewConfigValidationError(path,
			errors.Errorf("transfer_timeout_ms must not be negative, got %d", cfg.TransferTimeoutMs))
	}
	return nil
}

func (cfg *Config) libraryDir() string {
	if cfg.LibraryDir == "" {
		return star.DefaultLibraryDir
	}
	return cfg.LibraryDir
}

func (cfg *Config) transferTimeout() time.Duration {
	if cfg.TransferTimeoutMs == 0 {
		return DefaultTransferTimeout
	}
	return time.Duration(cfg.TransferTimeoutMs) * time.Millisecond
}

// ConfigFromAttributes decodes a config from an attribute map keyed by the JSON field names.
func ConfigFromAttributes(attributes map[string]interface{}) (*Config, error) {
	var conf Config
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{TagName: "json", Result: &conf})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(attributes); err != nil {
		return nil, err
	}
	return &conf, nil
}
