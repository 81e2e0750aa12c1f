package config

import (
	"fmt"
	"path/filepath"
	"time"

	homedir "github.com/mitchellh/go-homedir"

	"github.com/sidkik/replica/pkg/errors"
)

const (
	// DefaultConfigPath is where the replicator looks for its configuration
	// when no path is given.
	DefaultConfigPath = "~/.replica.yaml"

	// InitialConfigVersion is the first version of the replicator config.
	// Config files that do not specify a version default to this version.
	InitialConfigVersion = "v1alpha1"

	// SupportedConfigVersion is the config version understood by this
	// binary.
	SupportedConfigVersion = "v1alpha1"
)

// Defaults for the optional index settings.
const (
	DefaultRefreshSeconds     = 3600
	DefaultBufferSizeOnCopyMB = 16
	DefaultCopyConcurrency    = 1
)

// Config lists the indexes replicated by one process.
type Config struct {
	Version string  `json:"version,omitempty"`
	Indexes []Index `json:"indexes"`
}

func (c Config) getVersion() string {
	return c.Version
}

// Index configures the replication of a single index. The master copy lives
// in `<sourceBase>/<name>` and the replica in `<indexBase>/<name>`.
type Index struct {
	Name       string `json:"name"`       // Required.
	SourceBase string `json:"sourceBase"` // Required.
	IndexBase  string `json:"indexBase"`  // Required.

	// RefreshSeconds is the period between two sync attempts.
	RefreshSeconds int `json:"refreshSeconds,omitempty"`

	// BufferSizeOnCopyMB is the size of the chunks used to copy files.
	BufferSizeOnCopyMB int `json:"bufferSizeOnCopyMB,omitempty"`

	// RetryMarkerLookup is the number of extra attempts made to find a
	// current marker in the source directory on initialization.
	RetryMarkerLookup int `json:"retryMarkerLookup,omitempty"`

	// MaxBytesPerSecond throttles copies. Zero disables throttling.
	MaxBytesPerSecond int64 `json:"maxBytesPerSecond,omitempty"`

	// CopyConcurrency is the number of files copied in parallel.
	CopyConcurrency int `json:"copyConcurrency,omitempty"`

	// WatchSource requests a sync as soon as the source markers change,
	// in addition to the periodic ones.
	WatchSource bool `json:"watchSource,omitempty"`
}

// WithDefaults returns a copy of the index with unset optional settings
// replaced by their defaults.
func (idx Index) WithDefaults() Index {
	if idx.RefreshSeconds == 0 {
		idx.RefreshSeconds = DefaultRefreshSeconds
	}
	if idx.BufferSizeOnCopyMB == 0 {
		idx.BufferSizeOnCopyMB = DefaultBufferSizeOnCopyMB
	}
	if idx.CopyConcurrency == 0 {
		idx.CopyConcurrency = DefaultCopyConcurrency
	}
	return idx
}

// Validate checks that the index can be replicated. Errors are
// ConfigurationErrors.
func (idx Index) Validate() error {
	invalid := func(err error) error {
		return errors.ConfigurationError{Index: idx.Name, Reason: err.Error()}
	}

	for _, field := range []struct {
		name, value string
	}{
		{"name", idx.Name},
		{"sourceBase", idx.SourceBase},
		{"indexBase", idx.IndexBase},
	} {
		if field.value == "" {
			return invalid(errors.MissingFieldError{Field: field.name})
		}
	}

	if idx.Name != filepath.Base(idx.Name) || idx.Name == "." || idx.Name == ".." {
		return invalid(fmt.Errorf("name %q must be a single path element", idx.Name))
	}

	for _, field := range []struct {
		name  string
		value int64
	}{
		{"refreshSeconds", int64(idx.RefreshSeconds)},
		{"bufferSizeOnCopyMB", int64(idx.BufferSizeOnCopyMB)},
		{"copyConcurrency", int64(idx.CopyConcurrency)},
	} {
		if field.value <= 0 {
			return invalid(fmt.Errorf("%s must be positive, got %d", field.name, field.value))
		}
	}

	if idx.RetryMarkerLookup < 0 {
		return invalid(fmt.Errorf("retryMarkerLookup must not be negative, got %d",
			idx.RetryMarkerLookup))
	}
	if idx.MaxBytesPerSecond < 0 {
		return invalid(fmt.Errorf("maxBytesPerSecond must not be negative, got %d",
			idx.MaxBytesPerSecond))
	}
	return nil
}

// SourceDir returns the directory holding the master copy of the index.
func (idx Index) SourceDir() string {
	return filepath.Join(idx.SourceBase, idx.Name)
}

// ReplicaDir returns the directory holding the local replica.
func (idx Index) ReplicaDir() string {
	return filepath.Join(idx.IndexBase, idx.Name)
}

// ChunkSize returns the copy chunk size in bytes.
func (idx Index) ChunkSize() int64 {
	return int64(idx.BufferSizeOnCopyMB) * 1024 * 1024
}

// RefreshPeriod returns the period between two sync attempts.
func (idx Index) RefreshPeriod() time.Duration {
	return time.Duration(idx.RefreshSeconds) * time.Second
}

// homedirExpand will be overridden in mock tests
var homedirExpand = homedir.Expand

// GetConfigPath returns the expanded path to the config file. An empty
// `path` selects DefaultConfigPath.
func GetConfigPath(path string) (string, error) {
	if path == "" {
		path = DefaultConfigPath
	}
	return homedirExpand(path)
}

// Parse reads the replicator config at `path`. Defaults are applied to every
// index, and each index is validated.
func Parse(path string) (Config, error) {
	path, err := GetConfigPath(path)
	if err != nil {
		return Config{}, errors.WithContext(err, "expand config path")
	}

	config := Config{Version: InitialConfigVersion}
	if err := parseConfig(path, &config, SupportedConfigVersion); err != nil {
		if _, ok := err.(errors.FileNotFound); ok {
			return Config{}, errors.NewFriendlyError("The replicator config "+
				"file doesn't exist at %q. Pass the path to the config with "+
				"--config.", path)
		}
		return Config{}, errors.WithContext(err, "parse")
	}

	if len(config.Indexes) == 0 {
		return Config{}, errors.NewFriendlyError(
			"The config file %q does not define any indexes.", path)
	}

	names := map[string]struct{}{}
	for i, idx := range config.Indexes {
		idx = idx.WithDefaults()
		for _, dir := range []*string{&idx.SourceBase, &idx.IndexBase} {
			expanded, err := homedir.Expand(*dir)
			if err != nil {
				return Config{}, errors.WithContext(err, "expand homedir")
			}
			if expanded != "" {
				expanded = filepath.Clean(expanded)
			}
			*dir = expanded
		}

		if err := idx.Validate(); err != nil {
			return Config{}, err
		}

		if _, ok := names[idx.Name]; ok {
			return Config{}, errors.ConfigurationError{
				Index:  idx.Name,
				Reason: "index is defined more than once",
			}
		}
		names[idx.Name] = struct{}{}
		config.Indexes[i] = idx
	}
	return config, nil
}
