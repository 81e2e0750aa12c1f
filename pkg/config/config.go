package config

import (
	"fmt"
	"os"

	"github.com/ghodss/yaml"
	"github.com/spf13/afero"

	"github.com/sidkik/replica/pkg/errors"
)

// parseConfigErrTemplate is shown when the replicator config isn't valid
// YAML, or doesn't match the expected schema. The yaml library doesn't say
// which index an error belongs to, so the parser's message is passed on as
// is.
const parseConfigErrTemplate = "The replicator config %q could not be parsed.\n" +
	"Check that:\n" +
	" - `indexes` is a list, with one entry per replicated index\n" +
	" - numeric settings such as `refreshSeconds` and `bufferSizeOnCopyMB` " +
	"are plain integers, without units\n" +
	" - field names are spelled in camelCase, for example `sourceBase`\n\n" +
	"Parser error:\n" +
	"%s"

// fs holds the config files. Tests replace it with an in-memory filesystem.
var fs = afero.NewOsFs()

type configInterface interface {
	getVersion() string
}

type incompatibleVersionError struct {
	path, exp, actual string
}

func (err incompatibleVersionError) Error() string {
	return err.FriendlyMessage()
}

func (err incompatibleVersionError) FriendlyMessage() string {
	return fmt.Sprintf("The replicator config %q has version %q, but this "+
		"build of replica only reads version %q.", err.path, err.actual, err.exp)
}

// parseConfig reads the YAML file at `path` into `config`. The version is
// checked before unknown fields, so that a config written for another
// release gets a version error rather than a confusing schema error.
func parseConfig(path string, config configInterface, expVersion string) error {
	raw, err := afero.ReadFile(fs, path)
	if err != nil {
		if isPathNotFoundError(err) {
			return errors.FileNotFound{Path: path}
		}
		return errors.WithContext(err, "read config")
	}

	if err := yaml.Unmarshal(raw, config); err != nil {
		return errors.NewFriendlyError(parseConfigErrTemplate, path, err)
	}

	if version := config.getVersion(); version != expVersion {
		return incompatibleVersionError{path: path, exp: expVersion, actual: version}
	}

	if err := yaml.UnmarshalStrict(raw, config, yaml.DisallowUnknownFields); err != nil {
		return errors.NewFriendlyError(parseConfigErrTemplate, path, err)
	}
	return nil
}

func isPathNotFoundError(err error) bool {
	fileErr, ok := err.(*os.PathError)
	return ok && fileErr.Op == "open" && os.IsNotExist(fileErr)
}
