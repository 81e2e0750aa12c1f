package status

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/buger/goterm"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/sidkik/replica/cmd/util"
	"github.com/sidkik/replica/pkg/config"
	"github.com/sidkik/replica/pkg/errors"
	"github.com/sidkik/replica/pkg/marker"
)

// Mocked for unit testing.
var (
	fs               = afero.NewOsFs()
	stdout io.Writer = os.Stdout
	color            = goterm.Color
)

// New creates a new `status` command.
func New() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "status [dir ...]",
		Short: "Print the current generation of index directories",
		Long: "Print which generation each directory currently serves. The\n" +
			"directories can be either source or replica index roots. If none\n" +
			"are given, the source and replica of every configured index are\n" +
			"shown.",
		Run: func(_ *cobra.Command, args []string) {
			if len(args) == 0 {
				dirs, err := configuredDirs(configPath)
				if err != nil {
					util.HandleFatalError(err)
				}
				args = dirs
			}
			printStatus(args)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", config.DefaultConfigPath,
		"Path to the replicator config. Only used when no directories are given.")
	return cmd
}

func configuredDirs(path string) ([]string, error) {
	cfg, err := config.Parse(path)
	if err != nil {
		return nil, errors.WithContext(err, "read config")
	}

	var dirs []string
	for _, idx := range cfg.Indexes {
		dirs = append(dirs, idx.SourceDir(), idx.ReplicaDir())
	}
	return dirs, nil
}

func printStatus(dirs []string) {
	for _, dir := range dirs {
		fmt.Fprintf(stdout, "%s: %s\n", dir, describe(dir))
	}
}

func describe(dir string) string {
	exists, err := afero.DirExists(fs, dir)
	if err != nil {
		return color(fmt.Sprintf("error (%s)", err), goterm.RED)
	}
	if !exists {
		return color("missing", goterm.RED)
	}

	gen, err := marker.Current(fs, dir)
	if err != nil {
		return color(fmt.Sprintf("error (%s)", err), goterm.RED)
	}
	if !gen.Valid() {
		return color("no current generation", goterm.YELLOW)
	}

	// Both markers exist if a swap was interrupted. Readers use generation 1
	// until the next swap cleans up.
	other, err := afero.Exists(fs, filepath.Join(dir, marker.FileName(gen.Other())))
	if err == nil && other {
		return color(fmt.Sprintf("generation %s (both markers present)", gen), goterm.YELLOW)
	}
	return color(fmt.Sprintf("generation %s", gen), goterm.GREEN)
}
