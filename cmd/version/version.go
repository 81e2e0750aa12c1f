package version

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/sidkik/replica/pkg/version"
)

// Mocked for unit testing.
var stdout io.Writer = os.Stdout

// New creates a new `version` command.
func New() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version of replica.",
		Long: "Print the version of replica, as a git tag or commit hash.\n" +
			"Builds that weren't made by `make` report " + version.EmptyValue + ".",
		Args: cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Fprintf(stdout, "replica version: %s\n", version.Version)
		},
	}
}
