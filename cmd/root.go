package cmd

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	publishCmd "github.com/sidkik/replica/cmd/publish"
	"github.com/sidkik/replica/cmd/replicate"
	"github.com/sidkik/replica/cmd/status"
	"github.com/sidkik/replica/cmd/util"
	"github.com/sidkik/replica/cmd/version"
)

// verboseLogKey is the environment variable used to enable verbose logging.
// When it's set to `true`, Debug events are logged, rather than just Info and
// above.
const verboseLogKey = "REPLICA_LOG_VERBOSE"

// Execute runs the main CLI process.
func Execute() {
	if os.Getenv(verboseLogKey) == "true" {
		log.SetLevel(log.DebugLevel)
	}

	var verbose bool
	rootCmd := &cobra.Command{
		Use:          "replica",
		Short:        "Replicate index directories from a master to local disk",
		SilenceUsage: true,

		// The call to rootCmd.Execute prints the error, so we silence errors
		// here to avoid double printing.
		SilenceErrors: true,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			if verbose {
				log.SetLevel(log.DebugLevel)
			}
		},
	}
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"Log debug messages. Equivalent to setting "+verboseLogKey+"=true.")
	rootCmd.AddCommand(
		publishCmd.New(),
		replicate.New(),
		status.New(),
		version.New(),
	)

	if err := rootCmd.Execute(); err != nil {
		util.HandleFatalError(err)
	}
}
