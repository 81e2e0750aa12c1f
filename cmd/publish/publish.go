package publish

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/sidkik/replica/cmd/util"
	"github.com/sidkik/replica/pkg/config"
	"github.com/sidkik/replica/pkg/copier"
	"github.com/sidkik/replica/pkg/errors"
	"github.com/sidkik/replica/pkg/publish"
)

// Mocked for unit testing.
var (
	fs               = afero.NewOsFs()
	stdout io.Writer = os.Stdout
)

// New creates a new `publish` command.
func New() *cobra.Command {
	var bufferSizeMB int64
	var concurrency int
	cmd := &cobra.Command{
		Use:   "publish <built-index> <source-dir>",
		Short: "Publish a built index as the next generation of a source directory",
		Long: "Copy a freshly built index into the slot of the source directory\n" +
			"that replicas aren't reading from, and then mark it as current.\n" +
			"Replicas pick up the new generation on their next sync.",
		Args: cobra.ExactArgs(2),
		Run: func(_ *cobra.Command, args []string) {
			ctx, cancel := signal.NotifyContext(context.Background(),
				os.Interrupt, syscall.SIGTERM)
			defer cancel()

			if err := run(ctx, args[0], args[1], bufferSizeMB, concurrency); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	cmd.Flags().Int64Var(&bufferSizeMB, "buffer-size-mb", config.DefaultBufferSizeOnCopyMB,
		"Size of the buffer used to copy each file, in megabytes.")
	cmd.Flags().IntVar(&concurrency, "concurrency", config.DefaultCopyConcurrency,
		"Number of files copied in parallel.")
	return cmd
}

func run(ctx context.Context, built, sourceDir string, bufferSizeMB int64, concurrency int) error {
	if bufferSizeMB <= 0 {
		return errors.NewFriendlyError("--buffer-size-mb must be positive, got %d.", bufferSizeMB)
	}

	gen, err := publish.Publish(ctx, fs, built, sourceDir, copier.Options{
		ChunkSize:   bufferSizeMB * 1024 * 1024,
		Concurrency: concurrency,
	})
	if err != nil {
		if cause, ok := errors.RootCause(err).(errors.FileNotFound); ok {
			return errors.NewFriendlyError("The built index doesn't exist at %q.", cause.Path)
		}
		return errors.WithContext(err, "publish")
	}

	fmt.Fprintf(stdout, "Published %s as generation %s of %s\n", built, gen, sourceDir)
	return nil
}
