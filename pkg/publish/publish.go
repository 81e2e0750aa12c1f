// Package publish is the producer side of replication. It places a freshly
// built index into a source directory so that replicas pick it up on their
// next sync.
package publish

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/replica/pkg/copier"
	"github.com/sidkik/replica/pkg/errors"
	"github.com/sidkik/replica/pkg/marker"
)

// Publish copies `built` into the slot of `sourceRoot` that isn't current,
// and then moves the marker over to it. The previously current slot is left
// untouched so that replicas that are halfway through a copy of it can
// finish. It returns the generation that is current afterwards.
func Publish(ctx context.Context, fs afero.Fs, built, sourceRoot string,
	opts copier.Options) (marker.Generation, error) {

	fi, err := fs.Stat(built)
	switch {
	case os.IsNotExist(err):
		return marker.None, errors.FileNotFound{Path: built}
	case err != nil:
		return marker.None, errors.WithContext(err, "stat built index")
	case !fi.IsDir():
		return marker.None, errors.NewFriendlyError("The built index at %q "+
			"is not a directory.", built)
	}

	for _, gen := range []marker.Generation{marker.One, marker.Two} {
		slot := filepath.Join(sourceRoot, marker.SlotName(gen))
		if err := fs.MkdirAll(slot, 0755); err != nil {
			return marker.None, errors.WithContext(err, fmt.Sprintf("create slot %s", gen))
		}
	}

	current, err := marker.Resolve(fs, sourceRoot)
	if err != nil {
		return marker.None, errors.WithContext(err, "read source marker")
	}

	target := current.Other()
	opts.DeleteExtraneous = true
	if opts.ChunkSize == 0 {
		opts.ChunkSize = copier.DefaultChunkSize
	}
	stats, err := copier.Synchronize(ctx, fs, built,
		filepath.Join(sourceRoot, marker.SlotName(target)), opts)
	if err != nil {
		return current, errors.WithContext(err, fmt.Sprintf("copy into slot %s", target))
	}

	if err := marker.Swap(fs, sourceRoot, current, target); err != nil {
		return current, errors.WithContext(err, "swap markers")
	}

	log.WithFields(log.Fields{
		"source":     sourceRoot,
		"generation": target,
		"files":      stats.FilesCopied,
		"bytes":      stats.BytesCopied,
		"removed":    stats.FilesRemoved,
	}).Info("Published new generation")
	return target, nil
}
