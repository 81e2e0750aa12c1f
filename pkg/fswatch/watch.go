// Package fswatch notifies when the current generation of a source directory
// changes.
package fswatch

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/replica/pkg/errors"
	"github.com/sidkik/replica/pkg/marker"
)

var fs = afero.NewOsFs()

// Watch watches the markers in `dir`. It sends an event on the returned
// channel whenever `current1` or `current2` is created, removed or modified.
// Bursts of changes are combined into a single event, so receivers should
// treat an event as "something changed" and look at the markers themselves.
//
// The returned function stops the watch, after which the channel is closed.
func Watch(dir string) (<-chan struct{}, func() error, error) {
	fi, err := fs.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, errors.FileNotFound{Path: dir}
		}
		return nil, nil, errors.WithContext(err, "stat")
	}
	if !fi.IsDir() {
		return nil, nil, fmt.Errorf("%q is not a directory", dir)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, errors.WithContext(err, "create watcher")
	}

	// Markers are direct children of `dir`, so a non-recursive watch is
	// enough.
	if err := watcher.Add(dir); err != nil {
		// Close the watcher so that we release its file handles.
		if err := watcher.Close(); err != nil {
			log.WithError(err).Warn("Failed to close file watcher")
		}
		return nil, nil, errors.WithContext(err, fmt.Sprintf("watch %q", dir))
	}

	go logErrors(dir, watcher.Errors)
	return combineUpdates(watcher.Events), watcher.Close, nil
}

func combineUpdates(updates <-chan fsnotify.Event) chan struct{} {
	combined := make(chan struct{}, 1)
	go func() {
		defer close(combined)
		for event := range updates {
			if !isMarker(event.Name) {
				continue
			}

			select {
			case combined <- struct{}{}:
			default:
			}
		}
	}()
	return combined
}

func isMarker(path string) bool {
	name := filepath.Base(path)
	return name == marker.FileName(marker.One) || name == marker.FileName(marker.Two)
}

func logErrors(dir string, errs <-chan error) {
	for err := range errs {
		log.WithError(err).WithField("dir", dir).Warn("File watcher error")
	}
}
