package fswatch

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/replica/pkg/errors"
)

func TestCombineUpdates(t *testing.T) {
	t.Parallel()

	updates := make(chan fsnotify.Event, 1024)
	addEvents := func(num int) {
		for i := 0; i < num; i++ {
			updates <- fsnotify.Event{Name: "/source/products/current2", Op: fsnotify.Create}
		}
	}

	// Seed with events.
	numUpdates := 100
	addEvents(numUpdates)
	combined := combineUpdates(updates)

	// Assert that the events are being combined.
	numCombined := countEvents(combined)
	assert.True(t, numCombined < numUpdates,
		"expected less combined events (%d) than %d", numCombined, numUpdates)

	// Add more events.
	addEvents(100)
	<-combined
}

func TestCombineUpdatesIgnoresOtherFiles(t *testing.T) {
	t.Parallel()

	updates := make(chan fsnotify.Event, 10)
	combined := combineUpdates(updates)

	updates <- fsnotify.Event{Name: "/source/products/1/segments_3", Op: fsnotify.Write}
	updates <- fsnotify.Event{Name: "/source/products/2", Op: fsnotify.Create}
	updates <- fsnotify.Event{Name: "/source/products/current3", Op: fsnotify.Create}

	select {
	case <-combined:
		t.Fatal("unexpected event for a non-marker file")
	case <-time.After(100 * time.Millisecond):
	}

	updates <- fsnotify.Event{Name: "/source/products/current1", Op: fsnotify.Remove}
	<-combined

	// The combined channel is closed once the watcher stops.
	close(updates)
	_, ok := <-combined
	assert.False(t, ok)
}

func TestWatch(t *testing.T) {
	fs = afero.NewOsFs()
	dir := t.TempDir()

	events, stop, err := Watch(dir)
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "2"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "current2"), nil, 0644))

	select {
	case <-events:
	case <-time.After(5 * time.Second):
		t.Fatal("no event after the marker was created")
	}

	require.NoError(t, stop())
	for range events {
	}
}

func TestWatchMissingDirectory(t *testing.T) {
	fs = afero.NewMemMapFs()
	_, _, err := Watch("/source/products")
	assert.Equal(t, errors.FileNotFound{Path: "/source/products"}, err)
}

func TestWatchFile(t *testing.T) {
	fs = afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/source/products", nil, 0644))
	_, _, err := Watch("/source/products")
	assert.Error(t, err)
}

func countEvents(c chan struct{}) (n int) {
	// Block until the first event.
	<-c
	n++

	// Count the number of events until there hasn't been any new events in 500
	// milliseconds.
	for {
		select {
		case <-c:
			n++
		case <-time.After(500 * time.Millisecond):
			return n
		}
	}
}
