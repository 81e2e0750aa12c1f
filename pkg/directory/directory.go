// Package directory provides read-only handles on the generation slots of a
// replicated index.
package directory

import (
	"os"
	"sort"
	"sync/atomic"

	"github.com/spf13/afero"

	"github.com/sidkik/replica/pkg/errors"
	"github.com/sidkik/replica/pkg/marker"
)

// Directory is a read-only view of one generation slot. Readers open files
// through it by name, relative to the slot.
//
// Handles are created once by the replica and shared by every reader, so
// they are safe for concurrent use.
type Directory struct {
	path   string
	gen    marker.Generation
	fs     afero.Fs
	closed atomic.Bool
}

// Open returns a handle on the slot at `path`, creating the directory if it
// doesn't exist yet.
func Open(fs afero.Fs, path string, gen marker.Generation) (*Directory, error) {
	if err := fs.MkdirAll(path, 0755); err != nil {
		return nil, errors.WithContext(err, "create slot")
	}

	return &Directory{
		path: path,
		gen:  gen,
		fs:   afero.NewReadOnlyFs(afero.NewBasePathFs(fs, path)),
	}, nil
}

// Path returns the location of the slot on the underlying filesystem.
func (d *Directory) Path() string {
	return d.path
}

// Generation returns which slot the handle points to.
func (d *Directory) Generation() marker.Generation {
	return d.gen
}

// Fs returns a read-only filesystem rooted at the slot.
func (d *Directory) Fs() afero.Fs {
	return d.fs
}

// Open opens the file `name` in the slot for reading.
func (d *Directory) Open(name string) (afero.File, error) {
	if d.closed.Load() {
		return nil, errors.ErrClosed
	}
	return d.fs.Open(name)
}

// Stat returns information about the file `name` in the slot.
func (d *Directory) Stat(name string) (os.FileInfo, error) {
	if d.closed.Load() {
		return nil, errors.ErrClosed
	}
	return d.fs.Stat(name)
}

// List returns the sorted names of the files at the top level of the slot.
func (d *Directory) List() ([]string, error) {
	if d.closed.Load() {
		return nil, errors.ErrClosed
	}

	infos, err := afero.ReadDir(d.fs, "/")
	if err != nil {
		return nil, errors.WithContext(err, "read slot")
	}

	var names []string
	for _, fi := range infos {
		names = append(names, fi.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Close releases the handle. Files that are already open stay usable, but
// new calls to Open fail. Closing twice is a no-op.
func (d *Directory) Close() error {
	d.closed.Store(true)
	return nil
}

// Closed returns whether Close was called.
func (d *Directory) Closed() bool {
	return d.closed.Load()
}
