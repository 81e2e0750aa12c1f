// Package marker implements the sentinel files that record which of the two
// physical generations of an index directory is authoritative.
//
// A directory holding a replicated index looks like this:
//
//	<root>/1/...      generation 1
//	<root>/2/...      generation 2
//	<root>/current1   present when generation 1 is current
//
// Only the existence of `current1` or `current2` matters; the files are
// empty. The same layout is used by the producer (source) and by replicas.
package marker

import (
	"os"
	"path/filepath"
	"strconv"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/replica/pkg/errors"
)

// Generation identifies one of the two physical slots of an index directory.
type Generation int32

const (
	// None means that no marker was found.
	None Generation = 0
	// One is the generation stored under `<root>/1`.
	One Generation = 1
	// Two is the generation stored under `<root>/2`.
	Two Generation = 2
)

// Valid returns whether g refers to a physical slot.
func (g Generation) Valid() bool {
	return g == One || g == Two
}

// Other returns the slot that isn't g. The other slot of None is One, so
// that a directory without any generation gets populated into slot 1 first.
func (g Generation) Other() Generation {
	if g == One {
		return Two
	}
	return One
}

func (g Generation) String() string {
	if !g.Valid() {
		return "none"
	}
	return strconv.Itoa(int(g))
}

// FileName returns the name of the marker file for g.
func FileName(g Generation) string {
	return "current" + strconv.Itoa(int(g))
}

// SlotName returns the name of the directory holding the contents of g.
func SlotName(g Generation) string {
	return strconv.Itoa(int(g))
}

// Current returns the generation that `dir` considers authoritative.
// If both markers exist, generation 1 wins. This is the state left behind by
// a crash between publishing the new marker and retracting the old one.
func Current(fs afero.Fs, dir string) (Generation, error) {
	for _, gen := range []Generation{One, Two} {
		exists, err := afero.Exists(fs, filepath.Join(dir, FileName(gen)))
		if err != nil {
			return None, errors.WithContext(err, "stat marker")
		}
		if exists {
			return gen, nil
		}
	}
	return None, nil
}

// Resolve behaves like Current, but also removes a leftover `current2` when
// both markers are present. It should only be called by the process that
// owns `dir`.
func Resolve(fs afero.Fs, dir string) (Generation, error) {
	gen, err := Current(fs, dir)
	if err != nil || gen != One {
		return gen, err
	}

	leftover := filepath.Join(dir, FileName(Two))
	exists, err := afero.Exists(fs, leftover)
	if err != nil {
		return None, errors.WithContext(err, "stat marker")
	}
	if exists {
		if err := fs.Remove(leftover); err != nil && !os.IsNotExist(err) {
			log.WithError(err).WithField("path", leftover).Warn(
				"Failed to remove leftover marker. Generation 1 is still used.")
		}
	}
	return One, nil
}

// Publish creates the marker for `gen` in `dir`. It's a no-op if the marker
// already exists.
func Publish(fs afero.Fs, dir string, gen Generation) error {
	f, err := fs.OpenFile(filepath.Join(dir, FileName(gen)), os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return errors.WithContext(err, "create marker")
	}
	return errors.WithContext(f.Close(), "close marker")
}

// Retract removes the marker for `gen` from `dir`. A marker that doesn't
// exist isn't an error.
func Retract(fs afero.Fs, dir string, gen Generation) error {
	err := fs.Remove(filepath.Join(dir, FileName(gen)))
	if err != nil && !os.IsNotExist(err) {
		return errors.WithContext(err, "remove marker")
	}
	return nil
}

// Swap makes `to` the current generation of `dir` in place of `from`.
// The new marker is published before the old one is retracted, so an
// interrupted swap leaves both markers rather than none.
func Swap(fs afero.Fs, dir string, from, to Generation) error {
	if err := Publish(fs, dir, to); err != nil {
		return err
	}
	if from.Valid() && from != to {
		return Retract(fs, dir, from)
	}
	return nil
}
