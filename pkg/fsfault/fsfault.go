// Package fsfault wraps an afero filesystem so that tests can make writes to
// chosen files fail.
package fsfault

import (
	"os"
	"strings"
	"sync"

	"github.com/spf13/afero"

	"github.com/sidkik/replica/pkg/errors"
)

// ErrInjected is returned by faulty operations when the rule doesn't set an
// error of its own.
var ErrInjected = errors.New("injected fault")

// Fault describes how operations on matching files fail.
type Fault struct {
	// FailAfterBytes makes writes fail once this many bytes were written to
	// the file. Negative disables the limit.
	FailAfterBytes int64

	// FailOnOpen makes opening the file for writing fail.
	FailOnOpen bool

	Err error
}

func (f Fault) err() error {
	if f.Err != nil {
		return f.Err
	}
	return ErrInjected
}

// Fs is an afero.Fs that injects the faults registered with AddRule. Rules
// only apply to files opened for writing.
type Fs struct {
	afero.Fs

	mu    sync.Mutex
	rules map[string]Fault
}

// New wraps `base`. With no rules, the result behaves exactly like `base`.
func New(base afero.Fs) *Fs {
	return &Fs{Fs: base, rules: map[string]Fault{}}
}

// AddRule registers a fault for every file whose path contains `pattern`.
func (f *Fs) AddRule(pattern string, fault Fault) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules[pattern] = fault
}

// ClearRules removes every registered fault.
func (f *Fs) ClearRules() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = map[string]Fault{}
}

func (f *Fs) match(name string) (Fault, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for pattern, fault := range f.rules {
		if strings.Contains(name, pattern) {
			return fault, true
		}
	}
	return Fault{}, false
}

// Create implements afero.Fs.
func (f *Fs) Create(name string) (afero.File, error) {
	return f.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0666)
}

// OpenFile implements afero.Fs.
func (f *Fs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	writing := flag&(os.O_WRONLY|os.O_RDWR) != 0
	fault, ok := f.match(name)
	if writing && ok && fault.FailOnOpen {
		return nil, &os.PathError{Op: "open", Path: name, Err: fault.err()}
	}

	file, err := f.Fs.OpenFile(name, flag, perm)
	if err != nil || !writing || !ok {
		return file, err
	}
	return &faultyFile{File: file, fault: fault}, nil
}

// Name implements afero.Fs.
func (f *Fs) Name() string {
	return "FaultyFs"
}

type faultyFile struct {
	afero.File
	fault   Fault
	written int64
}

func (ff *faultyFile) Write(p []byte) (int, error) {
	limit := ff.fault.FailAfterBytes
	if limit >= 0 && ff.written+int64(len(p)) > limit {
		return 0, ff.fault.err()
	}

	n, err := ff.File.Write(p)
	ff.written += int64(n)
	return n, err
}
