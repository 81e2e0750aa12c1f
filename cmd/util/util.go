// Package util contains helpers shared by the replica commands.
package util

import (
	"fmt"
	"io"
	"os"
	"runtime/debug"

	log "github.com/sirupsen/logrus"

	"github.com/sidkik/replica/pkg/errors"
)

// Mocked for unit testing.
var (
	stderr io.Writer = os.Stderr
	exit             = os.Exit
)

// HandleFatalError handles errors that are severe enough to terminate the
// program.
func HandleFatalError(err error) {
	log.WithError(err).Debug("Fatal error")
	fmt.Fprintln(stderr, errors.GetPrintableMessage(err))
	exit(1)
}

// HandlePanic logs the stack trace of a panic before re-raising it, so that
// the trace also ends up in the debug log.
func HandlePanic() {
	if r := recover(); r != nil {
		log.WithField("stack", string(debug.Stack())).Errorf("Panic: %v", r)
		panic(r)
	}
}
