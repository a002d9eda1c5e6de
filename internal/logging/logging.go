// Package logging provides the five-severity logger the control session and
// its CLI entrypoint write through.
//
// It is deliberately thin: a wrapper around the standard library's log
// package with github.com/fatih/color highlighting for the severities an
// operator needs to notice at a glance rather than a structured logging
// dependency.
package logging

import (
	"fmt"
	"log"
	"os"

	"github.com/fatih/color"
)

// Init points the shared logger at stderr (when toFile is "") or at a file,
// and sets LstdFlags|Lshortfile.
func Init(toFile string) (close func(), err error) {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	if toFile == "" {
		log.SetOutput(os.Stderr)
		return func() {}, nil
	}
	f, oerr := os.OpenFile(toFile, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if oerr != nil {
		return nil, oerr
	}
	log.SetOutput(f)
	return func() { f.Close() }, nil
}

func Debug(format string, args ...any) {
	log.Output(2, "DEBUG "+fmt.Sprintf(format, args...))
}

func Info(format string, args ...any) {
	log.Output(2, "INFO "+fmt.Sprintf(format, args...))
}

func Warning(format string, args ...any) {
	log.Output(2, color.YellowString("WARNING ")+fmt.Sprintf(format, args...))
}

func Err(format string, args ...any) {
	log.Output(2, color.RedString("ERROR ")+fmt.Sprintf(format, args...))
}

// Crit logs at CRIT and exits the process: mutex/cv failures and an
// unexpected worker exit are programmer errors with no safe recovery path.
func Crit(format string, args ...any) {
	log.Output(2, color.New(color.FgWhite, color.BgRed, color.Bold).Sprint("CRIT")+" "+fmt.Sprintf(format, args...))
	os.Exit(1)
}
