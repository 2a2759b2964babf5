// Package exit defines the process exit codes and the error type that
// carries them from any component to the top level.
package exit

import (
	"errors"
	"fmt"
)

// Code enumerates the exit codes of the daemon. The numbering is part
// of the command line interface and must stay dense and stable.
type Code int

const (
	OK          Code = iota // regular termination
	CmdLineArg              // unexpected command line argument
	OutOfRange              // a user provided value is out of range
	Load                    // the provided value is not a valid load
	Freq                    // the provided value is not a valid frequency
	Mode                    // the provided value is not a valid mode
	Interval                // the provided value is not a valid interval
	Samples                 // the provided value is not a valid sample count
	Sysctl                  // a sysctl operation failed
	NoFreq                  // system does not support changing core frequencies
	Conflict                // another frequency daemon instance is running
	PIDFile                 // a pidfile could not be created
	Forbidden               // insufficient privileges to change sysctl
	Daemon                  // unable to detach from terminal
	WriteOpen               // could not open file for writing
	Signal                  // failed to install signal handler
	RangeFormat             // a user provided range is missing the separator
	Temperature             // the provided value is not a valid temperature
	Except                  // untreated failure
	File                    // not a valid file name
	Exec                    // command execution failed
)

var codeStr = [...]string{
	"OK", "ECLARG", "EOUTOFRANGE", "ELOAD", "EFREQ", "EMODE", "EIVAL",
	"ESAMPLES", "ESYSCTL", "ENOFREQ", "ECONFLICT", "EPID", "EFORBIDDEN",
	"EDAEMON", "EWOPEN", "ESIGNAL", "ERANGEFMT", "ETEMPERATURE",
	"EEXCEPT", "EFILE", "EEXEC",
}

func (c Code) String() string {
	if int(c) < len(codeStr) {
		return codeStr[c]
	}
	return fmt.Sprintf("Code(%d)", int(c))
}

// Status bundles an exit code, an optional underlying cause and a
// message. The top level prints the message and exits with the code.
type Status struct {
	Code Code
	Err  error
	Msg  string
}

func (s *Status) Error() string {
	if s.Msg == "" {
		return "(" + s.Code.String() + ")"
	}
	return "(" + s.Code.String() + ") " + s.Msg
}

func (s *Status) Unwrap() error { return s.Err }

// Failf builds a Status error with a formatted message. err may be nil
// when there is no underlying cause.
func Failf(code Code, err error, format string, args ...any) *Status {
	return &Status{Code: code, Err: err, Msg: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the exit code from an error chain, defaulting to
// Except for errors that never passed through Failf.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	var status *Status
	if errors.As(err, &status) {
		return status.Code
	}
	return Except
}
