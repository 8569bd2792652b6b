package rvi

import (
	"errors"
	"fmt"
)

// Numeric status codes, kept aligned with the classic
// C library's rvi_status enum so that callers porting
// from it can keep their switch statements.
const (
	StatusOK         = 0
	StatusNoConfig   = 1001 // configuration error
	StatusBadJSON    = 1002 // malformed structured parameters
	StatusServCert   = 1003 // server certificate is missing
	StatusClientCert = 1004 // client certificate is missing
	StatusNoRcvCert  = 1005 // peer cert not received before credential use
	StatusStreamEnd  = 1006 // stream end encountered unexpectedly
	StatusNoCred     = 1007 // no verifiable credential
	StatusNoCmd      = 1008 // no (known) command
	StatusRights     = 1009 // authorization denied
)

var (
	ErrNoConfig   = fmt.Errorf("rvi: configuration error")
	ErrBadJSON    = fmt.Errorf("rvi: malformed structured parameters")
	ErrServCert   = fmt.Errorf("rvi: server certificate is missing")
	ErrClientCert = fmt.Errorf("rvi: client certificate is missing")
	ErrNoRcvCert  = fmt.Errorf("rvi: peer certificate not received")
	ErrStreamEnd  = fmt.Errorf("rvi: stream ended unexpectedly")
	ErrNoCred     = fmt.Errorf("rvi: no verifiable credential")
	ErrNoCmd      = fmt.Errorf("rvi: no such command or service")
	ErrRights     = fmt.Errorf("rvi: insufficient rights")

	// ErrShutdown reports use of a Context after Close.
	ErrShutdown = fmt.Errorf("rvi: shutting down")

	// ErrNotConnected reports an unknown file descriptor.
	ErrNotConnected = fmt.Errorf("rvi: no such connection")
)

// StatusOf maps an error returned by this package to
// its numeric status code. A nil error is StatusOK.
// Errors that do not wrap one of the package sentinels
// (raw transport errors, for example) map to StatusStreamEnd.
func StatusOf(err error) int {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, ErrNoConfig):
		return StatusNoConfig
	case errors.Is(err, ErrBadJSON):
		return StatusBadJSON
	case errors.Is(err, ErrServCert):
		return StatusServCert
	case errors.Is(err, ErrClientCert):
		return StatusClientCert
	case errors.Is(err, ErrNoRcvCert):
		return StatusNoRcvCert
	case errors.Is(err, ErrNoCred):
		return StatusNoCred
	case errors.Is(err, ErrNoCmd), errors.Is(err, ErrNotConnected):
		return StatusNoCmd
	case errors.Is(err, ErrRights):
		return StatusRights
	}
	return StatusStreamEnd
}
