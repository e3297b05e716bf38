package main

import "github.com/juju/errors"

// Error kinds of the link. Use errors.Cause to recover the kind from an annotated error.
var (
	ErrDeviceUnsupported = errors.New("no compatible bluetooth adapter")
	ErrSocketCreation    = errors.New("socket creation failed")
	ErrConnectRefused    = errors.New("remote device refused or did not answer")
	ErrAlreadyConnected  = errors.New("already connected")
	ErrNotConnected      = errors.New("not connected")
	ErrStreamRead        = errors.New("stream read failed")
)

// withKind tags err so that errors.Cause(result) == kind while keeping err in the message.
func withKind(err, kind error, format string, args ...interface{}) error {
	return errors.Wrapf(err, kind, format, args...)
}

// errorKind returns the sentinel behind err, or err itself if it has none.
func errorKind(err error) error {
	return errors.Cause(err)
}
