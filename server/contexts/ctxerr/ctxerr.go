// Package ctxerr provides functions to create and annotate errors close to
// where they are encountered. Call New or Wrap[f] at the failure site and let
// the error bubble to the boundary; it is fine to wrap again with more
// annotations along the way.
package ctxerr

import (
	"context"

	"github.com/pkg/errors"
)

// New creates a new error with the provided message.
func New(ctx context.Context, msg string) error {
	return errors.New(msg)
}

// Errorf creates a new error with the provided formatted message.
func Errorf(ctx context.Context, format string, args ...interface{}) error {
	return errors.Errorf(format, args...)
}

// Wrap annotates err with the provided message. Returns nil if err is nil.
func Wrap(ctx context.Context, err error, msg string) error {
	return errors.Wrap(err, msg)
}

// Wrapf annotates err with the provided formatted message.
func Wrapf(ctx context.Context, err error, format string, args ...interface{}) error {
	return errors.Wrapf(err, format, args...)
}

// Cause returns the root error of a wrap chain.
func Cause(err error) error {
	return errors.Cause(err)
}
