// Package pkg holds small utilities shared across the module. This file
// defines domain-level sentinel errors, compared with errors.Is so wrapped
// errors still match.
package pkg

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrForbidden     = errors.New("forbidden")
	ErrAlreadyExists = errors.New("already exists")
	ErrBadRequest    = errors.New("bad request")
	ErrInternal      = errors.New("internal error")

	ErrCapacity           = errors.New("capacity exceeded")
	ErrStreamAlreadyLive  = errors.New("stream already live")
	ErrStreamNotLive      = errors.New("stream not live")
	ErrLastAdminProtected = errors.New("last admin protected")
)
