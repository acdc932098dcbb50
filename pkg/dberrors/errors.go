package dberrors

import "errors"

var (
	ErrNotFound        = errors.New("pagedb: not found")
	ErrClosed          = errors.New("pagedb: closed")
	ErrInvalidArgument = errors.New("pagedb: invalid argument")
	ErrCorruption      = errors.New("pagedb: corruption detected")
	ErrEntryTooLarge   = errors.New("pagedb: entry exceeds page capacity")
)
