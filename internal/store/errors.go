package store

import "errors"

var (
	ErrDepartmentNotFound = errors.New("department not found")
	ErrTicketNotFound     = errors.New("ticket not found")
	ErrInvalidState       = errors.New("invalid ticket state")
)
