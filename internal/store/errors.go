package store

import (
	"errors"

	"eos/api/internal/workflow"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrUnknownField      = errors.New("unknown field")
	ErrInvalidValue      = errors.New("invalid value")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrCycle             = workflow.ErrCycle
	ErrConflict          = errors.New("already exists")
	ErrTransient         = errors.New("database busy")
)
