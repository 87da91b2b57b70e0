package service

import (
	"errors"
	"strings"
)

// Ingestion rejection kinds. Callers match them with errors.Is.
var (
	ErrDecode         = errors.New("malformed alarm payload")
	ErrValidation     = errors.New("alarm validation failed")
	ErrUnknownDevice  = errors.New("unknown device")
	ErrDuplicateAlarm = errors.New("duplicate alarm")
)

// ValidationError lists every rule the payload violated
type ValidationError struct {
	Violations []string
}

func (e *ValidationError) Error() string {
	return ErrValidation.Error() + ": " + strings.Join(e.Violations, "; ")
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}
