package config

import "errors"

// Validation errors, wrapped with the offending key.
var (
	ErrInvalidRun     = errors.New("invalid run settings")
	ErrInvalidSession = errors.New("invalid session settings")
	ErrInvalidRetry   = errors.New("invalid retry settings")
	ErrInvalidSeed    = errors.New("invalid seed settings")
	ErrInvalidFiles   = errors.New("invalid file settings")
	ErrInvalidDriver  = errors.New("invalid driver settings")
	ErrInvalidServer  = errors.New("invalid server settings")
	ErrInvalidExport  = errors.New("invalid export settings")
)
