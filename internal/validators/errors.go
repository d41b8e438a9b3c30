package validators

import "github.com/pkg/errors"

var (
	ErrValidatorExists  = errors.New("validator already registered")
	ErrUnknownValidator = errors.New("unknown validator")
	ErrNegativeStake    = errors.New("stake must not be negative")
	ErrInvalidStatus    = errors.New("invalid validator status")
)
