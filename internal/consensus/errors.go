package consensus

import "github.com/pkg/errors"

var (
	ErrDuplicateRound = errors.New("round number already used")
	ErrPriorRoundOpen = errors.New("an earlier round is still open")
	ErrRoundNotOpen   = errors.New("round is not open")
	ErrRoundNotFound  = errors.New("round not found")
	ErrInvalidResult  = errors.New("invalid round result")
)
