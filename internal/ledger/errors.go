package ledger

import "github.com/pkg/errors"

// Integrity errors. These are rejected outright and must never be retried by
// the caller; the write that produced them is rolled back in full.
var (
	ErrSequenceGap      = errors.New("block sequence is not contiguous with the chain head")
	ErrUnknownValidator = errors.New("proposer is not a registered validator")
	ErrDuplicateHash    = errors.New("block hash already recorded")
	ErrBlockNotFound    = errors.New("block not found")
	ErrTxNotFound       = errors.New("transaction not found")
	ErrInvalidTxStatus  = errors.New("transaction status not valid for block finalization")
)
