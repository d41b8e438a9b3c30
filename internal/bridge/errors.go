package bridge

import "github.com/pkg/errors"

var (
	ErrInvalidTransfer   = errors.New("invalid transfer request")
	ErrTransferNotFound  = errors.New("transfer not found")
	ErrIllegalTransition = errors.New("illegal transfer status transition")
)
