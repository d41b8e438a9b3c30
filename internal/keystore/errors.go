package keystore

import "github.com/pkg/errors"

var (
	ErrActiveKeyExists   = errors.New("chain already has an active key")
	ErrKeyNotFound       = errors.New("key not found")
	ErrKeyNotActive      = errors.New("key is not active")
	ErrUnknownAlgorithm  = errors.New("unknown signature algorithm")
	ErrIllegalTransition = errors.New("illegal key status transition")
)
