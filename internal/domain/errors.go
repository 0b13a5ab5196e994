package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrDispatchExhausted means every dispatch stage failed and the reply was dropped.
	ErrDispatchExhausted = errors.New("all dispatch stages failed")
	// ErrMediaUnavailable means an attachment could not be fetched or stored.
	ErrMediaUnavailable = errors.New("media unavailable")
	// ErrPairingNotFound means no pending pairing request matches the code.
	ErrPairingNotFound = errors.New("pairing request not found")
)

// ConfigError is a missing or invalid setting that prevents startup.
type ConfigError struct {
	Key    string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %s", e.Key, e.Reason)
}

// TransportError wraps a failed HTTP or gateway call.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
