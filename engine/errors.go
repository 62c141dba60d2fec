package engine

import (
	"errors"
	"fmt"
)

// ErrNotReady is returned by send operations while the link is not
// authenticated and usable. Callers should poll /status or /qr and retry.
var ErrNotReady = errors.New("whatsapp link is not ready")

// ErrNoPairing is returned by QRImage when there is no pending pairing
// code, including when the link is already connected.
var ErrNoPairing = errors.New("no pairing code pending")

// TransportError wraps a send-level failure on an otherwise ready link.
// Sends are not retried internally; retrying is the caller's decision.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
