// Package kerrors defines the error kinds shared across the download core.
package kerrors

import "errors"

// Sentinel error kinds. Call sites wrap one of these with fmt.Errorf("%w: ...")
// so callers can classify failures with errors.Is regardless of the wrapping
// added along the way.
var (
	ErrTransport  = errors.New("transport error")
	ErrIO         = errors.New("io error")
	ErrParse      = errors.New("parse error")
	ErrTimeout    = errors.New("timeout")
	ErrValidation = errors.New("validation error")
	ErrProtocol   = errors.New("protocol error")
	ErrInternal   = errors.New("internal error")
)
