package imgcache

import "errors"

// Sentinel errors for the image cache domain.
var (
	ErrUnauthorized      = errors.New("unauthorized")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrBadRequest        = errors.New("bad request")
	ErrInvalidTransition = errors.New("invalid lifecycle transition")
	ErrNotActive         = errors.New("no active generation")
	ErrBodyTooLarge      = errors.New("response body too large")
	ErrUpstream          = errors.New("upstream error")
	ErrRateLimited       = errors.New("too many failed attempts")
)
