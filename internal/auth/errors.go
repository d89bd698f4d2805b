package auth

import "errors"

// Sentinel errors the middleware maps onto 401 and 403 responses.
var (
	ErrUnauthorized = errors.New("auth: missing or unreadable credentials")
	ErrForbidden    = errors.New("auth: role does not permit this operation")
	ErrInvalidToken = errors.New("auth: invalid token")
)
