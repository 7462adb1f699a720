package backoffice

import "errors"

var (
	ErrNotFound             = errors.New("backoffice: not found")
	ErrAlreadyExists        = errors.New("backoffice: already exists")
	ErrInvalidInput         = errors.New("backoffice: invalid input")
	ErrInvalidIdentity      = errors.New("backoffice: invalid identity claim set")
	ErrNotBackofficeTicket  = errors.New("backoffice: ticket identity is not a back-office identity")
	ErrNotPartialTicket     = errors.New("backoffice: ticket identity is not a partial identity")
	ErrAutoLinkDisabled     = errors.New("backoffice: auto-linking is disabled for this provider")
	ErrInvalidExternalToken = errors.New("backoffice: invalid external login token")
	ErrUnknownProvider      = errors.New("backoffice: unknown provider")
)
