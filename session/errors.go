package session

import "errors"

var (
	ErrNotSignedIn      = errors.New("no active session")
	ErrSignInInProgress = errors.New("sign-in already in progress")
	ErrAlreadySignedIn  = errors.New("session already established")
	ErrNoConflict       = errors.New("no conflict awaiting resolution")
	ErrClosed           = errors.New("controller closed")
	ErrProviderRequired = errors.New("identity provider not configured")
)
