package vault

import "errors"

// codedError carries a stable identifier that UIs and the CLI map to
// messages.
type codedError struct {
	code string
	msg  string
}

func (e *codedError) Error() string { return e.msg }

func (e *codedError) Code() string { return e.code }

var (
	ErrMasterPasswordRequired = &codedError{code: "master-password-required", msg: "vault: master password required"}
	ErrWrongPassword          = &codedError{code: "declined", msg: "vault: wrong master password"}

	ErrNotFound           = errors.New("vault: not found")
	ErrAlreadyExists      = errors.New("vault: already exists")
	ErrNotInitialized     = errors.New("vault: no master password set")
	ErrAlreadyInitialized = errors.New("vault: master password already set")
	ErrCorrupt            = errors.New("vault: stored data is corrupt")
)
