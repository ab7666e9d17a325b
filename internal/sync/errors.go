package sync

import "errors"

// Error is a sync failure with a stable identifier.
type Error struct {
	code string
	msg  string
}

func (e *Error) Error() string { return e.msg }

func (e *Error) Code() string { return e.code }

var (
	ErrInvalidToken      = &Error{code: "sync_invalid_token", msg: "sync: provider rejected the token"}
	ErrWrongRevision     = &Error{code: "sync_wrong_revision", msg: "sync: remote changed concurrently"}
	ErrUnrelatedClient   = &Error{code: "sync_unrelated_client", msg: "sync: remote data belongs to another client"}
	ErrTamperedData      = &Error{code: "sync_tampered_data", msg: "sync: remote data failed verification"}
	ErrUnknownDataFormat = &Error{code: "sync_unknown_data_format", msg: "sync: unknown remote data format"}
	ErrTooManyRetries    = &Error{code: "sync_too_many_retries", msg: "sync: too many concurrent remote changes"}

	// ErrNetwork is transient: timeouts and unreachable providers.
	ErrNetwork = &Error{code: "sync_network_error", msg: "sync: provider unreachable"}

	ErrDisabled        = &Error{code: "sync_disabled", msg: "sync: not enabled"}
	ErrUnknownProvider = &Error{code: "sync_unknown_provider", msg: "sync: unknown provider"}
	ErrNoRemoteData    = &Error{code: "sync_no_remote_data", msg: "sync: no remote data"}

	// ErrAbandoned is returned by a run whose result was discarded because
	// the master key or the session changed underneath it.
	ErrAbandoned = &Error{code: "sync_abandoned", msg: "sync: run abandoned"}
)

// Code returns the stable identifier of err, or its message when it has none.
func Code(err error) string {
	if err == nil {
		return ""
	}
	var c interface{ Code() string }
	if errors.As(err, &c) {
		return c.Code()
	}
	return err.Error()
}

// Transient reports whether retrying later may succeed.
func Transient(err error) bool {
	return errors.Is(err, ErrNetwork) || errors.Is(err, ErrWrongRevision) || errors.Is(err, ErrTooManyRetries)
}
