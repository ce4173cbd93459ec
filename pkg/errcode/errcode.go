// Package errcode defines the error taxonomy shared by every dbvc component.
//
// Every error that leaves a core operation is an *Error carrying a stable,
// machine-readable Code and a Class. Transport errors also carry a Hint telling
// an operator how to remediate.
package errcode

import (
	"errors"
	"fmt"
)

// Class groups codes by how a caller should react.
type Class string

const (
	ClassValidation   Class = "validation"
	ClassPolicy       Class = "policy"
	ClassConflict     Class = "state_conflict"
	ClassVerification Class = "verification"
	ClassTransport    Class = "transport"
	ClassNotFound     Class = "not_found"
	ClassAuth         Class = "auth"
	ClassInternal     Class = "internal"
)

// Code is a stable error identifier. Values are part of the wire format.
type Code string

const (
	// validation
	InvalidInput         Code = "invalid_input"
	EmptyManifest        Code = "empty_manifest"
	TargetSiteInvalid    Code = "target_site_invalid"
	ChannelProgression   Code = "channel_progression_invalid"
	ConfirmationRequired Code = "confirmation_required"
	PayloadTooLarge      Code = "payload_too_large"
	SchemaUnsupported    Code = "schema_unsupported"
	ArtifactExcluded     Code = "artifact_excluded"
	ScanMutationRejected Code = "scan_mutation_rejected"
	Incompatible         Code = "incompatible"

	// policy
	DestructiveBlocked Code = "destructive_blocked"
	ReadOnlyMode       Code = "read_only_mode"

	// state conflict
	TransitionInvalid Code = "transition_invalid"
	PackageExists     Code = "package_exists"
	PackageRevoked    Code = "package_revoked"
	EntityApplyFailed Code = "entity_apply_failed"

	// verification
	VerificationFailed Code = "verification_failed"

	// not found
	RestoreMissing   Code = "restore_missing"
	PackageNotFound  Code = "package_not_found"
	ProposalNotFound Code = "proposal_not_found"
	SiteNotFound     Code = "site_not_found"
	ClientNotFound   Code = "client_not_found"

	// auth
	SecretMissing    Code = "secret_missing"
	RoleMismatch     Code = "role_mismatch"
	HeaderMissing    Code = "header_missing"
	TimestampSkew    Code = "timestamp_skew"
	SiteMismatch     Code = "site_mismatch"
	NonceReplay      Code = "nonce_replay"
	SignatureInvalid Code = "signature_invalid"
	Unauthorized     Code = "unauthorized"

	// transport
	RemoteUnreachable Code = "remote_unreachable"
	RemoteStatus      Code = "remote_status"
	RetryNotDue       Code = "retry_not_due"
	DeadLettered      Code = "dead_lettered"

	Internal Code = "internal"
)

var classes = map[Code]Class{
	InvalidInput:         ClassValidation,
	EmptyManifest:        ClassValidation,
	TargetSiteInvalid:    ClassValidation,
	ChannelProgression:   ClassValidation,
	ConfirmationRequired: ClassValidation,
	PayloadTooLarge:      ClassValidation,
	SchemaUnsupported:    ClassValidation,
	ArtifactExcluded:     ClassValidation,
	ScanMutationRejected: ClassValidation,
	Incompatible:         ClassValidation,
	DestructiveBlocked:   ClassPolicy,
	ReadOnlyMode:         ClassPolicy,
	TransitionInvalid:    ClassConflict,
	PackageExists:        ClassConflict,
	PackageRevoked:       ClassConflict,
	EntityApplyFailed:    ClassConflict,
	VerificationFailed:   ClassVerification,
	RestoreMissing:       ClassNotFound,
	PackageNotFound:      ClassNotFound,
	ProposalNotFound:     ClassNotFound,
	SiteNotFound:         ClassNotFound,
	ClientNotFound:       ClassNotFound,
	SecretMissing:        ClassAuth,
	RoleMismatch:         ClassAuth,
	HeaderMissing:        ClassAuth,
	TimestampSkew:        ClassAuth,
	SiteMismatch:         ClassAuth,
	NonceReplay:          ClassAuth,
	SignatureInvalid:     ClassAuth,
	Unauthorized:         ClassAuth,
	RemoteUnreachable:    ClassTransport,
	RemoteStatus:         ClassTransport,
	RetryNotDue:          ClassTransport,
	DeadLettered:         ClassTransport,
	Internal:             ClassInternal,
}

var defaultHints = map[Code]string{
	RemoteUnreachable: "check the remote base URL and network reachability, then retry",
	RemoteStatus:      "inspect the remote site's logs; retry after the reported problem is fixed",
	RetryNotDue:       "wait until next_retry_at or force the retry",
	DeadLettered:      "the package exceeded its retry budget; fix the remote and re-publish with force",
}

// ClassFor returns the class registered for code, or ClassInternal.
func ClassFor(code Code) Class {
	if c, ok := classes[code]; ok {
		return c
	}
	return ClassInternal
}

// Error is the single error type returned by dbvc components.
type Error struct {
	Code    Code           `json:"code"`
	Class   Class          `json:"class"`
	Message string         `json:"message"`
	Hint    string         `json:"hint,omitempty"`
	Details map[string]any `json:"details,omitempty"`
	Err     error          `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// WithHint sets the remediation hint.
func (e *Error) WithHint(hint string) *Error {
	e.Hint = hint
	return e
}

// WithDetail attaches a structured detail value.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// New creates an error for code.
func New(code Code, msg string) *Error {
	return &Error{
		Code:    code,
		Class:   ClassFor(code),
		Message: msg,
		Hint:    defaultHints[code],
	}
}

// Newf creates an error for code with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap creates an error for code that wraps a cause.
func Wrap(code Code, err error, msg string) *Error {
	e := New(code, msg)
	e.Err = err
	return e
}

// As extracts the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CodeOf returns the code of err, Internal for foreign errors and "" for nil.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	if e, ok := As(err); ok {
		return e.Code
	}
	return Internal
}

// ClassOf returns the class of err.
func ClassOf(err error) Class {
	if err == nil {
		return ""
	}
	if e, ok := As(err); ok {
		return e.Class
	}
	return ClassInternal
}

// IsRetryable reports whether a caller may retry the failed operation.
func IsRetryable(err error) bool {
	return ClassOf(err) == ClassTransport
}

// Has reports whether err carries code.
func Has(err error, code Code) bool {
	return CodeOf(err) == code
}
