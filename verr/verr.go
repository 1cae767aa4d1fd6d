// Package verr defines the closed set of external error codes spec.md
// §6/§7 requires callers to see, and the sentinel errors the internal
// components raise that map onto them. The split mirrors the teacher's
// errors.go (a flat set of sentinel errors) joined with canopen.go's
// CANopenError string-table pattern for the externally-reported code.
package verr

import "errors"

// Internal sentinel errors. Components wrap these with
// github.com/pkg/errors so a Cause() chain survives up to the caller;
// callers compare with errors.Is.
var (
	ErrInvalidParameter     = errors.New("invalid parameter")
	ErrAccessDenied         = errors.New("access denied")
	ErrNotFound             = errors.New("not found")
	ErrWriteProtected       = errors.New("media write protected")
	ErrNoMedia              = errors.New("no media")
	ErrInsufficientResources = errors.New("insufficient resources")
	ErrDeletePending        = errors.New("delete pending")
	ErrObjectNameCollision  = errors.New("object name collision")
	ErrBufferTooSmall       = errors.New("buffer too small")
	ErrCancelled            = errors.New("cancelled")
	ErrUnsupportedAlignment = errors.New("unsupported alignment")
	ErrProtocolViolation    = errors.New("protocol violation")
)

// Code is the closed external error code set from spec.md §6.
type Code int32

const (
	CodeOK Code = iota
	CodeInvalidParameter
	CodeAccessDenied
	CodeNotFound
	CodeWriteProtected
	CodeNoMedia
	CodeInsufficientResources
	CodeDeletePending
	CodeObjectNameCollision
	CodeBufferTooSmall
)

var codeNames = map[Code]string{
	CodeOK:                    "ok",
	CodeInvalidParameter:      "invalid-parameter",
	CodeAccessDenied:          "access-denied",
	CodeNotFound:              "not-found",
	CodeWriteProtected:        "write-protected",
	CodeNoMedia:               "no-media",
	CodeInsufficientResources: "insufficient-resources",
	CodeDeletePending:         "delete-pending",
	CodeObjectNameCollision:   "object-name-collision",
	CodeBufferTooSmall:        "buffer-too-small",
}

func (c Code) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return "unknown"
}

// mapping associates each sentinel with the external code it surfaces
// as, per spec.md §7's propagation policy.
var mapping = []struct {
	err  error
	code Code
}{
	{ErrInvalidParameter, CodeInvalidParameter},
	{ErrUnsupportedAlignment, CodeInvalidParameter},
	{ErrAccessDenied, CodeAccessDenied},
	{ErrNotFound, CodeNotFound},
	{ErrWriteProtected, CodeWriteProtected},
	{ErrNoMedia, CodeNoMedia},
	{ErrProtocolViolation, CodeNoMedia},
	{ErrInsufficientResources, CodeInsufficientResources},
	{ErrDeletePending, CodeDeletePending},
	{ErrObjectNameCollision, CodeObjectNameCollision},
	{ErrBufferTooSmall, CodeBufferTooSmall},
}

// ToCode maps an error (possibly wrapped) onto its external Code. An
// unrecognized error (including nil) maps to CodeOK; callers check err
// != nil separately before trusting the code.
func ToCode(err error) Code {
	for _, m := range mapping {
		if errors.Is(err, m.err) {
			return m.code
		}
	}
	return CodeOK
}

// IsCancellation reports whether err represents a cancellation, which
// per spec.md §7 is never logged as an error.
func IsCancellation(err error) bool {
	return errors.Is(err, ErrCancelled)
}

// IsBackingFatal reports whether err is one of the backing-fatal kinds
// (proxy reset, protocol violation) that additionally raise
// terminate_requested asynchronously per spec.md §7 kind 3/5.
func IsBackingFatal(err error) bool {
	return errors.Is(err, ErrNoMedia) || errors.Is(err, ErrProtocolViolation)
}

// IsProtocolViolation reports whether err represents a proxy protocol
// violation, which callers classifying a transport failure must
// preserve rather than collapsing into ErrNoMedia.
func IsProtocolViolation(err error) bool {
	return errors.Is(err, ErrProtocolViolation)
}
