package errorsx

import (
	"errors"
	"fmt"
)

// Class groups reason codes by how a call session reacts to them.
type Class string

const (
	// ClassFrame: the frame is dropped and the next one processed.
	ClassFrame Class = "recoverable_frame"
	// ClassEngine: partial text is frozen or a placeholder card applied.
	ClassEngine Class = "recoverable_engine"
	// ClassStore: retried in the background; in-memory state stays authoritative.
	ClassStore Class = "store_write"
	// ClassProtocol ends the session in Error.
	ClassProtocol Class = "fatal_protocol"
	// ClassQuota pauses sessions; it is not an error.
	ClassQuota   Class = "quota_exceeded"
	ClassUnknown Class = "unknown"
)

var classes = map[ReasonCode]Class{
	ReasonDecode:                    ClassFrame,
	ReasonProtocolSequence:          ClassProtocol,
	ReasonTransportProtocol:         ClassProtocol,
	ReasonSTTConnect:                ClassEngine,
	ReasonSTTSend:                   ClassEngine,
	ReasonSTTStream:                 ClassEngine,
	ReasonSTTRateLimit:              ClassEngine,
	ReasonSummaryGenerate:           ClassEngine,
	ReasonSummarySchema:             ClassEngine,
	ReasonSummaryTimeout:            ClassEngine,
	ReasonSummaryRateLimit:          ClassEngine,
	ReasonSummaryCircuitOpen:        ClassEngine,
	ReasonStoreWrite:                ClassStore,
	ReasonArchiveWrite:              ClassStore,
	ReasonQuotaExceeded:             ClassQuota,
	ReasonTransportInvalidSignature: ClassUnknown,
	ReasonTransportClose:            ClassUnknown,
}

// ReasonedError carries a reason code alongside the underlying error.
type ReasonedError struct {
	Err    error
	Reason ReasonCode
}

func (e ReasonedError) Error() string {
	if e.Err == nil {
		return string(e.Reason)
	}
	return e.Err.Error()
}

func (e ReasonedError) Unwrap() error { return e.Err }

// Wrap tags err with reason. The innermost reason wins, so an error keeps
// the code of the layer that produced it.
func Wrap(err error, reason ReasonCode) error {
	if err == nil {
		return nil
	}
	var re ReasonedError
	if errors.As(err, &re) {
		return err
	}
	return ReasonedError{Err: err, Reason: reason}
}

// Errorf formats a new error tagged with reason.
func Errorf(reason ReasonCode, format string, args ...any) error {
	return Wrap(fmt.Errorf(format, args...), reason)
}

func Reason(err error) ReasonCode {
	if err == nil {
		return ReasonUnknown
	}
	var re ReasonedError
	if errors.As(err, &re) {
		return re.Reason
	}
	return ReasonUnknown
}

func HasReason(err error, reason ReasonCode) bool {
	return Reason(err) == reason
}

// ClassOf reports the handling class of err's reason code.
func ClassOf(err error) Class {
	if c, ok := classes[Reason(err)]; ok {
		return c
	}
	return ClassUnknown
}

// LogAttrs returns the reason_code and error_class key/value pairs for err,
// followed by the error itself.
func LogAttrs(err error) []any {
	return []any{
		"reason_code", string(Reason(err)),
		"error_class", string(ClassOf(err)),
		"error", err,
	}
}
