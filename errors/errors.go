// Package errors provides the typed error taxonomy shared by the protocol
// layers. Association-fatal conditions (malformed PDUs, protocol violations,
// resource exhaustion) are distinct types from call-level conditions
// (response timeouts, DIMSE status failures) so callers can tell whether the
// association survives the failure.
package errors

import (
	"errors"
	"fmt"
)

// Common sentinel errors
var (
	ErrConnectionClosed  = errors.New("dicom: connection closed")
	ErrAssociationClosed = errors.New("dicom: association closed")
	ErrContextBusy       = errors.New("dicom: presentation context busy")
	ErrNoPresentationCtx = errors.New("dicom: no suitable presentation context")
	ErrOperationCanceled = errors.New("dicom: operation canceled")
)

// MalformedPDUError reports a structural violation found while decoding a
// PDU. It is fatal to the association and triggers an A-ABORT.
type MalformedPDUError struct {
	PDUType byte
	Msg     string
}

func (e *MalformedPDUError) Error() string {
	return fmt.Sprintf("malformed PDU (type 0x%02X): %s", e.PDUType, e.Msg)
}

// NewMalformedPDU creates a MalformedPDUError for the given PDU type.
func NewMalformedPDU(pduType byte, format string, args ...interface{}) *MalformedPDUError {
	return &MalformedPDUError{PDUType: pduType, Msg: fmt.Sprintf(format, args...)}
}

// RejectReason represents why an association was rejected
type RejectReason byte

const (
	RejectReasonNoReasonGiven                  RejectReason = 0x01
	RejectReasonApplicationContextNotSupported RejectReason = 0x02
	RejectReasonCallingAETitleNotRecognized    RejectReason = 0x03
	RejectReasonCalledAETitleNotRecognized     RejectReason = 0x07
)

func (r RejectReason) String() string {
	switch r {
	case RejectReasonNoReasonGiven:
		return "no-reason-given"
	case RejectReasonApplicationContextNotSupported:
		return "application-context-not-supported"
	case RejectReasonCallingAETitleNotRecognized:
		return "calling-ae-title-not-recognized"
	case RejectReasonCalledAETitleNotRecognized:
		return "called-ae-title-not-recognized"
	default:
		return "unknown"
	}
}

// RejectSource represents who rejected the association
type RejectSource byte

const (
	RejectSourceServiceUser         RejectSource = 0x01
	RejectSourceServiceProviderACSE RejectSource = 0x02
	RejectSourceServiceProviderPres RejectSource = 0x03
)

func (s RejectSource) String() string {
	switch s {
	case RejectSourceServiceUser:
		return "service-user"
	case RejectSourceServiceProviderACSE:
		return "service-provider-acse"
	case RejectSourceServiceProviderPres:
		return "service-provider-presentation"
	default:
		return "unknown"
	}
}

// NegotiationError reports that association negotiation failed before data
// transfer: either the peer sent A-ASSOCIATE-RJ, or no presentation context
// was mutually acceptable.
type NegotiationError struct {
	Result byte // 1=rejected-permanent, 2=rejected-transient
	Source RejectSource
	Reason RejectReason
	Msg    string
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("association rejected: %s (source: %s, reason: %s)",
		e.Msg, e.Source, e.Reason)
}

// Transient reports whether the rejection was flagged rejected-transient,
// meaning a later attempt may succeed.
func (e *NegotiationError) Transient() bool {
	return e.Result == 2
}

// NewNegotiationError creates a NegotiationError.
func NewNegotiationError(result byte, source RejectSource, reason RejectReason, msg string) *NegotiationError {
	return &NegotiationError{Result: result, Source: source, Reason: reason, Msg: msg}
}

// ProtocolViolationError reports a PDU received in a state that does not
// allow it. Fatal: the association is aborted.
type ProtocolViolationError struct {
	State   string
	PDUType byte
}

func (e *ProtocolViolationError) Error() string {
	return fmt.Sprintf("protocol violation: PDU type 0x%02X received in state %s", e.PDUType, e.State)
}

// NewProtocolViolation creates a ProtocolViolationError for a state/PDU pair.
func NewProtocolViolation(state string, pduType byte) *ProtocolViolationError {
	return &ProtocolViolationError{State: state, PDUType: pduType}
}

// TimeoutError reports that a single DIMSE call exceeded its response
// timeout. The association and other in-flight calls are unaffected.
type TimeoutError struct {
	Operation string
	Duration  string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout: %s exceeded %s", e.Operation, e.Duration)
}

func (e *TimeoutError) Timeout() bool { return true }

// NewTimeoutError creates a TimeoutError.
func NewTimeoutError(operation, duration string) *TimeoutError {
	return &TimeoutError{Operation: operation, Duration: duration}
}

// DIMSEStatusError reports a non-success status returned by the peer for a
// DIMSE operation. Recoverable: surfaced to the caller with the status code
// verbatim.
type DIMSEStatusError struct {
	Operation string
	Status    uint16
	Msg       string
}

func (e *DIMSEStatusError) Error() string {
	return fmt.Sprintf("DIMSE %s failed: %s (status: 0x%04X)", e.Operation, e.Msg, e.Status)
}

// NewDIMSEStatusError creates a DIMSEStatusError.
func NewDIMSEStatusError(operation string, status uint16, msg string) *DIMSEStatusError {
	return &DIMSEStatusError{Operation: operation, Status: status, Msg: msg}
}

// IsWarning reports whether the status is in the warning range.
func (e *DIMSEStatusError) IsWarning() bool {
	return (e.Status&0xF000) == 0xB000 || (e.Status&0xFF00) == 0x0100
}

// ResourceExhaustedError reports that a configured resource bound was
// exceeded (reassembly buffer, association table). Fatal: the association is
// aborted rather than allowed to grow unbounded.
type ResourceExhaustedError struct {
	Resource string
	Limit    int64
}

func (e *ResourceExhaustedError) Error() string {
	return fmt.Sprintf("resource exhausted: %s exceeded limit of %d bytes", e.Resource, e.Limit)
}

// NewResourceExhausted creates a ResourceExhaustedError.
func NewResourceExhausted(resource string, limit int64) *ResourceExhaustedError {
	return &ResourceExhaustedError{Resource: resource, Limit: limit}
}

// AbortError represents an A-ABORT PDU received from the peer.
type AbortError struct {
	Source byte
	Reason byte
}

func (e *AbortError) Error() string {
	sourceStr := "unknown"
	switch e.Source {
	case 0x00:
		sourceStr = "service-user"
	case 0x02:
		sourceStr = "service-provider"
	}
	return fmt.Sprintf("association aborted by %s (reason: 0x%02X)", sourceStr, e.Reason)
}

// NewAbortError creates an AbortError.
func NewAbortError(source, reason byte) *AbortError {
	return &AbortError{Source: source, Reason: reason}
}

// NetworkError wraps a transport-level failure.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// NewNetworkError creates a NetworkError.
func NewNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err}
}

// IsTransient classifies an error for retry purposes: network failures,
// timeouts, aborts and transient rejections may succeed on a fresh
// association; status failures and structural errors will not.
func IsTransient(err error) bool {
	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return true
	}
	var toErr *TimeoutError
	if errors.As(err, &toErr) {
		return true
	}
	var abErr *AbortError
	if errors.As(err, &abErr) {
		return true
	}
	var negErr *NegotiationError
	if errors.As(err, &negErr) {
		return negErr.Transient()
	}
	return errors.Is(err, ErrConnectionClosed) || errors.Is(err, ErrAssociationClosed)
}
