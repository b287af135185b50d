package types

// DIMSE Command types
const (
	CStoreRQ  = 0x0001
	CStoreRSP = 0x8001
	CGetRQ    = 0x0010
	CGetRSP   = 0x8010
	CFindRQ   = 0x0020
	CFindRSP  = 0x8020
	CMoveRQ   = 0x0021
	CMoveRSP  = 0x8021
	CEchoRQ   = 0x0030
	CEchoRSP  = 0x8030
	CCancelRQ = 0x0FFF

	NEventReportRQ  = 0x0100
	NEventReportRSP = 0x8100
	NGetRQ          = 0x0110
	NGetRSP         = 0x8110
	NSetRQ          = 0x0120
	NSetRSP         = 0x8120
	NActionRQ       = 0x0130
	NActionRSP      = 0x8130
	NCreateRQ       = 0x0140
	NCreateRSP      = 0x8140
	NDeleteRQ       = 0x0150
	NDeleteRSP      = 0x8150
)

// DIMSE Status codes
const (
	StatusSuccess = 0x0000
	StatusCancel  = 0xFE00
	StatusPending = 0xFF00

	StatusSOPClassNotSupported    = 0x0122
	StatusInvalidAttributeValue   = 0x0106
	StatusNoSuchObjectInstance    = 0x0112
	StatusNoSuchActionType        = 0x0123
	StatusProcessingFailure       = 0x0110
	StatusUnrecognizedOperation   = 0x0211
	StatusResourceLimitation      = 0x0213
	StatusFailureUnableToProcess  = 0xC000
	StatusOutOfResources          = 0xA700
	StatusDataSetDoesNotMatchSOP  = 0xA900
	StatusFilmBoxEmptyPageWarning = 0xB604
)

// CommandDataSetType values for element (0000,0800).
const (
	DataSetPresent uint16 = 0x0000
	DataSetNull    uint16 = 0x0101
)

// Priority values for element (0000,0700).
const (
	PriorityMedium uint16 = 0x0000
	PriorityHigh   uint16 = 0x0001
	PriorityLow    uint16 = 0x0002
)

// Message represents a parsed DIMSE command
type Message struct {
	CommandField              uint16
	MessageID                 uint16
	MessageIDBeingRespondedTo uint16
	AffectedSOPClassUID       string
	AffectedSOPInstanceUID    string
	RequestedSOPClassUID      string
	RequestedSOPInstanceUID   string
	Priority                  uint16
	CommandDataSetType        uint16
	Status                    uint16
	MoveDestination           string // For C-MOVE-RQ: the AE title of the move destination
	TransferSyntaxUID         string // Negotiated transfer syntax for the associated dataset

	// N-ACTION / N-EVENT-REPORT qualifiers
	ActionTypeID *uint16
	EventTypeID  *uint16

	// C-MOVE and C-GET response counters
	NumberOfRemainingSuboperations *uint16
	NumberOfCompletedSuboperations *uint16
	NumberOfFailedSuboperations    *uint16
	NumberOfWarningSuboperations   *uint16
}

// HasDataSet reports whether the command announces an accompanying dataset.
func (m *Message) HasDataSet() bool {
	return m.CommandDataSetType != DataSetNull
}

// IsResponse reports whether the command field carries the response bit.
func (m *Message) IsResponse() bool {
	return m.CommandField&0x8000 != 0
}

// IsPending reports whether the response status is one of the pending codes.
func (m *Message) IsPending() bool {
	return m.Status == StatusPending || m.Status == 0xFF01
}

// ResponseCommandFor maps a DIMSE request command to its corresponding response command.
func ResponseCommandFor(request uint16) uint16 {
	return request | 0x8000
}

// CommandName returns a human-readable name for a DIMSE command field.
func CommandName(commandField uint16) string {
	switch commandField {
	case CStoreRQ, CStoreRSP:
		return "C-STORE"
	case CGetRQ, CGetRSP:
		return "C-GET"
	case CFindRQ, CFindRSP:
		return "C-FIND"
	case CMoveRQ, CMoveRSP:
		return "C-MOVE"
	case CEchoRQ, CEchoRSP:
		return "C-ECHO"
	case CCancelRQ:
		return "C-CANCEL"
	case NEventReportRQ, NEventReportRSP:
		return "N-EVENT-REPORT"
	case NGetRQ, NGetRSP:
		return "N-GET"
	case NSetRQ, NSetRSP:
		return "N-SET"
	case NActionRQ, NActionRSP:
		return "N-ACTION"
	case NCreateRQ, NCreateRSP:
		return "N-CREATE"
	case NDeleteRQ, NDeleteRSP:
		return "N-DELETE"
	default:
		return "UNKNOWN"
	}
}
