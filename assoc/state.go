// Package assoc manages DICOM associations: the TCP (optionally TLS)
// connection, association negotiation, the association state machine, and
// the DIMSE verbs that run over an established association.
package assoc

import (
	"fmt"

	dicomerr "github.com/dicomtools/printnet/errors"
)

// State is an association lifecycle state.
type State int

const (
	StateIdle State = iota
	StateAwaitingResponse
	StateEstablished
	StateReleasing
	StateClosed
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateAwaitingResponse:
		return "AwaitingResponse"
	case StateEstablished:
		return "Established"
	case StateReleasing:
		return "Releasing"
	case StateClosed:
		return "Closed"
	case StateAborted:
		return "Aborted"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Event is a stimulus driving the association state machine: a PDU sent or
// received, or the transport going away.
type Event int

const (
	EventAssociateRQSent Event = iota
	EventAssociateRQReceived
	EventAssociateACSent
	EventAssociateACReceived
	EventAssociateRJSent
	EventAssociateRJReceived
	EventReleaseRQSent
	EventReleaseRQReceived
	EventReleaseRPSent
	EventReleaseRPReceived
	EventAbort
	EventTransportClosed
)

func (e Event) String() string {
	switch e {
	case EventAssociateRQSent:
		return "A-ASSOCIATE-RQ sent"
	case EventAssociateRQReceived:
		return "A-ASSOCIATE-RQ received"
	case EventAssociateACSent:
		return "A-ASSOCIATE-AC sent"
	case EventAssociateACReceived:
		return "A-ASSOCIATE-AC received"
	case EventAssociateRJSent:
		return "A-ASSOCIATE-RJ sent"
	case EventAssociateRJReceived:
		return "A-ASSOCIATE-RJ received"
	case EventReleaseRQSent:
		return "A-RELEASE-RQ sent"
	case EventReleaseRQReceived:
		return "A-RELEASE-RQ received"
	case EventReleaseRPSent:
		return "A-RELEASE-RP sent"
	case EventReleaseRPReceived:
		return "A-RELEASE-RP received"
	case EventAbort:
		return "abort"
	case EventTransportClosed:
		return "transport closed"
	default:
		return fmt.Sprintf("Event(%d)", int(e))
	}
}

// transitions is the association state table. Abort and transport loss are
// handled separately since they apply from every state.
var transitions = map[State]map[Event]State{
	StateIdle: {
		EventAssociateRQSent:     StateAwaitingResponse,
		EventAssociateRQReceived: StateAwaitingResponse,
	},
	StateAwaitingResponse: {
		EventAssociateACReceived: StateEstablished,
		EventAssociateACSent:     StateEstablished,
		EventAssociateRJReceived: StateClosed,
		EventAssociateRJSent:     StateClosed,
	},
	StateEstablished: {
		EventReleaseRQSent:     StateReleasing,
		EventReleaseRQReceived: StateReleasing,
	},
	StateReleasing: {
		EventReleaseRPSent:     StateClosed,
		EventReleaseRPReceived: StateClosed,
	},
}

// Next applies event to state. An event not allowed by the table is a
// protocol violation and drives the association to StateAborted.
func Next(state State, event Event) (State, error) {
	switch event {
	case EventAbort:
		return StateAborted, nil
	case EventTransportClosed:
		return StateClosed, nil
	}
	if next, ok := transitions[state][event]; ok {
		return next, nil
	}
	return StateAborted, dicomerr.NewProtocolViolation(state.String(), 0)
}
