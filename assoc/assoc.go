package assoc

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dicomtools/printnet/dimse"
	dicomerr "github.com/dicomtools/printnet/errors"
	"github.com/dicomtools/printnet/pdu"
	"github.com/dicomtools/printnet/types"
)

// Implementation identifiers carried in the user information item.
const (
	ImplementationClassUID    = "1.2.826.0.1.3680043.9.7029.1"
	ImplementationVersionName = "PRINTNET_100"
)

// AcceptedContext is one presentation context the peers agreed on.
type AcceptedContext struct {
	ID             byte
	AbstractSyntax string
	TransferSyntax string
}

// Association is an established DICOM association. Reads happen on a single
// loop goroutine; writes are serialized by an internal mutex, so DIMSE calls
// may run concurrently on distinct presentation contexts.
type Association struct {
	conn net.Conn
	log  *logrus.Entry

	callingAE string
	calledAE  string
	requestor bool

	contexts map[byte]AcceptedContext

	dispatcher *dimse.Dispatcher
	assembler  dimse.Assembler

	idleTimeout time.Duration
	maxReceive  uint32

	writeMu sync.Mutex

	stateMu sync.Mutex
	state   State

	released  chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// newAssociation wires the runtime once negotiation succeeded. sendMaxPDU
// bounds our outgoing PDUs: the smaller of our own limit and the peer's
// announced receive limit.
func newAssociation(conn net.Conn, cfg runtimeConfig) *Association {
	a := &Association{
		conn:        conn,
		log:         cfg.log,
		callingAE:   cfg.callingAE,
		calledAE:    cfg.calledAE,
		requestor:   cfg.requestor,
		contexts:    cfg.contexts,
		idleTimeout: cfg.idleTimeout,
		maxReceive:  cfg.maxReceive,
		state:       StateEstablished,
		released:    make(chan struct{}),
		done:        make(chan struct{}),
	}
	a.assembler.MaxMessageSize = cfg.maxMessage
	a.dispatcher = dimse.NewDispatcher(a, cfg.sendMaxPDU, cfg.responseTimeout, cfg.log)
	if cfg.handler != nil {
		a.dispatcher.SetHandler(cfg.handler(a))
	} else {
		a.dispatcher.SetHandler(a.defaultHandler)
	}
	go a.readLoop()
	return a
}

// HandlerFactory builds the inbound request handler once the association is
// established, giving service code a handle for sending replies.
type HandlerFactory func(*Association) dimse.RequestHandler

type runtimeConfig struct {
	log             *logrus.Entry
	callingAE       string
	calledAE        string
	requestor       bool
	contexts        map[byte]AcceptedContext
	sendMaxPDU      uint32
	maxReceive      uint32
	maxMessage      int
	idleTimeout     time.Duration
	responseTimeout time.Duration
	handler         HandlerFactory
}

// State returns the current association state.
func (a *Association) State() State {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	return a.state
}

func (a *Association) setState(s State) {
	a.stateMu.Lock()
	a.state = s
	a.stateMu.Unlock()
}

// apply advances the state machine by one event.
func (a *Association) apply(e Event) error {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	next, err := Next(a.state, e)
	if err != nil {
		return err
	}
	a.state = next
	return nil
}

// CallingAETitle returns the requestor's AE title.
func (a *Association) CallingAETitle() string { return a.callingAE }

// CalledAETitle returns the acceptor's AE title.
func (a *Association) CalledAETitle() string { return a.calledAE }

// Contexts returns the accepted presentation contexts keyed by ID.
func (a *Association) Contexts() map[byte]AcceptedContext { return a.contexts }

// ContextFor finds an accepted presentation context for the abstract syntax.
func (a *Association) ContextFor(abstractSyntax string) (AcceptedContext, error) {
	for _, c := range a.contexts {
		if c.AbstractSyntax == abstractSyntax {
			return c, nil
		}
	}
	return AcceptedContext{}, dicomerr.ErrNoPresentationCtx
}

// WritePDU encodes and writes one PDU. Implements dimse.PDUWriter.
func (a *Association) WritePDU(p pdu.PDU) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if _, err := a.conn.Write(p.Encode()); err != nil {
		return dicomerr.NewNetworkError("write PDU", err)
	}
	return nil
}

// Dispatcher exposes the DIMSE dispatcher for service code.
func (a *Association) Dispatcher() *dimse.Dispatcher { return a.dispatcher }

// Done is closed when the association has fully shut down.
func (a *Association) Done() <-chan struct{} { return a.done }

// Err returns the error the association shut down with, nil while running.
func (a *Association) Err() error {
	select {
	case <-a.done:
		return a.closeErr
	default:
		return nil
	}
}

// readLoop is the single reader of the connection. Every PDU resets the idle
// deadline; an association idle past the timeout is aborted.
func (a *Association) readLoop() {
	for {
		if a.idleTimeout > 0 {
			a.conn.SetReadDeadline(time.Now().Add(a.idleTimeout))
		}
		raw, err := pdu.ReadRaw(a.conn, a.maxReceive)
		if err != nil {
			a.handleReadError(err)
			return
		}
		if !a.handlePDU(raw) {
			return
		}
	}
}

func (a *Association) handleReadError(err error) {
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		a.log.Warn("Association idle timeout, aborting")
		a.sendAbort(pdu.AbortReasonNotSpecified)
		a.shutdown(dicomerr.NewTimeoutError("association idle", a.idleTimeout.String()))
		return
	}
	state := a.State()
	if state == StateClosed || state == StateReleasing {
		// Peer closed the transport after release completed.
		a.shutdown(dicomerr.ErrAssociationClosed)
		return
	}
	var malformed *dicomerr.MalformedPDUError
	if errors.As(err, &malformed) {
		a.log.WithError(err).Error("Malformed PDU, aborting association")
		a.sendAbort(pdu.AbortReasonUnrecognizedPDU)
		a.shutdown(err)
		return
	}
	a.shutdown(dicomerr.NewNetworkError("read PDU", err))
}

// handlePDU processes one inbound PDU. It returns false when the read loop
// should stop.
func (a *Association) handlePDU(raw *pdu.Raw) bool {
	switch raw.PDUType {
	case pdu.TypePDataTF:
		return a.handlePData(raw)

	case pdu.TypeReleaseRQ:
		// Peer-initiated release: confirm and wind down.
		if a.apply(EventReleaseRQReceived) != nil {
			return a.violation(raw.PDUType)
		}
		if err := a.WritePDU(&pdu.ReleaseRP{}); err != nil {
			a.shutdown(err)
			return false
		}
		a.apply(EventReleaseRPSent)
		a.shutdown(dicomerr.ErrAssociationClosed)
		return false

	case pdu.TypeReleaseRP:
		if a.apply(EventReleaseRPReceived) != nil {
			return a.violation(raw.PDUType)
		}
		close(a.released)
		a.shutdown(dicomerr.ErrAssociationClosed)
		return false

	case pdu.TypeAbort:
		abort, err := pdu.DecodeAbort(raw.Data)
		if err != nil {
			a.shutdown(err)
			return false
		}
		a.setState(StateAborted)
		a.shutdown(dicomerr.NewAbortError(abort.Source, abort.Reason))
		return false

	default:
		// Association PDUs after establishment are protocol violations.
		return a.violation(raw.PDUType)
	}
}

func (a *Association) handlePData(raw *pdu.Raw) bool {
	if a.State() != StateEstablished {
		return a.violation(raw.PDUType)
	}
	pd, err := pdu.DecodePDataTF(raw.Data)
	if err != nil {
		a.log.WithError(err).Error("Malformed P-DATA-TF, aborting association")
		a.sendAbort(pdu.AbortReasonInvalidPDUParvalue)
		a.shutdown(err)
		return false
	}
	for _, p := range pd.PDVs {
		completed, err := a.assembler.Add(p)
		if err != nil {
			a.log.WithError(err).Error("DIMSE reassembly failed, aborting association")
			a.sendAbort(pdu.AbortReasonInvalidPDUParvalue)
			a.shutdown(err)
			return false
		}
		if completed != nil {
			a.dispatcher.HandleMessage(completed)
		}
	}
	return true
}

func (a *Association) violation(pduType byte) bool {
	err := dicomerr.NewProtocolViolation(a.State().String(), pduType)
	a.log.WithError(err).Error("Unexpected PDU, aborting association")
	a.sendAbort(pdu.AbortReasonUnexpectedPDU)
	a.setState(StateAborted)
	a.shutdown(err)
	return false
}

func (a *Association) sendAbort(reason byte) {
	a.WritePDU(&pdu.Abort{Source: pdu.AbortSourceServiceProvider, Reason: reason})
}

// defaultHandler answers unsolicited requests. N-EVENT-REPORT notifications
// (printer status events) are acknowledged and logged; anything else is
// refused as unrecognized.
func (a *Association) defaultHandler(contextID byte, msg *types.Message, data []byte) {
	a.log.WithFields(logrus.Fields{
		"command":   types.CommandName(msg.CommandField),
		"contextID": contextID,
	}).Info("Unsolicited DIMSE request")

	status := uint16(types.StatusUnrecognizedOperation)
	if msg.CommandField == types.NEventReportRQ {
		status = types.StatusSuccess
	}
	resp := &types.Message{
		CommandField:              types.ResponseCommandFor(msg.CommandField),
		MessageIDBeingRespondedTo: msg.MessageID,
		AffectedSOPClassUID:       msg.AffectedSOPClassUID,
		AffectedSOPInstanceUID:    msg.AffectedSOPInstanceUID,
		Status:                    status,
		CommandDataSetType:        types.DataSetNull,
	}
	if err := a.dispatcher.Reply(contextID, resp, nil); err != nil {
		a.log.WithError(err).Warn("Failed to answer unsolicited request")
	}
}

// Release performs a graceful release: no new operations are accepted, the
// peer confirms with A-RELEASE-RP, then the transport closes.
func (a *Association) Release(ctx context.Context) error {
	if a.apply(EventReleaseRQSent) != nil {
		return dicomerr.ErrAssociationClosed
	}

	if err := a.WritePDU(&pdu.ReleaseRQ{}); err != nil {
		a.shutdown(err)
		return err
	}

	select {
	case <-a.released:
		return nil
	case <-a.done:
		// Read loop ended first; release still counts if we got to Closed.
		if a.State() == StateClosed {
			return nil
		}
		return a.closeErr
	case <-ctx.Done():
		a.Abort()
		return dicomerr.ErrOperationCanceled
	}
}

// Abort sends A-ABORT and tears the association down immediately.
func (a *Association) Abort() {
	a.WritePDU(&pdu.Abort{Source: pdu.AbortSourceServiceUser, Reason: pdu.AbortReasonNotSpecified})
	a.setState(StateAborted)
	a.shutdown(dicomerr.NewAbortError(pdu.AbortSourceServiceUser, pdu.AbortReasonNotSpecified))
}

// Close tears the association down without protocol niceties.
func (a *Association) Close() error {
	a.shutdown(dicomerr.ErrAssociationClosed)
	return nil
}

func (a *Association) shutdown(err error) {
	a.closeOnce.Do(func() {
		a.closeErr = err
		a.dispatcher.Close(err)
		a.conn.Close()
		close(a.done)
	})
}
