package dimse

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	dicomerr "github.com/dicomtools/printnet/errors"
	"github.com/dicomtools/printnet/pdu"
	"github.com/dicomtools/printnet/types"
)

// PDUWriter writes one PDU to the peer. Implementations serialize concurrent
// writers so a PDU is never interleaved with another.
type PDUWriter interface {
	WritePDU(p pdu.PDU) error
}

// RequestHandler receives inbound DIMSE requests (messages whose command
// field is not a response).
type RequestHandler func(contextID byte, msg *types.Message, data []byte)

// responseBuffer bounds how many undelivered responses a single exchange may
// accumulate before the dispatcher starts dropping them.
const responseBuffer = 64

type callKey struct {
	contextID byte
	messageID uint16
}

type call struct {
	operation string
	responses chan *Completed
}

type waiter struct {
	ch       chan struct{}
	canceled bool
}

// Dispatcher correlates DIMSE requests with their responses. One request may
// be outstanding per presentation context at a time; further requests on the
// same context queue until the context frees. Requests on distinct contexts
// proceed concurrently.
type Dispatcher struct {
	writer  PDUWriter
	maxPDU  uint32
	timeout time.Duration
	handler RequestHandler
	log     *logrus.Entry

	mu        sync.Mutex
	nextID    uint16
	pending   map[callKey]*call
	abandoned map[callKey]bool
	busy      map[byte]bool
	waiting   map[byte][]*waiter
	closed    bool
	closeErr  error
}

// NewDispatcher creates a dispatcher writing fragments through writer.
// maxPDU is the peer's negotiated maximum PDU length. timeout is the default
// per-response deadline; a context deadline on the call takes precedence.
func NewDispatcher(writer PDUWriter, maxPDU uint32, timeout time.Duration, log *logrus.Entry) *Dispatcher {
	return &Dispatcher{
		writer:    writer,
		maxPDU:    maxPDU,
		timeout:   timeout,
		log:       log,
		pending:   make(map[callKey]*call),
		abandoned: make(map[callKey]bool),
		busy:      make(map[byte]bool),
		waiting:   make(map[byte][]*waiter),
	}
}

// SetHandler installs the handler for inbound requests. Must be called
// before the association read loop starts.
func (d *Dispatcher) SetHandler(h RequestHandler) {
	d.handler = h
}

// NextMessageID returns a fresh message ID, never zero.
func (d *Dispatcher) NextMessageID() uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	if d.nextID == 0 {
		d.nextID = 1
	}
	return d.nextID
}

// acquire blocks until the presentation context is free for a new request.
func (d *Dispatcher) acquire(ctx context.Context, contextID byte) error {
	d.mu.Lock()
	if d.closed {
		err := d.closeErr
		d.mu.Unlock()
		return err
	}
	if !d.busy[contextID] {
		d.busy[contextID] = true
		d.mu.Unlock()
		return nil
	}
	w := &waiter{ch: make(chan struct{})}
	d.waiting[contextID] = append(d.waiting[contextID], w)
	d.mu.Unlock()

	select {
	case <-w.ch:
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.closed {
			return d.closeErr
		}
		return nil
	case <-ctx.Done():
		d.mu.Lock()
		w.canceled = true
		select {
		case <-w.ch:
			// Ownership was handed over before the cancel registered.
			// Pass it on so the context does not strand.
			if !d.closed {
				d.releaseContext(contextID)
			}
		default:
		}
		d.mu.Unlock()
		return dicomerr.ErrOperationCanceled
	}
}

// releaseContext frees a context and hands it to the next queued waiter.
// Caller must hold d.mu.
func (d *Dispatcher) releaseContext(contextID byte) {
	queue := d.waiting[contextID]
	for len(queue) > 0 {
		w := queue[0]
		queue = queue[1:]
		if !w.canceled {
			d.waiting[contextID] = queue
			close(w.ch) // Context stays busy, ownership transfers
			return
		}
	}
	d.waiting[contextID] = nil
	delete(d.busy, contextID)
}

// send encodes and writes one message as a sequence of P-DATA-TF PDUs.
func (d *Dispatcher) send(contextID byte, msg *types.Message, data []byte) error {
	command, err := EncodeCommand(msg)
	if err != nil {
		return err
	}
	pdus, err := Fragment(contextID, command, data, d.maxPDU)
	if err != nil {
		return err
	}
	for _, p := range pdus {
		if err := d.writer.WritePDU(p); err != nil {
			return dicomerr.NewNetworkError("send DIMSE message", err)
		}
	}
	return nil
}

// Exchange sends a request and returns a Stream of its responses. The
// context's deadline applies to each response individually. The caller must
// drain the stream to a terminal response or cancel it.
func (d *Dispatcher) Exchange(ctx context.Context, contextID byte, msg *types.Message, data []byte) (*Stream, error) {
	if err := d.acquire(ctx, contextID); err != nil {
		return nil, err
	}

	if msg.MessageID == 0 {
		msg.MessageID = d.NextMessageID()
	}
	if msg.CommandDataSetType == 0 {
		if len(data) > 0 {
			msg.CommandDataSetType = types.DataSetPresent
		} else {
			msg.CommandDataSetType = types.DataSetNull
		}
	}

	c := &call{
		operation: types.CommandName(msg.CommandField),
		responses: make(chan *Completed, responseBuffer),
	}
	key := callKey{contextID: contextID, messageID: msg.MessageID}

	d.mu.Lock()
	if d.closed {
		err := d.closeErr
		d.releaseContext(contextID)
		d.mu.Unlock()
		return nil, err
	}
	d.pending[key] = c
	d.mu.Unlock()

	if err := d.send(contextID, msg, data); err != nil {
		d.mu.Lock()
		delete(d.pending, key)
		d.releaseContext(contextID)
		d.mu.Unlock()
		return nil, err
	}

	return &Stream{
		d:         d,
		contextID: contextID,
		messageID: msg.MessageID,
		call:      c,
	}, nil
}

// Call sends a request expecting exactly one response and returns it.
func (d *Dispatcher) Call(ctx context.Context, contextID byte, msg *types.Message, data []byte) (*Completed, error) {
	stream, err := d.Exchange(ctx, contextID, msg, data)
	if err != nil {
		return nil, err
	}
	return stream.Next(ctx)
}

// Reply sends a response message. Responses are not correlated locally and
// do not occupy the context.
func (d *Dispatcher) Reply(contextID byte, msg *types.Message, data []byte) error {
	d.mu.Lock()
	if d.closed {
		err := d.closeErr
		d.mu.Unlock()
		return err
	}
	d.mu.Unlock()
	return d.send(contextID, msg, data)
}

// HandleMessage routes one reassembled inbound message: responses are
// matched to their outstanding request, requests go to the handler.
func (d *Dispatcher) HandleMessage(c *Completed) {
	if !c.Command.IsResponse() {
		if c.Command.CommandField == types.CCancelRQ {
			d.handleCancel(c)
			return
		}
		if d.handler != nil {
			d.handler(c.ContextID, c.Command, c.Data)
			return
		}
		d.log.WithFields(logrus.Fields{
			"command":   types.CommandName(c.Command.CommandField),
			"contextID": c.ContextID,
		}).Warn("No handler for inbound request, dropping")
		return
	}

	key := callKey{contextID: c.ContextID, messageID: c.Command.MessageIDBeingRespondedTo}

	d.mu.Lock()
	if pending, ok := d.pending[key]; ok {
		if !c.Command.IsPending() {
			delete(d.pending, key)
			d.releaseContext(c.ContextID)
		}
		// Deliver while holding the lock so Close cannot close the
		// channel between the lookup and the send.
		select {
		case pending.responses <- c:
			d.mu.Unlock()
		default:
			d.mu.Unlock()
			d.log.WithFields(logrus.Fields{
				"command":   types.CommandName(c.Command.CommandField),
				"messageID": c.Command.MessageIDBeingRespondedTo,
			}).Warn("Response buffer full, dropping response")
		}
		return
	}
	if d.abandoned[key] {
		// The caller timed out or canceled. The terminal response is
		// what frees the context for queued callers.
		terminal := !c.Command.IsPending()
		if terminal {
			delete(d.abandoned, key)
			d.releaseContext(c.ContextID)
		}
		d.mu.Unlock()
		d.log.WithFields(logrus.Fields{
			"command":   types.CommandName(c.Command.CommandField),
			"messageID": c.Command.MessageIDBeingRespondedTo,
			"contextID": c.ContextID,
			"terminal":  terminal,
		}).Debug("Late response to abandoned request")
		return
	}
	d.mu.Unlock()

	d.log.WithFields(logrus.Fields{
		"command":   types.CommandName(c.Command.CommandField),
		"messageID": c.Command.MessageIDBeingRespondedTo,
		"contextID": c.ContextID,
	}).Warn("Uncorrelated response, dropping")
}

// handleCancel forwards a C-CANCEL to the request handler if one is set.
// C-CANCEL carries no response of its own.
func (d *Dispatcher) handleCancel(c *Completed) {
	if d.handler != nil {
		d.handler(c.ContextID, c.Command, c.Data)
		return
	}
	d.log.WithField("messageID", c.Command.MessageIDBeingRespondedTo).
		Debug("C-CANCEL with no handler, ignoring")
}

// Close fails every outstanding and queued call with err and rejects future
// calls. Called when the association ends.
func (d *Dispatcher) Close(err error) {
	if err == nil {
		err = dicomerr.ErrAssociationClosed
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	d.closeErr = err

	for key, c := range d.pending {
		close(c.responses)
		delete(d.pending, key)
	}
	for key := range d.abandoned {
		delete(d.abandoned, key)
	}
	for contextID, queue := range d.waiting {
		for _, w := range queue {
			if !w.canceled {
				close(w.ch)
			}
		}
		d.waiting[contextID] = nil
	}
}

// Stream delivers the responses of one outstanding request in arrival order.
type Stream struct {
	d         *Dispatcher
	contextID byte
	messageID uint16
	call      *call
	done      bool
}

// MessageID returns the message ID of the request behind this stream.
func (s *Stream) MessageID() uint16 { return s.messageID }

// Next blocks for the next response. It returns a TimeoutError when the
// per-response deadline passes, and frees the correlation slot so a late
// response is dropped rather than misdelivered.
func (s *Stream) Next(ctx context.Context) (*Completed, error) {
	if s.done {
		return nil, dicomerr.ErrAssociationClosed
	}

	timeout := s.d.timeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp, ok := <-s.call.responses:
		if !ok {
			s.done = true
			s.d.mu.Lock()
			err := s.d.closeErr
			s.d.mu.Unlock()
			if err == nil {
				err = dicomerr.ErrAssociationClosed
			}
			return nil, err
		}
		if !resp.Command.IsPending() {
			s.done = true
		}
		return resp, nil
	case <-timer.C:
		s.abandon()
		return nil, dicomerr.NewTimeoutError(s.call.operation, timeout.String())
	case <-ctx.Done():
		s.abandon()
		return nil, dicomerr.ErrOperationCanceled
	}
}

// Cancel issues a C-CANCEL for the request and abandons the stream. Used
// when a caller walks away from a multi-response operation early.
func (s *Stream) Cancel() error {
	if s.done {
		return nil
	}
	cancel := &types.Message{
		CommandField:              types.CCancelRQ,
		MessageIDBeingRespondedTo: s.messageID,
		CommandDataSetType:        types.DataSetNull,
	}
	err := s.d.send(s.contextID, cancel, nil)
	s.abandon()
	return err
}

// abandon releases the correlation slot without freeing the context: the
// peer may still be mid-response, so the context stays blocked until the
// late terminal response arrives and frees it, or the association ends.
func (s *Stream) abandon() {
	s.done = true
	key := callKey{contextID: s.contextID, messageID: s.messageID}
	s.d.mu.Lock()
	if _, ok := s.d.pending[key]; ok {
		delete(s.d.pending, key)
		if !s.d.closed {
			s.d.abandoned[key] = true
		}
	}
	s.d.mu.Unlock()
}
