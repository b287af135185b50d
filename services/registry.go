// Package services implements the SCP side: a registry that routes inbound
// DIMSE requests by presentation context, a verification service, and an
// in-memory print management service.
package services

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/dicomtools/printnet/assoc"
	"github.com/dicomtools/printnet/dimse"
	"github.com/dicomtools/printnet/pdu"
	"github.com/dicomtools/printnet/types"
)

// Handler processes one inbound DIMSE request on an established
// association. pc is the presentation context the request arrived on, so
// the handler can encode its response dataset under the negotiated
// transfer syntax.
type Handler interface {
	Handle(ctx context.Context, pc assoc.AcceptedContext, msg *types.Message, data []byte) (*types.Message, []byte, error)
}

// Service creates one handler per association. Stateless services may
// return a shared instance; stateful ones allocate per association.
type Service interface {
	// AbstractSyntaxes lists the presentation context abstract syntaxes
	// the service answers on.
	AbstractSyntaxes() []string
	NewHandler(log *logrus.Entry) Handler
}

// Registry holds the configured services and adapts them to the
// association runtime. Routing is by the abstract syntax of the
// presentation context a request arrives on, which keeps meta SOP class
// traffic together regardless of the SOP class named in the command.
type Registry struct {
	services map[string]Service
	log      *logrus.Entry
}

// NewRegistry creates an empty registry.
func NewRegistry(log *logrus.Entry) *Registry {
	return &Registry{
		services: make(map[string]Service),
		log:      log,
	}
}

// Register adds a service under every abstract syntax it declares. A later
// registration for the same abstract syntax replaces the earlier one.
func (r *Registry) Register(svc Service) {
	for _, as := range svc.AbstractSyntaxes() {
		r.services[as] = svc
	}
}

// AbstractSyntaxes lists every abstract syntax with a registered service.
func (r *Registry) AbstractSyntaxes() []string {
	out := make([]string, 0, len(r.services))
	for as := range r.services {
		out = append(out, as)
	}
	return out
}

// Capabilities builds the acceptor's presentation context capabilities from
// the registered services. Every service is offered with both little endian
// transfer syntaxes.
func (r *Registry) Capabilities() []pdu.Capability {
	capabilities := make([]pdu.Capability, 0, len(r.services))
	for _, as := range r.AbstractSyntaxes() {
		capabilities = append(capabilities, pdu.Capability{
			AbstractSyntax: as,
			TransferSyntaxes: []string{
				types.ImplicitVRLittleEndian,
				types.ExplicitVRLittleEndian,
			},
		})
	}
	return capabilities
}

// HandlerFactory wires the registry into an acceptor. Each association
// gets its own handler instances so stateful services keep per-association
// state.
func (r *Registry) HandlerFactory() assoc.HandlerFactory {
	return func(a *assoc.Association) dimse.RequestHandler {
		session := &associationSession{
			assoc:    a,
			registry: r,
			handlers: make(map[Service]Handler),
			log: r.log.WithFields(logrus.Fields{
				"callingAE": a.CallingAETitle(),
			}),
		}
		return session.handle
	}
}

// associationSession routes one association's requests. Handlers are cached
// per service so a service answering on several abstract syntaxes keeps a
// single state.
type associationSession struct {
	assoc    *assoc.Association
	registry *Registry
	handlers map[Service]Handler
	log      *logrus.Entry
}

// handle runs on the association's read loop. Handlers are expected to be
// fast; anything that blocks holds up the whole association.
func (s *associationSession) handle(contextID byte, msg *types.Message, data []byte) {
	pc, ok := s.assoc.Contexts()[contextID]
	if !ok {
		s.log.WithField("contextID", contextID).Warn("Request on unknown presentation context")
		s.reply(contextID, errorResponse(msg, types.StatusSOPClassNotSupported), nil)
		return
	}
	svc, ok := s.registry.services[pc.AbstractSyntax]
	if !ok {
		s.log.WithFields(logrus.Fields{
			"abstractSyntax": pc.AbstractSyntax,
			"command":        types.CommandName(msg.CommandField),
		}).Warn("No service for presentation context")
		s.reply(contextID, errorResponse(msg, types.StatusSOPClassNotSupported), nil)
		return
	}

	handler, ok := s.handlers[svc]
	if !ok {
		handler = svc.NewHandler(s.log)
		s.handlers[svc] = handler
	}

	resp, respData, err := handler.Handle(context.Background(), pc, msg, data)
	if err != nil {
		s.log.WithError(err).WithField("command", types.CommandName(msg.CommandField)).
			Error("Service handler failed")
		s.reply(contextID, errorResponse(msg, types.StatusProcessingFailure), nil)
		return
	}
	if resp == nil {
		return
	}
	s.reply(contextID, resp, respData)
}

func (s *associationSession) reply(contextID byte, msg *types.Message, data []byte) {
	if err := s.assoc.Dispatcher().Reply(contextID, msg, data); err != nil {
		s.log.WithError(err).Warn("Failed to send DIMSE response")
	}
}

// errorResponse builds a datasetless failure response mirroring the
// request's identifiers.
func errorResponse(req *types.Message, status uint16) *types.Message {
	return &types.Message{
		CommandField:              types.ResponseCommandFor(req.CommandField),
		MessageIDBeingRespondedTo: req.MessageID,
		AffectedSOPClassUID:       req.AffectedSOPClassUID,
		CommandDataSetType:        types.DataSetNull,
		Status:                    status,
	}
}
