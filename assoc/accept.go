package assoc

import (
	"net"
	"time"

	"github.com/sirupsen/logrus"

	dicomerr "github.com/dicomtools/printnet/errors"
	"github.com/dicomtools/printnet/pdu"
)

// AcceptConfig describes the acceptor side of association negotiation.
type AcceptConfig struct {
	AETitle string

	// Capabilities are the abstract syntaxes this node serves, with
	// transfer syntaxes in our preference order.
	Capabilities []pdu.Capability

	// RequireCalledAE rejects requestors that address a different AE title.
	RequireCalledAE bool

	MaxPDULength     uint32
	MaxReceiveLength uint32
	MaxMessageSize   int

	NegotiationTimeout time.Duration
	ResponseTimeout    time.Duration
	IdleTimeout        time.Duration

	Handler HandlerFactory

	Logger *logrus.Entry
}

func (c *AcceptConfig) withDefaults() AcceptConfig {
	out := *c
	if out.MaxPDULength == 0 {
		out.MaxPDULength = pdu.DefaultMaxPDULength
	}
	if out.MaxReceiveLength == 0 {
		out.MaxReceiveLength = pdu.DefaultMaxReceiveLength
	}
	if out.NegotiationTimeout == 0 {
		out.NegotiationTimeout = 10 * time.Second
	}
	if out.ResponseTimeout == 0 {
		out.ResponseTimeout = 30 * time.Second
	}
	if out.IdleTimeout == 0 {
		out.IdleTimeout = 60 * time.Second
	}
	if out.Logger == nil {
		out.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return out
}

// Accept runs the acceptor side of association establishment on an incoming
// connection. It negotiates presentation contexts against the configured
// capabilities and rejects associations that yield none. The connection is
// closed when negotiation fails.
func Accept(conn net.Conn, cfg AcceptConfig) (*Association, error) {
	a, err := accept(conn, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return a, nil
}

func accept(conn net.Conn, cfg AcceptConfig) (*Association, error) {
	c := cfg.withDefaults()
	log := c.Logger.WithField("peer", conn.RemoteAddr().String())

	conn.SetReadDeadline(time.Now().Add(c.NegotiationTimeout))
	raw, err := pdu.ReadRaw(conn, c.MaxReceiveLength)
	if err != nil {
		return nil, dicomerr.NewNetworkError("read A-ASSOCIATE-RQ", err)
	}
	conn.SetReadDeadline(time.Time{})

	if raw.PDUType != pdu.TypeAssociateRQ {
		conn.Write((&pdu.Abort{
			Source: pdu.AbortSourceServiceProvider,
			Reason: pdu.AbortReasonUnexpectedPDU,
		}).Encode())
		return nil, dicomerr.NewProtocolViolation(StateIdle.String(), raw.PDUType)
	}

	rq, err := pdu.DecodeAssociateRQ(raw.Data)
	if err != nil {
		conn.Write((&pdu.Abort{
			Source: pdu.AbortSourceServiceProvider,
			Reason: pdu.AbortReasonUnrecognizedPDU,
		}).Encode())
		return nil, err
	}
	log = log.WithField("callingAE", rq.CallingAETitle)

	if c.RequireCalledAE && rq.CalledAETitle != c.AETitle {
		log.WithField("calledAE", rq.CalledAETitle).Warn("Rejecting association for unknown AE title")
		return nil, reject(conn, 1, dicomerr.RejectSourceServiceUser,
			dicomerr.RejectReasonCalledAETitleNotRecognized)
	}

	results := pdu.Negotiate(rq.Contexts, c.Capabilities)
	if pdu.AcceptedCount(results) == 0 {
		log.Warn("Rejecting association: no acceptable presentation context")
		return nil, reject(conn, 1, dicomerr.RejectSourceServiceUser,
			dicomerr.RejectReasonNoReasonGiven)
	}

	ac := &pdu.AssociateAC{
		ProtocolVersion:           1,
		CalledAETitle:             rq.CalledAETitle,
		CallingAETitle:            rq.CallingAETitle,
		Results:                   results,
		MaxPDULength:              c.MaxPDULength,
		ImplementationClassUID:    ImplementationClassUID,
		ImplementationVersionName: ImplementationVersionName,
	}
	if _, err := conn.Write(ac.Encode()); err != nil {
		return nil, dicomerr.NewNetworkError("send A-ASSOCIATE-AC", err)
	}

	proposed := make(map[byte]pdu.ProposedContext, len(rq.Contexts))
	for _, p := range rq.Contexts {
		proposed[p.ID] = p
	}
	contexts := make(map[byte]AcceptedContext)
	for _, result := range results {
		if result.Result != pdu.ResultAcceptance {
			continue
		}
		contexts[result.ID] = AcceptedContext{
			ID:             result.ID,
			AbstractSyntax: proposed[result.ID].AbstractSyntax,
			TransferSyntax: result.TransferSyntax,
		}
	}

	peerMaxPDU := rq.MaxPDULength
	if peerMaxPDU == 0 {
		peerMaxPDU = pdu.DefaultMaxPDULength
	}

	log.WithFields(logrus.Fields{
		"contexts":   len(contexts),
		"peerMaxPDU": peerMaxPDU,
	}).Info("Association accepted")

	return newAssociation(conn, runtimeConfig{
		log:             log,
		callingAE:       rq.CallingAETitle,
		calledAE:        rq.CalledAETitle,
		requestor:       false,
		contexts:        contexts,
		sendMaxPDU:      min(c.MaxPDULength, peerMaxPDU),
		maxReceive:      c.MaxReceiveLength,
		maxMessage:      c.MaxMessageSize,
		idleTimeout:     c.IdleTimeout,
		responseTimeout: c.ResponseTimeout,
		handler:         c.Handler,
	}), nil
}

// reject sends A-ASSOCIATE-RJ and reports the rejection as an error.
func reject(conn net.Conn, result byte, source dicomerr.RejectSource, reason dicomerr.RejectReason) error {
	rj := &pdu.AssociateRJ{Result: result, Source: byte(source), Reason: byte(reason)}
	conn.Write(rj.Encode())
	return dicomerr.NewNegotiationError(result, source, reason, "association rejected locally")
}
