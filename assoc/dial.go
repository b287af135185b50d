package assoc

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	dicomerr "github.com/dicomtools/printnet/errors"
	"github.com/dicomtools/printnet/pdu"
)

// TLS verification modes.
const (
	TLSModeStrict     = "strict"     // Verify chain and host name, require client cert
	TLSModeStandard   = "standard"   // Verify chain and host name
	TLSModePermissive = "permissive" // Encrypt without verification
)

// TLSConfig selects transport security for an association.
type TLSConfig struct {
	Mode       string
	CertFile   string
	KeyFile    string
	CAFile     string
	ServerName string
}

// Build turns the file-based configuration into a tls.Config.
func (c *TLSConfig) Build() (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: c.ServerName,
	}
	switch c.Mode {
	case TLSModeStrict, TLSModeStandard, "":
	case TLSModePermissive:
		cfg.InsecureSkipVerify = true
	default:
		return nil, fmt.Errorf("unknown TLS mode %q", c.Mode)
	}
	if c.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading TLS key pair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	if c.CAFile != "" {
		pem, err := os.ReadFile(c.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", c.CAFile)
		}
		cfg.RootCAs = pool
		cfg.ClientCAs = pool
	}
	if c.Mode == TLSModeStrict {
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return cfg, nil
}

// DialConfig describes an outgoing association request.
type DialConfig struct {
	Addr           string
	CallingAETitle string
	CalledAETitle  string

	// Contexts are the presentation contexts to propose. Transfer syntax
	// order states our preference.
	Contexts []pdu.ProposedContext

	// MaxPDULength is announced to the peer as our receive limit. Zero
	// means pdu.DefaultMaxPDULength.
	MaxPDULength uint32
	// MaxReceiveLength bounds any single inbound PDU. Zero means
	// pdu.DefaultMaxReceiveLength.
	MaxReceiveLength uint32
	// MaxMessageSize bounds one reassembled DIMSE message. Zero means
	// dimse.DefaultMaxMessageSize.
	MaxMessageSize int

	ConnectTimeout  time.Duration
	ResponseTimeout time.Duration
	IdleTimeout     time.Duration

	TLS *TLSConfig

	// Handler receives unsolicited inbound requests such as printer
	// N-EVENT-REPORT notifications. Optional.
	Handler HandlerFactory

	Logger *logrus.Entry
}

func (c *DialConfig) withDefaults() DialConfig {
	out := *c
	if out.MaxPDULength == 0 {
		out.MaxPDULength = pdu.DefaultMaxPDULength
	}
	if out.MaxReceiveLength == 0 {
		out.MaxReceiveLength = pdu.DefaultMaxReceiveLength
	}
	if out.ConnectTimeout == 0 {
		out.ConnectTimeout = 10 * time.Second
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

// Dial connects to addr and negotiates an association. On success the
// returned association is established and ready for DIMSE calls.
func Dial(ctx context.Context, cfg DialConfig) (*Association, error) {
	c := cfg.withDefaults()

	dialer := &net.Dialer{Timeout: c.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.Addr)
	if err != nil {
		return nil, dicomerr.NewNetworkError("dial", err)
	}
	if c.TLS != nil {
		tlsCfg, err := c.TLS.Build()
		if err != nil {
			conn.Close()
			return nil, err
		}
		if tlsCfg.ServerName == "" {
			host, _, _ := net.SplitHostPort(c.Addr)
			tlsCfg.ServerName = host
		}
		tlsConn := tls.Client(conn, tlsCfg)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, dicomerr.NewNetworkError("TLS handshake", err)
		}
		conn = tlsConn
	}

	a, err := Negotiate(ctx, conn, c)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return a, nil
}

// Negotiate runs the requestor side of association establishment on an
// already-connected transport. Split from Dial so tests can drive it over
// net.Pipe.
func Negotiate(ctx context.Context, conn net.Conn, cfg DialConfig) (*Association, error) {
	c := cfg.withDefaults()
	log := c.Logger.WithFields(logrus.Fields{
		"calledAE": c.CalledAETitle,
		"peer":     conn.RemoteAddr().String(),
	})

	rq := &pdu.AssociateRQ{
		ProtocolVersion:           1,
		CalledAETitle:             c.CalledAETitle,
		CallingAETitle:            c.CallingAETitle,
		Contexts:                  c.Contexts,
		MaxPDULength:              c.MaxPDULength,
		ImplementationClassUID:    ImplementationClassUID,
		ImplementationVersionName: ImplementationVersionName,
	}
	if _, err := conn.Write(rq.Encode()); err != nil {
		return nil, dicomerr.NewNetworkError("send A-ASSOCIATE-RQ", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
	} else {
		conn.SetReadDeadline(time.Now().Add(c.ConnectTimeout))
	}
	raw, err := pdu.ReadRaw(conn, c.MaxReceiveLength)
	if err != nil {
		return nil, dicomerr.NewNetworkError("read associate response", err)
	}
	conn.SetReadDeadline(time.Time{})

	switch raw.PDUType {
	case pdu.TypeAssociateAC:
		ac, err := pdu.DecodeAssociateAC(raw.Data)
		if err != nil {
			return nil, err
		}
		return establishRequestor(conn, c, rq, ac, log)

	case pdu.TypeAssociateRJ:
		rj, err := pdu.DecodeAssociateRJ(raw.Data)
		if err != nil {
			return nil, err
		}
		log.WithFields(logrus.Fields{
			"result": rj.Result,
			"source": rj.Source,
			"reason": rj.Reason,
		}).Warn("Association rejected")
		return nil, dicomerr.NewNegotiationError(rj.Result,
			dicomerr.RejectSource(rj.Source), dicomerr.RejectReason(rj.Reason),
			"peer rejected association")

	case pdu.TypeAbort:
		abort, err := pdu.DecodeAbort(raw.Data)
		if err != nil {
			return nil, err
		}
		return nil, dicomerr.NewAbortError(abort.Source, abort.Reason)

	default:
		return nil, dicomerr.NewProtocolViolation(StateAwaitingResponse.String(), raw.PDUType)
	}
}

func establishRequestor(conn net.Conn, c DialConfig, rq *pdu.AssociateRQ, ac *pdu.AssociateAC, log *logrus.Entry) (*Association, error) {
	proposed := make(map[byte]pdu.ProposedContext, len(rq.Contexts))
	for _, p := range rq.Contexts {
		proposed[p.ID] = p
	}

	contexts := make(map[byte]AcceptedContext)
	for _, result := range ac.Results {
		if result.Result != pdu.ResultAcceptance {
			continue
		}
		p, ok := proposed[result.ID]
		if !ok {
			return nil, dicomerr.NewMalformedPDU(pdu.TypeAssociateAC,
				"acceptance for unproposed context %d", result.ID)
		}
		contexts[result.ID] = AcceptedContext{
			ID:             result.ID,
			AbstractSyntax: p.AbstractSyntax,
			TransferSyntax: result.TransferSyntax,
		}
	}
	if len(contexts) == 0 {
		conn.Write((&pdu.Abort{Source: pdu.AbortSourceServiceUser}).Encode())
		return nil, dicomerr.NewNegotiationError(1,
			dicomerr.RejectSourceServiceUser, dicomerr.RejectReasonNoReasonGiven,
			"no presentation context accepted")
	}

	peerMaxPDU := ac.MaxPDULength
	if peerMaxPDU == 0 {
		peerMaxPDU = pdu.DefaultMaxPDULength
	}

	log.WithFields(logrus.Fields{
		"contexts":   len(contexts),
		"peerMaxPDU": peerMaxPDU,
	}).Info("Association established")

	return newAssociation(conn, runtimeConfig{
		log:             log,
		callingAE:       c.CallingAETitle,
		calledAE:        c.CalledAETitle,
		requestor:       true,
		contexts:        contexts,
		sendMaxPDU:      min(c.MaxPDULength, peerMaxPDU),
		maxReceive:      c.MaxReceiveLength,
		maxMessage:      c.MaxMessageSize,
		idleTimeout:     c.IdleTimeout,
		responseTimeout: c.ResponseTimeout,
		handler:         c.Handler,
	}), nil
}
