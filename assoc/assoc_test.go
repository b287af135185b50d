package assoc

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dicomtools/printnet/dimse"
	dicomerr "github.com/dicomtools/printnet/errors"
	"github.com/dicomtools/printnet/pdu"
	"github.com/dicomtools/printnet/types"
)

func testLogEntry() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logrus.NewEntry(logger)
}

// successHandler answers every inbound request with a success response.
func successHandler(a *Association) dimse.RequestHandler {
	return func(contextID byte, msg *types.Message, data []byte) {
		resp := &types.Message{
			CommandField:              types.ResponseCommandFor(msg.CommandField),
			MessageIDBeingRespondedTo: msg.MessageID,
			AffectedSOPClassUID:       msg.AffectedSOPClassUID,
			Status:                    types.StatusSuccess,
			CommandDataSetType:        types.DataSetNull,
		}
		a.Dispatcher().Reply(contextID, resp, nil)
	}
}

var testCapabilities = []pdu.Capability{
	{AbstractSyntax: types.VerificationSOPClass, TransferSyntaxes: []string{types.ImplicitVRLittleEndian}},
	{AbstractSyntax: types.BasicGrayscalePrintManagementMetaSOP, TransferSyntaxes: []string{types.ExplicitVRLittleEndian, types.ImplicitVRLittleEndian}},
}

var testContexts = []pdu.ProposedContext{
	{ID: 1, AbstractSyntax: types.VerificationSOPClass, TransferSyntaxes: []string{types.ImplicitVRLittleEndian}},
	{ID: 3, AbstractSyntax: types.BasicGrayscalePrintManagementMetaSOP, TransferSyntaxes: []string{types.ImplicitVRLittleEndian, types.ExplicitVRLittleEndian}},
}

// establishPair negotiates an association over net.Pipe and returns both
// ends.
func establishPair(t *testing.T, acceptCfg AcceptConfig, dialCfg DialConfig) (*Association, *Association) {
	t.Helper()
	clientConn, serverConn := net.Pipe()

	type acceptResult struct {
		a   *Association
		err error
	}
	acceptCh := make(chan acceptResult, 1)
	go func() {
		a, err := Accept(serverConn, acceptCfg)
		acceptCh <- acceptResult{a, err}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := Negotiate(ctx, clientConn, dialCfg)
	if err != nil {
		t.Fatalf("Negotiate failed: %v", err)
	}

	res := <-acceptCh
	if res.err != nil {
		t.Fatalf("Accept failed: %v", res.err)
	}
	t.Cleanup(func() {
		client.Close()
		res.a.Close()
	})
	return client, res.a
}

func defaultAcceptConfig() AcceptConfig {
	return AcceptConfig{
		AETitle:      "PRINTSCP",
		Capabilities: testCapabilities,
		Handler:      successHandler,
		Logger:       testLogEntry(),
	}
}

func defaultDialConfig() DialConfig {
	return DialConfig{
		CallingAETitle: "PRINTSCU",
		CalledAETitle:  "PRINTSCP",
		Contexts:       testContexts,
		Logger:         testLogEntry(),
	}
}

func TestAssociationEcho(t *testing.T) {
	client, _ := establishPair(t, defaultAcceptConfig(), defaultDialConfig())

	if client.State() != StateEstablished {
		t.Fatalf("state = %s, want Established", client.State())
	}
	pc, err := client.ContextFor(types.BasicGrayscalePrintManagementMetaSOP)
	if err != nil {
		t.Fatalf("ContextFor failed: %v", err)
	}
	// Proposer listed Implicit first, so Implicit wins despite the
	// acceptor preferring Explicit.
	if pc.TransferSyntax != types.ImplicitVRLittleEndian {
		t.Errorf("transfer syntax = %s, want Implicit VR", pc.TransferSyntax)
	}

	if err := client.Echo(context.Background()); err != nil {
		t.Fatalf("Echo failed: %v", err)
	}
}

func TestAssociationConcurrentCalls(t *testing.T) {
	client, _ := establishPair(t, defaultAcceptConfig(), defaultDialConfig())

	var wg sync.WaitGroup
	errs := make(chan error, 3)

	// Two echoes share the verification context and queue; the N-GET rides
	// the print context concurrently.
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- client.Echo(context.Background())
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		resp, err := client.NGet(context.Background(),
			types.BasicGrayscalePrintManagementMetaSOP,
			types.PrinterSOPClass, types.PrinterSOPInstance)
		if err == nil && resp.Command.Status != types.StatusSuccess {
			err = dicomerr.NewDIMSEStatusError("N-GET", resp.Command.Status, "unexpected status")
		}
		errs <- err
	}()

	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("concurrent call failed: %v", err)
		}
	}
}

func TestAssociationRelease(t *testing.T) {
	client, server := establishPair(t, defaultAcceptConfig(), defaultDialConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Release(ctx); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if client.State() != StateClosed {
		t.Errorf("client state = %s, want Closed", client.State())
	}

	select {
	case <-server.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("server association never shut down")
	}
	if !errors.Is(server.Err(), dicomerr.ErrAssociationClosed) {
		t.Errorf("server shutdown error = %v, want association closed", server.Err())
	}

	// Calls after release fail fast.
	if err := client.Echo(context.Background()); err == nil {
		t.Error("expected error calling on released association")
	}
}

func TestAssociationAbortPropagates(t *testing.T) {
	client, server := establishPair(t, defaultAcceptConfig(), defaultDialConfig())

	client.Abort()

	select {
	case <-server.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("server association never shut down")
	}
	var abort *dicomerr.AbortError
	if !errors.As(server.Err(), &abort) {
		t.Errorf("server shutdown error = %v, want AbortError", server.Err())
	}
}

func TestAcceptRejectsWithoutCommonContext(t *testing.T) {
	clientConn, serverConn := net.Pipe()

	cfg := defaultAcceptConfig()
	cfg.Capabilities = []pdu.Capability{
		{AbstractSyntax: types.PrintJobSOPClass, TransferSyntaxes: []string{types.ImplicitVRLittleEndian}},
	}
	acceptErr := make(chan error, 1)
	go func() {
		_, err := Accept(serverConn, cfg)
		acceptErr <- err
	}()

	dialCfg := defaultDialConfig()
	dialCfg.Contexts = []pdu.ProposedContext{
		{ID: 1, AbstractSyntax: types.VerificationSOPClass, TransferSyntaxes: []string{types.ImplicitVRLittleEndian}},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := Negotiate(ctx, clientConn, dialCfg)

	var negotiation *dicomerr.NegotiationError
	if !errors.As(err, &negotiation) {
		t.Fatalf("expected NegotiationError on requestor, got %v", err)
	}
	if !errors.As(<-acceptErr, &negotiation) {
		t.Fatal("expected NegotiationError on acceptor")
	}
}

func TestAcceptRejectsUnknownCalledAE(t *testing.T) {
	clientConn, serverConn := net.Pipe()

	cfg := defaultAcceptConfig()
	cfg.RequireCalledAE = true
	go func() {
		Accept(serverConn, cfg)
	}()

	dialCfg := defaultDialConfig()
	dialCfg.CalledAETitle = "NOSUCHAE"
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := Negotiate(ctx, clientConn, dialCfg)

	var negotiation *dicomerr.NegotiationError
	if !errors.As(err, &negotiation) {
		t.Fatalf("expected NegotiationError, got %v", err)
	}
	if negotiation.Reason != dicomerr.RejectReasonCalledAETitleNotRecognized {
		t.Errorf("reject reason = %s, want called-AE-title-not-recognized", negotiation.Reason)
	}
}

func TestAssociationIdleTimeoutAborts(t *testing.T) {
	acceptCfg := defaultAcceptConfig()
	acceptCfg.IdleTimeout = 50 * time.Millisecond
	_, server := establishPair(t, acceptCfg, defaultDialConfig())

	select {
	case <-server.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("idle association never aborted")
	}
	var timeout *dicomerr.TimeoutError
	if !errors.As(server.Err(), &timeout) {
		t.Errorf("shutdown error = %v, want TimeoutError", server.Err())
	}
}

func TestAcceptClosesConnectionOnRejection(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	cfg := defaultAcceptConfig()
	cfg.RequireCalledAE = true
	acceptErr := make(chan error, 1)
	go func() {
		_, err := Accept(serverConn, cfg)
		acceptErr <- err
	}()

	dialCfg := defaultDialConfig()
	dialCfg.CalledAETitle = "NOSUCHAE"
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := Negotiate(ctx, clientConn, dialCfg); err == nil {
		t.Fatal("expected negotiation to fail")
	}
	if err := <-acceptErr; err == nil {
		t.Fatal("expected Accept to fail")
	}

	// The acceptor owns the connection and must have closed it.
	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var buf [1]byte
	if _, err := clientConn.Read(buf[:]); !errors.Is(err, io.EOF) {
		t.Fatalf("connection left open after rejection: read returned %v", err)
	}
}

func TestOutgoingPDUsRespectLocalMaxLength(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer serverConn.Close()

	const localMax = 512

	// Hand-rolled acceptor advertising a far larger receive limit. The
	// requestor's fragments must still honor its own limit.
	oversized := make(chan int, 64)
	go func() {
		raw, err := pdu.ReadRaw(serverConn, pdu.DefaultMaxReceiveLength)
		if err != nil {
			return
		}
		rq, err := pdu.DecodeAssociateRQ(raw.Data)
		if err != nil {
			return
		}
		ac := &pdu.AssociateAC{
			ProtocolVersion:           1,
			CalledAETitle:             rq.CalledAETitle,
			CallingAETitle:            rq.CallingAETitle,
			Results:                   pdu.Negotiate(rq.Contexts, testCapabilities),
			MaxPDULength:              1 << 20,
			ImplementationClassUID:    ImplementationClassUID,
			ImplementationVersionName: ImplementationVersionName,
		}
		if _, err := serverConn.Write(ac.Encode()); err != nil {
			return
		}

		var asm dimse.Assembler
		for {
			raw, err := pdu.ReadRaw(serverConn, pdu.DefaultMaxReceiveLength)
			if err != nil {
				return
			}
			switch raw.PDUType {
			case pdu.TypePDataTF:
				if len(raw.Data) > localMax {
					oversized <- len(raw.Data)
				}
				pd, err := pdu.DecodePDataTF(raw.Data)
				if err != nil {
					return
				}
				for _, pdv := range pd.PDVs {
					done, err := asm.Add(pdv)
					if err != nil {
						return
					}
					if done == nil {
						continue
					}
					cmd, err := encodeSuccessResponse(done)
					if err != nil {
						return
					}
					pdus, err := dimse.Fragment(done.ContextID, cmd, nil, localMax)
					if err != nil {
						return
					}
					for _, p := range pdus {
						if _, err := serverConn.Write(p.Encode()); err != nil {
							return
						}
					}
				}
			case pdu.TypeReleaseRQ:
				serverConn.Write((&pdu.ReleaseRP{}).Encode())
				return
			default:
				return
			}
		}
	}()

	dialCfg := defaultDialConfig()
	dialCfg.MaxPDULength = localMax
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := Negotiate(ctx, clientConn, dialCfg)
	if err != nil {
		t.Fatalf("Negotiate failed: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	attrs := make([]byte, 4096)
	resp, err := client.NCreate(ctx, types.BasicGrayscalePrintManagementMetaSOP,
		types.BasicFilmSessionSOPClass, "", attrs)
	if err != nil {
		t.Fatalf("NCreate failed: %v", err)
	}
	if resp.Command.Status != types.StatusSuccess {
		t.Fatalf("status = 0x%04X, want success", resp.Command.Status)
	}

	close(oversized)
	for size := range oversized {
		t.Errorf("P-DATA-TF body of %d bytes exceeds local max PDU length %d", size, localMax)
	}
}

// encodeSuccessResponse builds the encoded success response for a
// reassembled request.
func encodeSuccessResponse(done *dimse.Completed) ([]byte, error) {
	return dimse.EncodeCommand(&types.Message{
		CommandField:              types.ResponseCommandFor(done.Command.CommandField),
		MessageIDBeingRespondedTo: done.Command.MessageID,
		AffectedSOPClassUID:       done.Command.AffectedSOPClassUID,
		Status:                    types.StatusSuccess,
		CommandDataSetType:        types.DataSetNull,
	})
}
