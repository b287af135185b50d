package services

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/grailbio/go-dicom"
	"github.com/sirupsen/logrus"

	"github.com/dicomtools/printnet/assoc"
	"github.com/dicomtools/printnet/codec"
	"github.com/dicomtools/printnet/dimse"
	"github.com/dicomtools/printnet/pdu"
	"github.com/dicomtools/printnet/print"
	"github.com/dicomtools/printnet/types"
)

func testLogEntry() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

func testRegistry() *Registry {
	r := NewRegistry(testLogEntry())
	r.Register(NewEchoService())
	r.Register(NewPrintService("TESTPRINTER"))
	return r
}

func printCapabilities() []pdu.Capability {
	return []pdu.Capability{
		{
			AbstractSyntax:   types.VerificationSOPClass,
			TransferSyntaxes: []string{types.ImplicitVRLittleEndian},
		},
		{
			AbstractSyntax:   types.BasicGrayscalePrintManagementMetaSOP,
			TransferSyntaxes: []string{types.ImplicitVRLittleEndian, types.ExplicitVRLittleEndian},
		},
	}
}

func establishPair(t *testing.T, registry *Registry) *assoc.Association {
	t.Helper()
	clientConn, serverConn := net.Pipe()

	acceptDone := make(chan error, 1)
	go func() {
		server, err := assoc.Accept(serverConn, assoc.AcceptConfig{
			AETitle:      "PRINTSCP",
			Capabilities: printCapabilities(),
			Handler:      registry.HandlerFactory(),
			Logger:       testLogEntry(),
		})
		if err == nil {
			t.Cleanup(func() { server.Close() })
		}
		acceptDone <- err
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := assoc.Negotiate(ctx, clientConn, assoc.DialConfig{
		CallingAETitle: "PRINTSCU",
		CalledAETitle:  "PRINTSCP",
		Contexts: []pdu.ProposedContext{
			{
				ID:               1,
				AbstractSyntax:   types.VerificationSOPClass,
				TransferSyntaxes: []string{types.ImplicitVRLittleEndian},
			},
			{
				ID:               3,
				AbstractSyntax:   types.BasicGrayscalePrintManagementMetaSOP,
				TransferSyntaxes: []string{types.ImplicitVRLittleEndian},
			},
		},
		ResponseTimeout: 5 * time.Second,
		Logger:          testLogEntry(),
	})
	if err != nil {
		t.Fatalf("Negotiate failed: %v", err)
	}
	if err := <-acceptDone; err != nil {
		t.Fatalf("Accept failed: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

// metaCaller drives print.Workflow over a live association the way the
// queue's connector does.
type metaCaller struct {
	a  *assoc.Association
	ts string
}

func newMetaCaller(t *testing.T, a *assoc.Association) *metaCaller {
	t.Helper()
	pc, err := a.ContextFor(types.BasicGrayscalePrintManagementMetaSOP)
	if err != nil {
		t.Fatalf("no print context: %v", err)
	}
	return &metaCaller{a: a, ts: pc.TransferSyntax}
}

func (c *metaCaller) encode(t []*dicom.Element) []byte {
	if len(t) == 0 {
		return nil
	}
	data, err := codec.Encode(t, c.ts)
	if err != nil {
		panic(err)
	}
	return data
}

func (c *metaCaller) result(resp *dimse.Completed) (*print.Result, error) {
	r := &print.Result{
		Status:      resp.Command.Status,
		InstanceUID: resp.Command.AffectedSOPInstanceUID,
	}
	if resp.Command.HasDataSet() && len(resp.Data) > 0 {
		elements, err := codec.Decode(resp.Data, c.ts)
		if err != nil {
			return nil, err
		}
		r.Elements = elements
	}
	return r, nil
}

func (c *metaCaller) NCreate(ctx context.Context, sopClassUID, instanceUID string, attrs []*dicom.Element) (*print.Result, error) {
	resp, err := c.a.NCreate(ctx, types.BasicGrayscalePrintManagementMetaSOP, sopClassUID, instanceUID, c.encode(attrs))
	if err != nil {
		return nil, err
	}
	return c.result(resp)
}

func (c *metaCaller) NSet(ctx context.Context, sopClassUID, instanceUID string, attrs []*dicom.Element) (*print.Result, error) {
	resp, err := c.a.NSet(ctx, types.BasicGrayscalePrintManagementMetaSOP, sopClassUID, instanceUID, c.encode(attrs))
	if err != nil {
		return nil, err
	}
	return c.result(resp)
}

func (c *metaCaller) NGet(ctx context.Context, sopClassUID, instanceUID string) (*print.Result, error) {
	resp, err := c.a.NGet(ctx, types.BasicGrayscalePrintManagementMetaSOP, sopClassUID, instanceUID)
	if err != nil {
		return nil, err
	}
	return c.result(resp)
}

func (c *metaCaller) NAction(ctx context.Context, sopClassUID, instanceUID string, actionType uint16) (*print.Result, error) {
	resp, err := c.a.NAction(ctx, types.BasicGrayscalePrintManagementMetaSOP, sopClassUID, instanceUID, actionType, nil)
	if err != nil {
		return nil, err
	}
	return c.result(resp)
}

func (c *metaCaller) NDelete(ctx context.Context, sopClassUID, instanceUID string) (*print.Result, error) {
	resp, err := c.a.NDelete(ctx, types.BasicGrayscalePrintManagementMetaSOP, sopClassUID, instanceUID)
	if err != nil {
		return nil, err
	}
	return c.result(resp)
}

func testImage(position int) print.Image {
	return print.Image{
		Position:      position,
		Rows:          16,
		Columns:       16,
		BitsAllocated: 8,
		BitsStored:    8,
		HighBit:       7,
		PixelData:     make([]byte, 256),
	}
}

func TestEchoServiceOverAssociation(t *testing.T) {
	client := establishPair(t, testRegistry())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Echo(ctx); err != nil {
		t.Fatalf("Echo failed: %v", err)
	}
}

func TestPrintServiceFullWorkflow(t *testing.T) {
	client := establishPair(t, testRegistry())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	wf := print.NewWorkflow(newMetaCaller(t, client), testLogEntry())
	if err := wf.CreateSession(ctx, print.FilmSessionParams{NumberOfCopies: 2}); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if wf.SessionUID() == "" {
		t.Fatal("no film session UID assigned")
	}
	if err := wf.CreateFilmBox(ctx, print.FilmBoxParams{ImageDisplayFormat: `STANDARD\2,1`}); err != nil {
		t.Fatalf("CreateFilmBox failed: %v", err)
	}
	if wf.ImageBoxCount() != 2 {
		t.Fatalf("image boxes = %d, want 2", wf.ImageBoxCount())
	}

	partial, err := wf.SetImages(ctx, []print.Image{testImage(1), testImage(2)})
	if err != nil {
		t.Fatalf("SetImages failed: %v", err)
	}
	if partial.Partial() {
		t.Fatalf("unexpected partial result: %+v", partial)
	}
	if err := wf.Print(ctx); err != nil {
		t.Fatalf("Print failed: %v", err)
	}

	var status string
	for i := 0; i < 5 && status != print.ExecutionDone; i++ {
		status, err = wf.PollJob(ctx)
		if err != nil {
			t.Fatalf("PollJob failed: %v", err)
		}
	}
	if status != print.ExecutionDone {
		t.Fatalf("job never reached DONE, last status %q", status)
	}
	if err := wf.Delete(ctx); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
}

func TestPrintServiceRejectsBadPixelData(t *testing.T) {
	client := establishPair(t, testRegistry())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	wf := print.NewWorkflow(newMetaCaller(t, client), testLogEntry())
	if err := wf.CreateSession(ctx, print.FilmSessionParams{}); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if err := wf.CreateFilmBox(ctx, print.FilmBoxParams{ImageDisplayFormat: `STANDARD\2,1`}); err != nil {
		t.Fatalf("CreateFilmBox failed: %v", err)
	}

	bad := testImage(2)
	bad.PixelData = bad.PixelData[:100] // shorter than Rows*Columns
	partial, err := wf.SetImages(ctx, []print.Image{testImage(1), bad})
	if err != nil {
		t.Fatalf("SetImages failed: %v", err)
	}
	if !partial.Partial() || partial.SuccessCount != 1 {
		t.Fatalf("partial = %+v, want position 2 rejected", partial)
	}
	if partial.FailedPositions[0] != 2 {
		t.Errorf("failed positions = %v, want [2]", partial.FailedPositions)
	}
}

func TestPrintServiceRefusesDeleteWhilePrinting(t *testing.T) {
	client := establishPair(t, testRegistry())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	caller := newMetaCaller(t, client)
	wf := print.NewWorkflow(caller, testLogEntry())
	if err := wf.CreateSession(ctx, print.FilmSessionParams{}); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if err := wf.CreateFilmBox(ctx, print.FilmBoxParams{ImageDisplayFormat: `STANDARD\1,1`}); err != nil {
		t.Fatalf("CreateFilmBox failed: %v", err)
	}
	if _, err := wf.SetImages(ctx, []print.Image{testImage(1)}); err != nil {
		t.Fatalf("SetImages failed: %v", err)
	}
	if err := wf.Print(ctx); err != nil {
		t.Fatalf("Print failed: %v", err)
	}

	// Straight to N-DELETE while the job is still in progress.
	res, err := caller.NDelete(ctx, types.BasicFilmSessionSOPClass, wf.SessionUID())
	if err != nil {
		t.Fatalf("NDelete failed: %v", err)
	}
	if res.Status != types.StatusProcessingFailure {
		t.Fatalf("delete status = 0x%04X, want processing failure while printing", res.Status)
	}

	for i := 0; i < 5; i++ {
		status, err := wf.PollJob(ctx)
		if err != nil {
			t.Fatalf("PollJob failed: %v", err)
		}
		if status == print.ExecutionDone {
			break
		}
	}
	if err := wf.Delete(ctx); err != nil {
		t.Fatalf("Delete after completion failed: %v", err)
	}
}

func TestPrintServiceUnknownImageBox(t *testing.T) {
	client := establishPair(t, testRegistry())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	caller := newMetaCaller(t, client)
	res, err := caller.NSet(ctx, types.BasicGrayscaleImageBoxSOPClass, "1.2.3.4.5", nil)
	if err != nil {
		t.Fatalf("NSet failed: %v", err)
	}
	if res.Status != types.StatusNoSuchObjectInstance {
		t.Fatalf("status = 0x%04X, want no such object instance", res.Status)
	}
}

func TestPrinterStatusQuery(t *testing.T) {
	client := establishPair(t, testRegistry())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wf := print.NewWorkflow(newMetaCaller(t, client), testLogEntry())
	status, info, err := wf.PrinterStatus(ctx)
	if err != nil {
		t.Fatalf("PrinterStatus failed: %v", err)
	}
	if status != "NORMAL" || info != "NORMAL" {
		t.Errorf("printer status = %q/%q, want NORMAL/NORMAL", status, info)
	}
}
