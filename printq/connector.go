package printq

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dicomtools/printnet/assoc"
	"github.com/dicomtools/printnet/codec"
	"github.com/dicomtools/printnet/dimse"
	dicomerr "github.com/dicomtools/printnet/errors"
	"github.com/dicomtools/printnet/pdu"
	"github.com/dicomtools/printnet/print"
	"github.com/dicomtools/printnet/types"

	"github.com/grailbio/go-dicom"
)

// ConnectorConfig tunes how jobs are delivered to printers.
type ConnectorConfig struct {
	CallingAETitle string
	TLS            *assoc.TLSConfig

	ConnectTimeout  time.Duration
	ResponseTimeout time.Duration

	// PollInterval paces print job N-GET polls; PollTimeout bounds how
	// long one job is watched before it counts as failed.
	PollInterval time.Duration
	PollTimeout  time.Duration
}

func (c ConnectorConfig) withDefaults() ConnectorConfig {
	if c.CallingAETitle == "" {
		c.CallingAETitle = "PRINTNET"
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.ResponseTimeout == 0 {
		c.ResponseTimeout = 30 * time.Second
	}
	if c.PollInterval == 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.PollTimeout == 0 {
		c.PollTimeout = 5 * time.Minute
	}
	return c
}

// DialFunc opens an association to a printer. Tests substitute pipes.
type DialFunc func(ctx context.Context, cfg assoc.DialConfig) (*assoc.Association, error)

// Connector delivers one print job per association. It implements Runner
// for the queue and Prober for the registry.
type Connector struct {
	registry *Registry
	cfg      ConnectorConfig
	dial     DialFunc
	log      *logrus.Entry
}

// NewConnector creates a connector bound to a registry.
func NewConnector(registry *Registry, cfg ConnectorConfig, log *logrus.Entry) *Connector {
	return &Connector{
		registry: registry,
		cfg:      cfg.withDefaults(),
		dial:     assoc.Dial,
		log:      log,
	}
}

func (c *Connector) dialConfig(p Printer, contexts []pdu.ProposedContext) assoc.DialConfig {
	return assoc.DialConfig{
		Addr:            p.Addr,
		CallingAETitle:  c.cfg.CallingAETitle,
		CalledAETitle:   p.AETitle,
		Contexts:        contexts,
		ConnectTimeout:  c.cfg.ConnectTimeout,
		ResponseTimeout: c.cfg.ResponseTimeout,
		TLS:             c.cfg.TLS,
		Logger:          c.log.WithField("printer", p.Name),
	}
}

func printContexts() []pdu.ProposedContext {
	return []pdu.ProposedContext{
		{
			ID:             1,
			AbstractSyntax: types.VerificationSOPClass,
			TransferSyntaxes: []string{
				types.ImplicitVRLittleEndian,
			},
		},
		{
			ID:             3,
			AbstractSyntax: types.BasicGrayscalePrintManagementMetaSOP,
			TransferSyntaxes: []string{
				types.ImplicitVRLittleEndian,
				types.ExplicitVRLittleEndian,
			},
		},
	}
}

// Probe answers the registry's availability checks with a C-ECHO.
func (c *Connector) Probe(ctx context.Context, p Printer) error {
	contexts := []pdu.ProposedContext{{
		ID:               1,
		AbstractSyntax:   types.VerificationSOPClass,
		TransferSyntaxes: []string{types.ImplicitVRLittleEndian},
	}}
	a, err := c.dial(ctx, c.dialConfig(p, contexts))
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.Echo(ctx); err != nil {
		return err
	}
	return a.Release(ctx)
}

// pickPrinter resolves the job's target, honoring an explicit name.
func (c *Connector) pickPrinter(job *Job) (Printer, error) {
	if name := job.Request.PrinterName; name != "" {
		p, ok := c.registry.Get(name)
		if !ok {
			return Printer{}, fmt.Errorf("printq: unknown printer %q", name)
		}
		return p, nil
	}
	return c.registry.Select(job.Request.Requirements)
}

// Run delivers one job attempt over a fresh association: session, film
// box, image content, print action, then polling until the SCP reports a
// terminal execution status.
func (c *Connector) Run(ctx context.Context, job *Job) error {
	p, err := c.pickPrinter(job)
	if err != nil {
		return err
	}
	job.Printer = p.Name
	log := c.log.WithFields(logrus.Fields{"jobID": job.ID, "printer": p.Name})

	a, err := c.dial(ctx, c.dialConfig(p, printContexts()))
	if err != nil {
		c.registry.MarkUnavailable(p.Name, err)
		return err
	}
	defer a.Close()
	c.registry.MarkAvailable(p.Name)

	if err := c.deliver(ctx, a, job, log); err != nil {
		// An abort tears the transport down, so only attempt the
		// orderly release when the association still stands.
		select {
		case <-a.Done():
		default:
			a.Abort()
		}
		return err
	}
	return a.Release(ctx)
}

func (c *Connector) deliver(ctx context.Context, a *assoc.Association, job *Job, log *logrus.Entry) error {
	caller, err := newAssocCaller(a)
	if err != nil {
		return err
	}
	wf := print.NewWorkflow(caller, log)

	if err := wf.CreateSession(ctx, job.Request.Session); err != nil {
		return err
	}
	if err := wf.CreateFilmBox(ctx, job.Request.FilmBox); err != nil {
		return err
	}
	partial, err := wf.SetImages(ctx, job.Request.Images)
	if err != nil {
		return err
	}
	if partial.Partial() {
		log.WithFields(logrus.Fields{
			"succeeded": partial.SuccessCount,
			"failed":    partial.FailedPositions,
		}).Warn("Printer rejected some image boxes, printing the rest")
	}
	if err := wf.Print(ctx); err != nil {
		return err
	}
	if err := c.await(ctx, wf); err != nil {
		return err
	}
	if err := wf.Delete(ctx); err != nil {
		// The print completed; a failed cleanup is not worth a retry.
		log.WithError(err).Warn("Failed to delete film session after printing")
	}
	if partial.Partial() {
		return &PartialDeliveryError{JobID: job.ID, Result: partial}
	}
	return nil
}

// await polls the print job instance until DONE or FAILURE.
func (c *Connector) await(ctx context.Context, wf *print.Workflow) error {
	deadline := time.Now().Add(c.cfg.PollTimeout)
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		status, err := wf.PollJob(ctx)
		if err != nil {
			return err
		}
		switch status {
		case print.ExecutionDone:
			return nil
		case print.ExecutionFailure:
			return dicomerr.NewDIMSEStatusError("N-GET PrintJob", types.StatusProcessingFailure,
				"printer reported execution FAILURE")
		}
		if time.Now().After(deadline) {
			return dicomerr.NewTimeoutError("print job completion", c.cfg.PollTimeout.String())
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return dicomerr.ErrOperationCanceled
		}
	}
}

// PartialDeliveryError marks a job that printed with some image boxes
// rejected. It is permanent: retrying would reprint the accepted boxes.
type PartialDeliveryError struct {
	JobID  int64
	Result *print.PartialResult
}

func (e *PartialDeliveryError) Error() string {
	return fmt.Sprintf("print job %d delivered partially: %d image boxes ok, positions %v rejected",
		e.JobID, e.Result.SuccessCount, e.Result.FailedPositions)
}

// assocCaller adapts an association's N-service verbs to the workflow's
// Caller interface, encoding datasets under the negotiated transfer syntax.
type assocCaller struct {
	a  *assoc.Association
	ts string
}

func newAssocCaller(a *assoc.Association) (*assocCaller, error) {
	pc, err := a.ContextFor(types.BasicGrayscalePrintManagementMetaSOP)
	if err != nil {
		return nil, err
	}
	return &assocCaller{a: a, ts: pc.TransferSyntax}, nil
}

func (c *assocCaller) encode(attrs []*dicom.Element) ([]byte, error) {
	if len(attrs) == 0 {
		return nil, nil
	}
	return codec.Encode(attrs, c.ts)
}

func (c *assocCaller) result(resp *dimse.Completed) (*print.Result, error) {
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

func (c *assocCaller) NCreate(ctx context.Context, sopClassUID, instanceUID string, attrs []*dicom.Element) (*print.Result, error) {
	data, err := c.encode(attrs)
	if err != nil {
		return nil, err
	}
	resp, err := c.a.NCreate(ctx, types.BasicGrayscalePrintManagementMetaSOP, sopClassUID, instanceUID, data)
	if err != nil {
		return nil, err
	}
	return c.result(resp)
}

func (c *assocCaller) NSet(ctx context.Context, sopClassUID, instanceUID string, attrs []*dicom.Element) (*print.Result, error) {
	data, err := c.encode(attrs)
	if err != nil {
		return nil, err
	}
	resp, err := c.a.NSet(ctx, types.BasicGrayscalePrintManagementMetaSOP, sopClassUID, instanceUID, data)
	if err != nil {
		return nil, err
	}
	return c.result(resp)
}

func (c *assocCaller) NGet(ctx context.Context, sopClassUID, instanceUID string) (*print.Result, error) {
	resp, err := c.a.NGet(ctx, types.BasicGrayscalePrintManagementMetaSOP, sopClassUID, instanceUID)
	if err != nil {
		return nil, err
	}
	return c.result(resp)
}

func (c *assocCaller) NAction(ctx context.Context, sopClassUID, instanceUID string, actionType uint16) (*print.Result, error) {
	resp, err := c.a.NAction(ctx, types.BasicGrayscalePrintManagementMetaSOP, sopClassUID, instanceUID, actionType, nil)
	if err != nil {
		return nil, err
	}
	return c.result(resp)
}

func (c *assocCaller) NDelete(ctx context.Context, sopClassUID, instanceUID string) (*print.Result, error) {
	resp, err := c.a.NDelete(ctx, types.BasicGrayscalePrintManagementMetaSOP, sopClassUID, instanceUID)
	if err != nil {
		return nil, err
	}
	return c.result(resp)
}
