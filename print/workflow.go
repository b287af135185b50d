package print

import (
	"context"
	"fmt"

	"github.com/grailbio/go-dicom"
	"github.com/grailbio/go-dicom/dicomtag"
	"github.com/sirupsen/logrus"

	"github.com/dicomtools/printnet/codec"
	dicomerr "github.com/dicomtools/printnet/errors"
	"github.com/dicomtools/printnet/types"
)

// Caller issues N-service operations against the print SCP. Implemented by
// the queue's association adapter; tests supply scripted fakes.
type Caller interface {
	NCreate(ctx context.Context, sopClassUID, instanceUID string, attrs []*dicom.Element) (*Result, error)
	NSet(ctx context.Context, sopClassUID, instanceUID string, attrs []*dicom.Element) (*Result, error)
	NGet(ctx context.Context, sopClassUID, instanceUID string) (*Result, error)
	NAction(ctx context.Context, sopClassUID, instanceUID string, actionType uint16) (*Result, error)
	NDelete(ctx context.Context, sopClassUID, instanceUID string) (*Result, error)
}

// Result is the outcome of one N-service operation.
type Result struct {
	Status      uint16
	InstanceUID string
	Elements    []*dicom.Element
}

// WorkflowState tracks how far a print job has progressed.
type WorkflowState int

const (
	StateNoSession WorkflowState = iota
	StateSessionOpen
	StateBoxOpen
	StateContentSet
	StatePrinting
	StateDone
	StateFailed
	StateClosed
)

func (s WorkflowState) String() string {
	switch s {
	case StateNoSession:
		return "NoSession"
	case StateSessionOpen:
		return "SessionOpen"
	case StateBoxOpen:
		return "BoxOpen"
	case StateContentSet:
		return "ContentSet"
	case StatePrinting:
		return "Printing"
	case StateDone:
		return "Done"
	case StateFailed:
		return "Failed"
	case StateClosed:
		return "Closed"
	default:
		return fmt.Sprintf("WorkflowState(%d)", int(s))
	}
}

// PartialResult reports the outcome of setting a film box's image boxes when
// some positions were rejected by the peer.
type PartialResult struct {
	SuccessCount    int
	FailedPositions []int
}

// Partial reports whether any position failed.
func (r *PartialResult) Partial() bool { return len(r.FailedPositions) > 0 }

// Workflow drives one print job through the film session / film box / image
// box lifecycle. It never retries: any failure is surfaced verbatim and
// retry policy belongs to the queue above it.
type Workflow struct {
	caller Caller
	log    *logrus.Entry

	state       WorkflowState
	sessionUID  string
	filmBoxUID  string
	printJobUID string
	imageBoxes  []string // SOP instance UIDs in position order
}

// NewWorkflow creates a workflow in StateNoSession.
func NewWorkflow(caller Caller, log *logrus.Entry) *Workflow {
	return &Workflow{caller: caller, log: log}
}

// State returns the workflow's current state.
func (w *Workflow) State() WorkflowState { return w.state }

// SessionUID returns the film session SOP instance UID once created.
func (w *Workflow) SessionUID() string { return w.sessionUID }

// PrintJobUID returns the print job SOP instance UID once printing started.
func (w *Workflow) PrintJobUID() string { return w.printJobUID }

// ImageBoxCount returns the number of image boxes in the open film box.
func (w *Workflow) ImageBoxCount() int { return len(w.imageBoxes) }

func (w *Workflow) requireState(step string, want WorkflowState) error {
	if w.state != want {
		return fmt.Errorf("print: %s not allowed in state %s", step, w.state)
	}
	return nil
}

// fail records a non-success status for a workflow step and moves the
// workflow to StateFailed. The session is left for an explicit Delete.
func (w *Workflow) fail(step string, status uint16) error {
	w.state = StateFailed
	w.log.WithFields(logrus.Fields{
		"step":   step,
		"status": fmt.Sprintf("0x%04X", status),
	}).Error("Print workflow step failed")
	return dicomerr.NewDIMSEStatusError(step, status, "print workflow step failed")
}

func statusOK(status uint16) bool {
	return status == types.StatusSuccess || status&0xF000 == 0xB000
}

// CreateSession creates the film session. NoSession -> SessionOpen.
func (w *Workflow) CreateSession(ctx context.Context, params FilmSessionParams) error {
	if err := w.requireState("N-CREATE FilmSession", StateNoSession); err != nil {
		return err
	}
	res, err := w.caller.NCreate(ctx, types.BasicFilmSessionSOPClass, "", params.elements())
	if err != nil {
		return err
	}
	if !statusOK(res.Status) {
		return w.fail("N-CREATE FilmSession", res.Status)
	}
	w.sessionUID = res.InstanceUID
	w.state = StateSessionOpen
	w.log.WithField("sessionUID", w.sessionUID).Debug("Film session created")
	return nil
}

// CreateFilmBox creates the film box inside the open session and records the
// image box instances the peer allocated. SessionOpen -> BoxOpen.
func (w *Workflow) CreateFilmBox(ctx context.Context, params FilmBoxParams) error {
	if err := w.requireState("N-CREATE FilmBox", StateSessionOpen); err != nil {
		return err
	}
	columns, rows, err := ParseImageDisplayFormat(params.ImageDisplayFormat)
	if err != nil {
		return err
	}

	res, err := w.caller.NCreate(ctx, types.BasicFilmBoxSOPClass, "", params.elements(w.sessionUID))
	if err != nil {
		return err
	}
	if !statusOK(res.Status) {
		return w.fail("N-CREATE FilmBox", res.Status)
	}
	w.filmBoxUID = res.InstanceUID

	w.imageBoxes = codec.ReferencedInstanceUIDs(res.Elements, dicomtag.ReferencedImageBoxSequence)
	if want := columns * rows; len(w.imageBoxes) != want {
		w.state = StateFailed
		return fmt.Errorf("print: film box reports %d image boxes, layout %q needs %d",
			len(w.imageBoxes), params.ImageDisplayFormat, want)
	}
	w.state = StateBoxOpen
	w.log.WithFields(logrus.Fields{
		"filmBoxUID": w.filmBoxUID,
		"imageBoxes": len(w.imageBoxes),
	}).Debug("Film box created")
	return nil
}

// SetImages sets pixel content on the film box's image boxes. A position
// rejected by the peer (status 0xA900 and friends) is recorded in the
// PartialResult while the remaining positions still proceed; the caller
// decides whether a partial film is worth printing. BoxOpen -> ContentSet
// when at least one position succeeded.
func (w *Workflow) SetImages(ctx context.Context, images []Image) (*PartialResult, error) {
	if err := w.requireState("N-SET ImageBox", StateBoxOpen); err != nil {
		return nil, err
	}

	result := &PartialResult{}
	for _, img := range images {
		if img.Position < 1 || img.Position > len(w.imageBoxes) {
			return nil, fmt.Errorf("print: image position %d outside layout of %d boxes",
				img.Position, len(w.imageBoxes))
		}
		boxUID := w.imageBoxes[img.Position-1]
		res, err := w.caller.NSet(ctx, types.BasicGrayscaleImageBoxSOPClass, boxUID, img.elements())
		if err != nil {
			return nil, err
		}
		if statusOK(res.Status) {
			result.SuccessCount++
			continue
		}
		w.log.WithFields(logrus.Fields{
			"position": img.Position,
			"status":   fmt.Sprintf("0x%04X", res.Status),
		}).Warn("Image box rejected")
		result.FailedPositions = append(result.FailedPositions, img.Position)
	}

	if result.SuccessCount == 0 {
		w.state = StateFailed
		return result, dicomerr.NewDIMSEStatusError("N-SET ImageBox",
			types.StatusDataSetDoesNotMatchSOP, "every image box was rejected")
	}
	w.state = StateContentSet
	return result, nil
}

// Print issues N-ACTION on the film box and records the resulting print job
// instance. ContentSet -> Printing.
func (w *Workflow) Print(ctx context.Context) error {
	if err := w.requireState("N-ACTION FilmBox", StateContentSet); err != nil {
		return err
	}
	res, err := w.caller.NAction(ctx, types.BasicFilmBoxSOPClass, w.filmBoxUID, 1)
	if err != nil {
		return err
	}
	if !statusOK(res.Status) {
		return w.fail("N-ACTION FilmBox", res.Status)
	}

	jobs := codec.ReferencedInstanceUIDs(res.Elements, dicomtag.Tag{Group: 0x2100, Element: 0x0500})
	if len(jobs) > 0 {
		w.printJobUID = jobs[0]
	} else {
		w.printJobUID = types.PrintJobSOPInstance
	}
	w.state = StatePrinting
	w.log.WithField("printJobUID", w.printJobUID).Debug("Print action accepted")
	return nil
}

// PollJob reads the print job's execution status via N-GET. A terminal
// status transitions Printing -> Done or Failed; PENDING and PRINTING leave
// the workflow unchanged for the next poll.
func (w *Workflow) PollJob(ctx context.Context) (string, error) {
	if err := w.requireState("N-GET PrintJob", StatePrinting); err != nil {
		return "", err
	}
	res, err := w.caller.NGet(ctx, types.PrintJobSOPClass, w.printJobUID)
	if err != nil {
		return "", err
	}
	if !statusOK(res.Status) {
		return "", w.fail("N-GET PrintJob", res.Status)
	}

	status := codec.StringOrDefault(res.Elements, dicomtag.ExecutionStatus, ExecutionPending)
	switch status {
	case ExecutionDone:
		w.state = StateDone
	case ExecutionFailure:
		info := codec.StringOrDefault(res.Elements, dicomtag.ExecutionStatusInfo, "")
		w.state = StateFailed
		w.log.WithField("info", info).Error("Print job failed on printer")
	}
	return status, nil
}

// PrinterStatus reads the printer's status via N-GET on the well-known
// printer instance. Valid in any state; the printer object exists outside
// the film session lifecycle.
func (w *Workflow) PrinterStatus(ctx context.Context) (status, info string, err error) {
	res, err := w.caller.NGet(ctx, types.PrinterSOPClass, types.PrinterSOPInstance)
	if err != nil {
		return "", "", err
	}
	if !statusOK(res.Status) {
		return "", "", dicomerr.NewDIMSEStatusError("N-GET Printer", res.Status, "printer status unavailable")
	}
	status = codec.StringOrDefault(res.Elements, dicomtag.PrinterStatus, "")
	info = codec.StringOrDefault(res.Elements, dicomtag.PrinterStatusInfo, "")
	return status, info, nil
}

// Delete releases the film session on the peer. It refuses while a film box
// is printing; cleanup of a finished or failed workflow is always explicit.
// Any state but Printing -> Closed.
func (w *Workflow) Delete(ctx context.Context) error {
	if w.state == StatePrinting {
		return fmt.Errorf("print: N-DELETE refused while film box is printing")
	}
	if w.state == StateNoSession || w.state == StateClosed {
		return fmt.Errorf("print: no film session to delete in state %s", w.state)
	}
	if w.sessionUID == "" {
		// Failed before the session was created, nothing to delete.
		return fmt.Errorf("print: no film session was created")
	}
	res, err := w.caller.NDelete(ctx, types.BasicFilmSessionSOPClass, w.sessionUID)
	if err != nil {
		return err
	}
	if !statusOK(res.Status) {
		return dicomerr.NewDIMSEStatusError("N-DELETE FilmSession", res.Status, "film session deletion refused")
	}
	w.state = StateClosed
	return nil
}
