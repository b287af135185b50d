package print

import (
	"context"
	"errors"
	"fmt"
	"io"
	"reflect"
	"testing"

	"github.com/grailbio/go-dicom"
	"github.com/grailbio/go-dicom/dicomtag"
	"github.com/sirupsen/logrus"

	"github.com/dicomtools/printnet/codec"
	dicomerr "github.com/dicomtools/printnet/errors"
	"github.com/dicomtools/printnet/types"
)

func testLogEntry() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logrus.NewEntry(logger)
}

// fakeCaller emulates a print SCP: it allocates film session, film box and
// image box instances and answers from scripted statuses.
type fakeCaller struct {
	imageBoxCount  int
	setStatuses    map[string]uint16 // image box UID -> N-SET status
	pollStatuses   []string          // successive ExecutionStatus values
	createStatuses map[string]uint16 // SOP class -> N-CREATE status
	deleted        []string
}

func newFakeCaller(imageBoxCount int) *fakeCaller {
	return &fakeCaller{
		imageBoxCount:  imageBoxCount,
		setStatuses:    map[string]uint16{},
		createStatuses: map[string]uint16{},
		pollStatuses:   []string{ExecutionDone},
	}
}

func (f *fakeCaller) boxUID(position int) string {
	return fmt.Sprintf("1.2.3.4.%d", position)
}

func imageBoxSequence(uids []string) *dicom.Element {
	items := make([]interface{}, 0, len(uids))
	for _, uid := range uids {
		items = append(items, &dicom.Element{Tag: dicomtag.Item, Value: []interface{}{
			codec.NewElement(dicomtag.ReferencedSOPClassUID, types.BasicGrayscaleImageBoxSOPClass),
			codec.NewElement(dicomtag.ReferencedSOPInstanceUID, uid),
		}})
	}
	return &dicom.Element{Tag: dicomtag.ReferencedImageBoxSequence, VR: "SQ", Value: items}
}

func (f *fakeCaller) NCreate(_ context.Context, sopClassUID, _ string, _ []*dicom.Element) (*Result, error) {
	if status, ok := f.createStatuses[sopClassUID]; ok {
		return &Result{Status: status}, nil
	}
	switch sopClassUID {
	case types.BasicFilmSessionSOPClass:
		return &Result{Status: types.StatusSuccess, InstanceUID: "1.2.3.100"}, nil
	case types.BasicFilmBoxSOPClass:
		uids := make([]string, f.imageBoxCount)
		for i := range uids {
			uids[i] = f.boxUID(i + 1)
		}
		return &Result{
			Status:      types.StatusSuccess,
			InstanceUID: "1.2.3.200",
			Elements:    []*dicom.Element{imageBoxSequence(uids)},
		}, nil
	}
	return &Result{Status: types.StatusSOPClassNotSupported}, nil
}

func (f *fakeCaller) NSet(_ context.Context, _, instanceUID string, _ []*dicom.Element) (*Result, error) {
	if status, ok := f.setStatuses[instanceUID]; ok {
		return &Result{Status: status}, nil
	}
	return &Result{Status: types.StatusSuccess, InstanceUID: instanceUID}, nil
}

func (f *fakeCaller) NGet(_ context.Context, sopClassUID, instanceUID string) (*Result, error) {
	switch sopClassUID {
	case types.PrintJobSOPClass:
		status := ExecutionPending
		if len(f.pollStatuses) > 0 {
			status = f.pollStatuses[0]
			f.pollStatuses = f.pollStatuses[1:]
		}
		return &Result{Status: types.StatusSuccess, Elements: []*dicom.Element{
			codec.NewElement(dicomtag.ExecutionStatus, status),
		}}, nil
	case types.PrinterSOPClass:
		return &Result{Status: types.StatusSuccess, Elements: []*dicom.Element{
			codec.NewElement(dicomtag.PrinterStatus, "NORMAL"),
			codec.NewElement(dicomtag.PrinterStatusInfo, "NORMAL"),
		}}, nil
	}
	return &Result{Status: types.StatusNoSuchObjectInstance}, nil
}

func (f *fakeCaller) NAction(_ context.Context, _, _ string, actionType uint16) (*Result, error) {
	if actionType != 1 {
		return &Result{Status: types.StatusNoSuchActionType}, nil
	}
	item := &dicom.Element{Tag: dicomtag.Item, Value: []interface{}{
		codec.NewElement(dicomtag.ReferencedSOPClassUID, types.PrintJobSOPClass),
		codec.NewElement(dicomtag.ReferencedSOPInstanceUID, "1.2.3.999"),
	}}
	return &Result{Status: types.StatusSuccess, Elements: []*dicom.Element{
		{Tag: dicomtag.Tag{Group: 0x2100, Element: 0x0500}, VR: "SQ", Value: []interface{}{item}},
	}}, nil
}

func (f *fakeCaller) NDelete(_ context.Context, _, instanceUID string) (*Result, error) {
	f.deleted = append(f.deleted, instanceUID)
	return &Result{Status: types.StatusSuccess}, nil
}

func testImage(position int) Image {
	return Image{
		Position:      position,
		Rows:          64,
		Columns:       64,
		BitsAllocated: 8,
		BitsStored:    8,
		HighBit:       7,
		PixelData:     make([]byte, 64*64),
	}
}

func TestParseImageDisplayFormat(t *testing.T) {
	tests := []struct {
		format        string
		columns, rows int
		ok            bool
	}{
		{`STANDARD\1,1`, 1, 1, true},
		{`STANDARD\2,3`, 2, 3, true},
		{`STANDARD\0,1`, 0, 0, false},
		{`STANDARD\2`, 0, 0, false},
		{`ROW\2,3`, 0, 0, false},
		{`STANDARD\a,b`, 0, 0, false},
	}
	for _, tt := range tests {
		columns, rows, err := ParseImageDisplayFormat(tt.format)
		if (err == nil) != tt.ok {
			t.Errorf("ParseImageDisplayFormat(%q) error = %v, want ok=%v", tt.format, err, tt.ok)
			continue
		}
		if columns != tt.columns || rows != tt.rows {
			t.Errorf("ParseImageDisplayFormat(%q) = (%d,%d), want (%d,%d)",
				tt.format, columns, rows, tt.columns, tt.rows)
		}
	}
}

func TestWorkflowHappyPath(t *testing.T) {
	caller := newFakeCaller(1)
	caller.pollStatuses = []string{ExecutionPending, ExecutionDone}
	w := NewWorkflow(caller, testLogEntry())
	ctx := context.Background()

	if err := w.CreateSession(ctx, FilmSessionParams{NumberOfCopies: 1, PrintPriority: "MED"}); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if w.State() != StateSessionOpen {
		t.Fatalf("state = %s, want SessionOpen", w.State())
	}

	if err := w.CreateFilmBox(ctx, FilmBoxParams{ImageDisplayFormat: `STANDARD\1,1`, FilmOrientation: "PORTRAIT"}); err != nil {
		t.Fatalf("CreateFilmBox failed: %v", err)
	}
	if w.ImageBoxCount() != 1 {
		t.Fatalf("image boxes = %d, want 1", w.ImageBoxCount())
	}

	result, err := w.SetImages(ctx, []Image{testImage(1)})
	if err != nil {
		t.Fatalf("SetImages failed: %v", err)
	}
	if result.Partial() {
		t.Fatalf("unexpected partial result: %+v", result)
	}

	if err := w.Print(ctx); err != nil {
		t.Fatalf("Print failed: %v", err)
	}
	if w.PrintJobUID() != "1.2.3.999" {
		t.Errorf("print job UID = %s, want 1.2.3.999", w.PrintJobUID())
	}

	// The printer mid-print: deletion must be refused.
	if err := w.Delete(ctx); err == nil {
		t.Fatal("expected Delete to be refused while printing")
	}

	status, err := w.PollJob(ctx)
	if err != nil || status != ExecutionPending {
		t.Fatalf("first poll = (%q, %v), want PENDING", status, err)
	}
	status, err = w.PollJob(ctx)
	if err != nil || status != ExecutionDone {
		t.Fatalf("second poll = (%q, %v), want DONE", status, err)
	}
	if w.State() != StateDone {
		t.Fatalf("state = %s, want Done", w.State())
	}

	if err := w.Delete(ctx); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if w.State() != StateClosed {
		t.Errorf("state = %s, want Closed", w.State())
	}
	if len(caller.deleted) != 1 || caller.deleted[0] != "1.2.3.100" {
		t.Errorf("deleted = %v, want the film session", caller.deleted)
	}
}

func TestWorkflowPartialImageFailure(t *testing.T) {
	caller := newFakeCaller(5)
	caller.setStatuses[caller.boxUID(3)] = types.StatusDataSetDoesNotMatchSOP
	w := NewWorkflow(caller, testLogEntry())
	ctx := context.Background()

	if err := w.CreateSession(ctx, FilmSessionParams{}); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if err := w.CreateFilmBox(ctx, FilmBoxParams{ImageDisplayFormat: `STANDARD\5,1`}); err != nil {
		t.Fatalf("CreateFilmBox failed: %v", err)
	}

	images := make([]Image, 5)
	for i := range images {
		images[i] = testImage(i + 1)
	}
	result, err := w.SetImages(ctx, images)
	if err != nil {
		t.Fatalf("SetImages failed: %v", err)
	}
	if result.SuccessCount != 4 {
		t.Errorf("success count = %d, want 4", result.SuccessCount)
	}
	if !reflect.DeepEqual(result.FailedPositions, []int{3}) {
		t.Errorf("failed positions = %v, want [3]", result.FailedPositions)
	}

	// The caller may still print the partial film.
	if err := w.Print(ctx); err != nil {
		t.Fatalf("Print after partial failure failed: %v", err)
	}
}

func TestWorkflowCreateFailureIsTerminal(t *testing.T) {
	caller := newFakeCaller(1)
	caller.createStatuses[types.BasicFilmBoxSOPClass] = types.StatusOutOfResources
	w := NewWorkflow(caller, testLogEntry())
	ctx := context.Background()

	if err := w.CreateSession(ctx, FilmSessionParams{}); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	err := w.CreateFilmBox(ctx, FilmBoxParams{ImageDisplayFormat: `STANDARD\1,1`})
	var statusErr *dicomerr.DIMSEStatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected DIMSEStatusError, got %v", err)
	}
	if statusErr.Status != types.StatusOutOfResources {
		t.Errorf("status = 0x%04X, want 0xA700", statusErr.Status)
	}
	if w.State() != StateFailed {
		t.Errorf("state = %s, want Failed", w.State())
	}

	// Failure does not implicitly delete the session; explicit cleanup
	// still works.
	if err := w.Delete(ctx); err != nil {
		t.Fatalf("Delete after failure failed: %v", err)
	}
	if len(caller.deleted) != 1 {
		t.Errorf("deleted = %v, want one session", caller.deleted)
	}
}

func TestWorkflowDeleteWithoutSessionIsLocal(t *testing.T) {
	caller := newFakeCaller(1)
	caller.createStatuses[types.BasicFilmSessionSOPClass] = types.StatusOutOfResources
	w := NewWorkflow(caller, testLogEntry())
	ctx := context.Background()

	if err := w.CreateSession(ctx, FilmSessionParams{}); err == nil {
		t.Fatal("expected CreateSession to fail")
	}
	if w.State() != StateFailed {
		t.Fatalf("state = %s, want Failed", w.State())
	}

	// No session was ever created on the peer, so cleanup must not send
	// an N-DELETE with an empty instance UID.
	if err := w.Delete(ctx); err == nil {
		t.Fatal("expected Delete without a session to fail")
	}
	if len(caller.deleted) != 0 {
		t.Errorf("deleted = %v, want none", caller.deleted)
	}
}

func TestWorkflowRejectsOutOfOrderSteps(t *testing.T) {
	caller := newFakeCaller(1)
	w := NewWorkflow(caller, testLogEntry())
	ctx := context.Background()

	if err := w.Print(ctx); err == nil {
		t.Error("expected Print to fail before any session exists")
	}
	if _, err := w.SetImages(ctx, []Image{testImage(1)}); err == nil {
		t.Error("expected SetImages to fail before a film box exists")
	}
	if err := w.Delete(ctx); err == nil {
		t.Error("expected Delete to fail with no session")
	}
}
