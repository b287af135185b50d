package services

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/grailbio/go-dicom"
	"github.com/grailbio/go-dicom/dicomtag"
	"github.com/sirupsen/logrus"

	"github.com/dicomtools/printnet/assoc"
	"github.com/dicomtools/printnet/codec"
	"github.com/dicomtools/printnet/print"
	"github.com/dicomtools/printnet/types"
)

// PrintService implements the Basic Grayscale Print Management meta SOP
// class as an SCP. Film sessions live in handler memory and are scoped to
// their association; a print job advances to DONE after one PRINTING poll,
// which stands in for a marking engine.
type PrintService struct {
	printerName string
	seq         uint64
}

// NewPrintService creates the print SCP service. printerName is reported in
// the printer status object.
func NewPrintService(printerName string) *PrintService {
	if printerName == "" {
		printerName = "PRINTNET"
	}
	return &PrintService{printerName: printerName}
}

func (s *PrintService) AbstractSyntaxes() []string {
	return []string{
		types.BasicGrayscalePrintManagementMetaSOP,
		types.PrintJobSOPClass,
	}
}

func (s *PrintService) NewHandler(log *logrus.Entry) Handler {
	return &printHandler{
		service:   s,
		uidPrefix: fmt.Sprintf("%s.%d", assoc.ImplementationClassUID, atomic.AddUint64(&s.seq, 1)),
		log:       log,
		sessions:  make(map[string]*filmSession),
		boxOwner:  make(map[string]*filmBox),
		jobs:      make(map[string]*printJob),
	}
}

type filmSession struct {
	uid    string
	copies int
	boxes  map[string]*filmBox
}

type filmBox struct {
	uid        string
	session    *filmSession
	imageBoxes []string
	imagesSet  map[string]bool
	job        *printJob
}

type printJob struct {
	uid   string
	box   *filmBox
	polls int
}

func (j *printJob) status() string {
	switch {
	case j.polls == 0:
		return print.ExecutionPending
	case j.polls == 1:
		return print.ExecutionPrinting
	default:
		return print.ExecutionDone
	}
}

// printing reports whether the job has not yet reached DONE.
func (j *printJob) printing() bool { return j.polls < 2 }

// printHandler holds one association's print state. It runs on the
// association's read loop, so no locking.
type printHandler struct {
	service   *PrintService
	uidPrefix string
	log       *logrus.Entry
	uidSeq    int

	sessions map[string]*filmSession
	boxOwner map[string]*filmBox // image box uid -> owning film box
	jobs     map[string]*printJob
}

func (h *printHandler) newUID() string {
	h.uidSeq++
	return fmt.Sprintf("%s.%d", h.uidPrefix, h.uidSeq)
}

func (h *printHandler) Handle(_ context.Context, pc assoc.AcceptedContext, msg *types.Message, data []byte) (*types.Message, []byte, error) {
	switch msg.CommandField {
	case types.NCreateRQ:
		return h.create(pc, msg, data)
	case types.NSetRQ:
		return h.set(pc, msg, data)
	case types.NActionRQ:
		return h.action(pc, msg)
	case types.NGetRQ:
		return h.get(pc, msg)
	case types.NDeleteRQ:
		return h.delete(msg)
	default:
		return reply(msg, types.StatusUnrecognizedOperation), nil, nil
	}
}

func (h *printHandler) decode(pc assoc.AcceptedContext, data []byte) ([]*dicom.Element, error) {
	if len(data) == 0 {
		return nil, nil
	}
	return codec.Decode(data, pc.TransferSyntax)
}

// reply builds a datasetless response for requests addressed by Requested
// SOP class and instance.
func reply(msg *types.Message, status uint16) *types.Message {
	sopClass := msg.AffectedSOPClassUID
	if sopClass == "" {
		sopClass = msg.RequestedSOPClassUID
	}
	return &types.Message{
		CommandField:              types.ResponseCommandFor(msg.CommandField),
		MessageIDBeingRespondedTo: msg.MessageID,
		AffectedSOPClassUID:       sopClass,
		AffectedSOPInstanceUID:    msg.RequestedSOPInstanceUID,
		CommandDataSetType:        types.DataSetNull,
		Status:                    status,
	}
}

func response(msg *types.Message, status uint16, instanceUID string) *types.Message {
	return &types.Message{
		CommandField:              types.ResponseCommandFor(msg.CommandField),
		MessageIDBeingRespondedTo: msg.MessageID,
		AffectedSOPClassUID:       msg.AffectedSOPClassUID,
		AffectedSOPInstanceUID:    instanceUID,
		CommandDataSetType:        types.DataSetNull,
		Status:                    status,
	}
}

func withDataset(msg *types.Message) *types.Message {
	msg.CommandDataSetType = types.DataSetPresent
	return msg
}

func (h *printHandler) create(pc assoc.AcceptedContext, msg *types.Message, data []byte) (*types.Message, []byte, error) {
	attrs, err := h.decode(pc, data)
	if err != nil {
		return nil, nil, err
	}
	switch msg.AffectedSOPClassUID {
	case types.BasicFilmSessionSOPClass:
		return h.createSession(msg, attrs)
	case types.BasicFilmBoxSOPClass:
		return h.createFilmBox(pc, msg, attrs)
	default:
		return reply(msg, types.StatusSOPClassNotSupported), nil, nil
	}
}

func (h *printHandler) createSession(msg *types.Message, attrs []*dicom.Element) (*types.Message, []byte, error) {
	copies := 1
	if v := codec.StringOrDefault(attrs, dicomtag.NumberOfCopies, ""); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return response(msg, types.StatusInvalidAttributeValue, ""), nil, nil
		}
		copies = n
	}
	session := &filmSession{
		uid:    h.newUID(),
		copies: copies,
		boxes:  make(map[string]*filmBox),
	}
	h.sessions[session.uid] = session
	h.log.WithFields(logrus.Fields{"sessionUID": session.uid, "copies": copies}).
		Info("Film session created")
	return response(msg, types.StatusSuccess, session.uid), nil, nil
}

func (h *printHandler) createFilmBox(pc assoc.AcceptedContext, msg *types.Message, attrs []*dicom.Element) (*types.Message, []byte, error) {
	sessionUIDs := codec.ReferencedInstanceUIDs(attrs, dicomtag.ReferencedFilmSessionSequence)
	if len(sessionUIDs) != 1 {
		return response(msg, types.StatusInvalidAttributeValue, ""), nil, nil
	}
	session, ok := h.sessions[sessionUIDs[0]]
	if !ok {
		return response(msg, types.StatusNoSuchObjectInstance, ""), nil, nil
	}
	format, err := codec.FindString(attrs, dicomtag.ImageDisplayFormat)
	if err != nil {
		return response(msg, types.StatusInvalidAttributeValue, ""), nil, nil
	}
	columns, rows, err := print.ParseImageDisplayFormat(format)
	if err != nil {
		return response(msg, types.StatusInvalidAttributeValue, ""), nil, nil
	}

	box := &filmBox{
		uid:       h.newUID(),
		session:   session,
		imagesSet: make(map[string]bool),
	}
	references := make([][]*dicom.Element, 0, columns*rows)
	for i := 0; i < columns*rows; i++ {
		uid := h.newUID()
		box.imageBoxes = append(box.imageBoxes, uid)
		h.boxOwner[uid] = box
		references = append(references, codec.SOPReference(types.BasicGrayscaleImageBoxSOPClass, uid))
	}
	session.boxes[box.uid] = box

	respData, err := codec.Encode([]*dicom.Element{
		codec.Sequence(dicomtag.ReferencedImageBoxSequence, references...),
	}, pc.TransferSyntax)
	if err != nil {
		return nil, nil, err
	}
	h.log.WithFields(logrus.Fields{
		"filmBoxUID": box.uid,
		"layout":     format,
	}).Info("Film box created")
	return withDataset(response(msg, types.StatusSuccess, box.uid)), respData, nil
}

func (h *printHandler) set(pc assoc.AcceptedContext, msg *types.Message, data []byte) (*types.Message, []byte, error) {
	if msg.RequestedSOPClassUID != types.BasicGrayscaleImageBoxSOPClass {
		return reply(msg, types.StatusSOPClassNotSupported), nil, nil
	}
	box, ok := h.boxOwner[msg.RequestedSOPInstanceUID]
	if !ok {
		return reply(msg, types.StatusNoSuchObjectInstance), nil, nil
	}
	attrs, err := h.decode(pc, data)
	if err != nil {
		return nil, nil, err
	}
	if !validImageModule(attrs) {
		return reply(msg, types.StatusDataSetDoesNotMatchSOP), nil, nil
	}
	box.imagesSet[msg.RequestedSOPInstanceUID] = true
	return reply(msg, types.StatusSuccess), nil, nil
}

// validImageModule checks the grayscale image sequence for a coherent pixel
// module: dimensions present and pixel data of the announced size.
func validImageModule(attrs []*dicom.Element) bool {
	for _, element := range attrs {
		if element.Tag != dicomtag.BasicGrayscaleImageSequence {
			continue
		}
		for _, item := range codec.SequenceItems(element) {
			rows, err := codec.FindUint16(item, dicomtag.Rows)
			if err != nil || rows == 0 {
				return false
			}
			columns, err := codec.FindUint16(item, dicomtag.Columns)
			if err != nil || columns == 0 {
				return false
			}
			bitsAllocated, err := codec.FindUint16(item, dicomtag.BitsAllocated)
			if err != nil || bitsAllocated%8 != 0 || bitsAllocated == 0 {
				return false
			}
			pixels, ok := pixelBytes(item)
			if !ok {
				return false
			}
			if len(pixels) != int(rows)*int(columns)*int(bitsAllocated)/8 {
				return false
			}
		}
		return true
	}
	return false
}

func pixelBytes(item []*dicom.Element) ([]byte, bool) {
	for _, e := range item {
		if e.Tag == dicomtag.PixelData {
			return codec.PixelBytes(e)
		}
	}
	return nil, false
}

func (h *printHandler) action(pc assoc.AcceptedContext, msg *types.Message) (*types.Message, []byte, error) {
	if msg.RequestedSOPClassUID != types.BasicFilmBoxSOPClass {
		return reply(msg, types.StatusSOPClassNotSupported), nil, nil
	}
	if msg.ActionTypeID == nil || *msg.ActionTypeID != 1 {
		return reply(msg, types.StatusNoSuchActionType), nil, nil
	}
	var box *filmBox
	for _, session := range h.sessions {
		if b, ok := session.boxes[msg.RequestedSOPInstanceUID]; ok {
			box = b
			break
		}
	}
	if box == nil {
		return reply(msg, types.StatusNoSuchObjectInstance), nil, nil
	}

	job := &printJob{uid: h.newUID(), box: box}
	box.job = job
	h.jobs[job.uid] = job

	status := uint16(types.StatusSuccess)
	if len(box.imagesSet) == 0 {
		status = types.StatusFilmBoxEmptyPageWarning
	}
	respData, err := codec.Encode([]*dicom.Element{
		codec.Sequence(dicomtag.Tag{Group: 0x2100, Element: 0x0500},
			codec.SOPReference(types.PrintJobSOPClass, job.uid)),
	}, pc.TransferSyntax)
	if err != nil {
		return nil, nil, err
	}
	h.log.WithFields(logrus.Fields{
		"filmBoxUID":  box.uid,
		"printJobUID": job.uid,
		"images":      len(box.imagesSet),
	}).Info("Print action accepted")
	resp := reply(msg, status)
	return withDataset(resp), respData, nil
}

func (h *printHandler) get(pc assoc.AcceptedContext, msg *types.Message) (*types.Message, []byte, error) {
	switch msg.RequestedSOPClassUID {
	case types.PrintJobSOPClass:
		return h.getJob(pc, msg)
	case types.PrinterSOPClass:
		return h.getPrinter(pc, msg)
	default:
		return reply(msg, types.StatusSOPClassNotSupported), nil, nil
	}
}

func (h *printHandler) getJob(pc assoc.AcceptedContext, msg *types.Message) (*types.Message, []byte, error) {
	job, ok := h.jobs[msg.RequestedSOPInstanceUID]
	if !ok {
		return reply(msg, types.StatusNoSuchObjectInstance), nil, nil
	}
	job.polls++
	status := job.status()
	respData, err := codec.Encode([]*dicom.Element{
		codec.NewElement(dicomtag.ExecutionStatus, status),
		codec.NewElement(dicomtag.ExecutionStatusInfo, "NORMAL"),
	}, pc.TransferSyntax)
	if err != nil {
		return nil, nil, err
	}
	return withDataset(reply(msg, types.StatusSuccess)), respData, nil
}

func (h *printHandler) getPrinter(pc assoc.AcceptedContext, msg *types.Message) (*types.Message, []byte, error) {
	if msg.RequestedSOPInstanceUID != types.PrinterSOPInstance {
		return reply(msg, types.StatusNoSuchObjectInstance), nil, nil
	}
	respData, err := codec.Encode([]*dicom.Element{
		codec.NewElement(dicomtag.PrinterStatus, "NORMAL"),
		codec.NewElement(dicomtag.PrinterStatusInfo, "NORMAL"),
		codec.NewElement(dicomtag.PrinterName, h.service.printerName),
	}, pc.TransferSyntax)
	if err != nil {
		return nil, nil, err
	}
	return withDataset(reply(msg, types.StatusSuccess)), respData, nil
}

func (h *printHandler) delete(msg *types.Message) (*types.Message, []byte, error) {
	switch msg.RequestedSOPClassUID {
	case types.BasicFilmSessionSOPClass:
		session, ok := h.sessions[msg.RequestedSOPInstanceUID]
		if !ok {
			return reply(msg, types.StatusNoSuchObjectInstance), nil, nil
		}
		for _, box := range session.boxes {
			if box.job != nil && box.job.printing() {
				return reply(msg, types.StatusProcessingFailure), nil, nil
			}
		}
		for _, box := range session.boxes {
			h.dropBox(box)
		}
		delete(h.sessions, session.uid)
		h.log.WithField("sessionUID", session.uid).Info("Film session deleted")
		return reply(msg, types.StatusSuccess), nil, nil
	case types.BasicFilmBoxSOPClass:
		for _, session := range h.sessions {
			box, ok := session.boxes[msg.RequestedSOPInstanceUID]
			if !ok {
				continue
			}
			if box.job != nil && box.job.printing() {
				return reply(msg, types.StatusProcessingFailure), nil, nil
			}
			h.dropBox(box)
			delete(session.boxes, box.uid)
			return reply(msg, types.StatusSuccess), nil, nil
		}
		return reply(msg, types.StatusNoSuchObjectInstance), nil, nil
	default:
		return reply(msg, types.StatusSOPClassNotSupported), nil, nil
	}
}

func (h *printHandler) dropBox(box *filmBox) {
	for _, uid := range box.imageBoxes {
		delete(h.boxOwner, uid)
	}
	if box.job != nil {
		delete(h.jobs, box.job.uid)
	}
}
