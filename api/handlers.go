// Package api exposes the admin HTTP surface: submit and inspect print
// jobs, list printers, health checks.
package api

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/dicomtools/printnet/codec"
	"github.com/dicomtools/printnet/history"
	"github.com/dicomtools/printnet/print"
	"github.com/dicomtools/printnet/printq"
	"github.com/dicomtools/printnet/types"
)

// Journal is the optional persisted job history behind GET /jobs/history.
// Implemented by history.Store.
type Journal interface {
	RecentJobs(ctx context.Context, limit int) ([]history.JobRecord, error)
}

// Handler holds dependencies for the API handlers. journal may be nil.
type Handler struct {
	queue    *printq.Queue
	printers *printq.Registry
	journal  Journal
	log      *logrus.Entry
}

// NewHandler creates a new handler instance.
func NewHandler(queue *printq.Queue, printers *printq.Registry, journal Journal, log *logrus.Entry) *Handler {
	return &Handler{queue: queue, printers: printers, journal: journal, log: log}
}

// HealthCheck handles health check requests.
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type submitImage struct {
	Position int `json:"position" binding:"required"`
	// Raw pixel submission: dimensions plus base64 8 bit grayscale pixels.
	Rows      uint16 `json:"rows"`
	Columns   uint16 `json:"columns"`
	PixelData string `json:"pixelData"`
	// Alternatively a whole DICOM part-10 file, base64 encoded. The pixel
	// module is extracted from the dataset.
	DicomFile string `json:"dicomFile"`
}

func (img submitImage) toImage() (print.Image, error) {
	if img.DicomFile != "" {
		file, err := base64.StdEncoding.DecodeString(img.DicomFile)
		if err != nil {
			return print.Image{}, fmt.Errorf("invalid dicom file: %w", err)
		}
		elements, err := codec.ReadBytes(file)
		if err != nil {
			return print.Image{}, err
		}
		return print.ImageFromElements(elements, img.Position)
	}
	if img.Rows == 0 || img.Columns == 0 || img.PixelData == "" {
		return print.Image{}, fmt.Errorf("rows, columns and pixelData are required without dicomFile")
	}
	pixels, err := base64.StdEncoding.DecodeString(img.PixelData)
	if err != nil {
		return print.Image{}, fmt.Errorf("invalid pixel data: %w", err)
	}
	return print.Image{
		Position:      img.Position,
		Rows:          img.Rows,
		Columns:       img.Columns,
		BitsAllocated: 8,
		BitsStored:    8,
		HighBit:       7,
		PixelData:     pixels,
	}, nil
}

type submitJobRequest struct {
	Printer  string        `json:"printer"`
	Priority string        `json:"priority"` // HIGH, MED, LOW
	Copies   int           `json:"copies"`
	FilmSize string        `json:"filmSize"`
	Layout   string        `json:"layout"` // e.g. STANDARD\2,1
	Images   []submitImage `json:"images" binding:"required"`
}

func parsePriority(s string) (uint16, error) {
	switch s {
	case "", "MED", "MEDIUM":
		return types.PriorityMedium, nil
	case "HIGH":
		return types.PriorityHigh, nil
	case "LOW":
		return types.PriorityLow, nil
	default:
		return 0, fmt.Errorf("unknown priority %q", s)
	}
}

// SubmitJob enqueues a print job from a JSON payload.
func (h *Handler) SubmitJob(c *gin.Context) {
	var req submitJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	priority, err := parsePriority(req.Priority)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	layout := req.Layout
	if layout == "" {
		layout = `STANDARD\1,1`
	}
	if _, _, err := print.ParseImageDisplayFormat(layout); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	images := make([]print.Image, 0, len(req.Images))
	for _, img := range req.Images {
		image, err := img.toImage()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("position %d: %v", img.Position, err)})
			return
		}
		images = append(images, image)
	}

	jobID := h.queue.Enqueue(printq.Request{
		PrinterName:  req.Printer,
		Requirements: printq.Requirements{FilmSize: req.FilmSize, Copies: req.Copies},
		Priority:     priority,
		Session:      print.FilmSessionParams{NumberOfCopies: req.Copies},
		FilmBox:      print.FilmBoxParams{ImageDisplayFormat: layout, FilmSizeID: req.FilmSize},
		Images:       images,
	})
	c.JSON(http.StatusAccepted, gin.H{"jobId": jobID})
}

func jobJSON(st printq.Status) gin.H {
	out := gin.H{
		"jobId":    st.ID,
		"state":    st.State.String(),
		"attempts": st.Attempts,
	}
	if st.Position > 0 {
		out["position"] = st.Position
	}
	if st.Printer != "" {
		out["printer"] = st.Printer
	}
	if st.Err != "" {
		out["error"] = st.Err
	}
	return out
}

// ListJobs lists every job the queue still knows about.
func (h *Handler) ListJobs(c *gin.Context) {
	jobs := h.queue.Jobs()
	out := make([]gin.H, 0, len(jobs))
	for _, st := range jobs {
		out = append(out, jobJSON(st))
	}
	c.JSON(http.StatusOK, gin.H{"jobs": out})
}

// GetJob reports one job's status.
func (h *Handler) GetJob(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
		return
	}
	st, err := h.queue.Status(id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, jobJSON(st))
}

// CancelJob withdraws a queued job.
func (h *Handler) CancelJob(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
		return
	}
	if err := h.queue.Cancel(id); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobId": id, "state": printq.JobCancelled.String()})
}

// JobHistory returns journaled jobs from the database, newest first.
func (h *Handler) JobHistory(c *gin.Context) {
	if h.journal == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "job journal not configured"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	records, err := h.journal.RecentJobs(c.Request.Context(), limit)
	if err != nil {
		h.log.WithError(err).Error("Failed to query job history")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "job history unavailable"})
		return
	}
	out := make([]gin.H, 0, len(records))
	for _, rec := range records {
		entry := gin.H{
			"jobId":      rec.JobID,
			"printer":    rec.Printer,
			"state":      rec.State,
			"attempts":   rec.Attempts,
			"enqueuedAt": rec.EnqueuedAt.Format(time.RFC3339),
			"finishedAt": rec.FinishedAt.Format(time.RFC3339),
		}
		if rec.LastErr != "" {
			entry["error"] = rec.LastErr
		}
		out = append(out, entry)
	}
	c.JSON(http.StatusOK, gin.H{"jobs": out})
}

// ListPrinters reports the registry's printers and their availability.
func (h *Handler) ListPrinters(c *gin.Context) {
	snapshot := h.printers.Snapshot()
	out := make([]gin.H, 0, len(snapshot))
	for _, p := range snapshot {
		entry := gin.H{
			"name":      p.Name,
			"addr":      p.Addr,
			"aeTitle":   p.AETitle,
			"default":   p.Default,
			"available": p.Available,
			"filmSizes": p.Capabilities.FilmSizes,
			"color":     p.Capabilities.Color,
			"maxCopies": p.Capabilities.MaxCopies,
		}
		if !p.LastSeen.IsZero() {
			entry["lastSeen"] = p.LastSeen.Format(time.RFC3339)
		}
		if p.LastErr != "" {
			entry["lastError"] = p.LastErr
		}
		out = append(out, entry)
	}
	c.JSON(http.StatusOK, gin.H{"printers": out})
}
