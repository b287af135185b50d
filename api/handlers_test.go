package api

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/dicomtools/printnet/printq"
)

func testLogEntry() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

func newTestRouter() (*gin.Engine, *printq.Queue, *printq.Registry) {
	gin.SetMode(gin.TestMode)
	// The queue is never started, so submitted jobs stay queued and the
	// handlers' view is deterministic.
	queue := printq.NewQueue(nil, nil, printq.QueueConfig{}, testLogEntry())
	printers := printq.NewRegistry(nil, time.Minute, testLogEntry())
	printers.Register(printq.Printer{
		Name:    "laser1",
		Addr:    "127.0.0.1:10104",
		AETitle: "PRINTSCP",
		Default: true,
		Capabilities: printq.Capabilities{
			FilmSizes: []string{"8INX10IN"},
			MaxCopies: 5,
		},
	})
	return NewRouter(queue, printers, nil, testLogEntry()), queue, printers
}

func submitBody() []byte {
	pixels := base64.StdEncoding.EncodeToString(make([]byte, 256))
	body, _ := json.Marshal(map[string]interface{}{
		"priority": "HIGH",
		"copies":   1,
		"filmSize": "8INX10IN",
		"layout":   `STANDARD\1,1`,
		"images": []map[string]interface{}{
			{"position": 1, "rows": 16, "columns": 16, "pixelData": pixels},
		},
	})
	return body
}

func doRequest(router *gin.Engine, method, path string, body []byte) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	return w
}

func TestSubmitAndQueryJob(t *testing.T) {
	router, _, _ := newTestRouter()

	w := doRequest(router, http.MethodPost, "/api/v1/jobs", submitBody())
	if w.Code != http.StatusAccepted {
		t.Fatalf("submit status = %d, body %s", w.Code, w.Body.String())
	}
	var submitted struct {
		JobID int64 `json:"jobId"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &submitted); err != nil {
		t.Fatalf("bad submit response: %v", err)
	}

	w = doRequest(router, http.MethodGet, fmt.Sprintf("/api/v1/jobs/%d", submitted.JobID), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
	var job struct {
		State    string `json:"state"`
		Position int    `json:"position"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &job); err != nil {
		t.Fatalf("bad job response: %v", err)
	}
	if job.State != "Queued" || job.Position != 1 {
		t.Errorf("job = %+v, want Queued at position 1", job)
	}
}

func TestSubmitJobValidation(t *testing.T) {
	router, _, _ := newTestRouter()

	w := doRequest(router, http.MethodPost, "/api/v1/jobs", []byte(`{"priority":"URGENT","images":[]}`))
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad priority status = %d, want 400", w.Code)
	}

	body, _ := json.Marshal(map[string]interface{}{
		"layout": "FREEFORM",
		"images": []map[string]interface{}{
			{"position": 1, "rows": 16, "columns": 16, "pixelData": "AAAA"},
		},
	})
	w = doRequest(router, http.MethodPost, "/api/v1/jobs", body)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad layout status = %d, want 400", w.Code)
	}
}

func TestCancelJob(t *testing.T) {
	router, _, _ := newTestRouter()

	w := doRequest(router, http.MethodPost, "/api/v1/jobs", submitBody())
	var submitted struct {
		JobID int64 `json:"jobId"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &submitted); err != nil {
		t.Fatalf("bad submit response: %v", err)
	}

	path := fmt.Sprintf("/api/v1/jobs/%d", submitted.JobID)
	if w = doRequest(router, http.MethodDelete, path, nil); w.Code != http.StatusOK {
		t.Fatalf("cancel status = %d", w.Code)
	}
	if w = doRequest(router, http.MethodDelete, path, nil); w.Code != http.StatusConflict {
		t.Errorf("second cancel status = %d, want 409", w.Code)
	}
}

func TestListPrinters(t *testing.T) {
	router, _, _ := newTestRouter()

	w := doRequest(router, http.MethodGet, "/api/v1/printers", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("printers status = %d", w.Code)
	}
	var resp struct {
		Printers []struct {
			Name      string `json:"name"`
			Available bool   `json:"available"`
		} `json:"printers"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad printers response: %v", err)
	}
	if len(resp.Printers) != 1 || resp.Printers[0].Name != "laser1" || !resp.Printers[0].Available {
		t.Errorf("printers = %+v, want available laser1", resp.Printers)
	}
}

func TestJobHistoryWithoutJournal(t *testing.T) {
	router, _, _ := newTestRouter()

	w := doRequest(router, http.MethodGet, "/api/v1/jobs/history", nil)
	if w.Code != http.StatusNotImplemented {
		t.Errorf("history status = %d, want 501 without a journal", w.Code)
	}
}

func TestHealthz(t *testing.T) {
	router, _, _ := newTestRouter()
	if w := doRequest(router, http.MethodGet, "/healthz", nil); w.Code != http.StatusOK {
		t.Errorf("healthz status = %d", w.Code)
	}
}
