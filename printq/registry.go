package printq

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Capabilities describes what a printer can produce.
type Capabilities struct {
	FilmSizes []string
	Color     bool
	MaxCopies int
}

// Requirements is what a job needs from a printer. Zero values mean no
// constraint.
type Requirements struct {
	FilmSize string
	Color    bool
	Copies   int
}

func (c Capabilities) satisfies(r Requirements) bool {
	if r.Color && !c.Color {
		return false
	}
	if r.Copies > 0 && c.MaxCopies > 0 && r.Copies > c.MaxCopies {
		return false
	}
	if r.FilmSize != "" {
		found := false
		for _, size := range c.FilmSizes {
			if size == r.FilmSize {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Printer identifies a remote print SCP.
type Printer struct {
	Name         string
	Addr         string
	AETitle      string
	Default      bool
	Capabilities Capabilities
}

// PrinterStatus is a registry snapshot entry.
type PrinterStatus struct {
	Printer
	Available bool
	LastSeen  time.Time
	LastErr   string
}

type printerRecord struct {
	printer   Printer
	available bool
	lastSeen  time.Time
	lastErr   string
}

// Prober checks whether a printer answers. The connector implements it with
// a C-ECHO over a short-lived association.
type Prober interface {
	Probe(ctx context.Context, printer Printer) error
}

// Registry tracks known printers and their availability. Unavailable
// printers are skipped by Select and re-probed by Run until they answer.
type Registry struct {
	prober   Prober
	interval time.Duration
	log      *logrus.Entry

	mu      sync.Mutex
	records map[string]*printerRecord
	order   []string
}

// NewRegistry creates a registry. prober may be nil, in which case printers
// keep whatever availability the callers report.
func NewRegistry(prober Prober, probeInterval time.Duration, log *logrus.Entry) *Registry {
	if probeInterval == 0 {
		probeInterval = 30 * time.Second
	}
	return &Registry{
		prober:   prober,
		interval: probeInterval,
		log:      log,
		records:  make(map[string]*printerRecord),
	}
}

// SetProber installs the availability prober. The connector is built
// against the registry, so probing is wired up after construction.
func (r *Registry) SetProber(p Prober) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prober = p
}

// Register adds or replaces a printer. New printers start available and are
// corrected by the first probe.
func (r *Registry) Register(p Printer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[p.Name]; !ok {
		r.order = append(r.order, p.Name)
	}
	r.records[p.Name] = &printerRecord{printer: p, available: true, lastSeen: time.Now()}
}

// Get looks up a printer by name regardless of availability.
func (r *Registry) Get(name string) (Printer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[name]
	if !ok {
		return Printer{}, false
	}
	return rec.printer, true
}

// MarkUnavailable records a delivery failure so Select skips the printer
// until a probe succeeds.
func (r *Registry) MarkUnavailable(name string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[name]
	if !ok {
		return
	}
	rec.available = false
	if err != nil {
		rec.lastErr = err.Error()
	}
	r.log.WithError(err).WithField("printer", name).Warn("Printer marked unavailable")
}

// MarkAvailable records a successful contact.
func (r *Registry) MarkAvailable(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[name]
	if !ok {
		return
	}
	rec.available = true
	rec.lastSeen = time.Now()
	rec.lastErr = ""
}

// Select picks an available printer matching the requirements. The default
// printer wins when it qualifies; otherwise registration order decides.
func (r *Registry) Select(req Requirements) (Printer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var fallback *printerRecord
	for _, name := range r.order {
		rec := r.records[name]
		if !rec.available || !rec.printer.Capabilities.satisfies(req) {
			continue
		}
		if rec.printer.Default {
			return rec.printer, nil
		}
		if fallback == nil {
			fallback = rec
		}
	}
	if fallback != nil {
		return fallback.printer, nil
	}
	return Printer{}, fmt.Errorf("printq: no available printer satisfies the request")
}

// Snapshot lists every registered printer with its availability.
func (r *Registry) Snapshot() []PrinterStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]PrinterStatus, 0, len(r.records))
	for _, name := range r.order {
		rec := r.records[name]
		out = append(out, PrinterStatus{
			Printer:   rec.printer,
			Available: rec.available,
			LastSeen:  rec.lastSeen,
			LastErr:   rec.lastErr,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Run probes every printer on a fixed interval until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) {
	r.mu.Lock()
	prober := r.prober
	r.mu.Unlock()
	if prober == nil {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.probeAll(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (r *Registry) probeAll(ctx context.Context) {
	r.mu.Lock()
	prober := r.prober
	printers := make([]Printer, 0, len(r.records))
	for _, name := range r.order {
		printers = append(printers, r.records[name].printer)
	}
	r.mu.Unlock()
	if prober == nil {
		return
	}

	for _, p := range printers {
		probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := prober.Probe(probeCtx, p)
		cancel()
		if err != nil {
			r.MarkUnavailable(p.Name, err)
			continue
		}
		r.MarkAvailable(p.Name)
	}
}
