// Command printd runs the DICOM print daemon: a print SCP listener, the
// outbound print queue with its admin HTTP API, and an optional job
// journal.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/mattn/go-colorable"
	"github.com/sirupsen/logrus"
	"github.com/snowzach/rotatefilehook"

	"github.com/dicomtools/printnet/api"
	"github.com/dicomtools/printnet/assoc"
	"github.com/dicomtools/printnet/config"
	"github.com/dicomtools/printnet/history"
	"github.com/dicomtools/printnet/printq"
	"github.com/dicomtools/printnet/server"
	"github.com/dicomtools/printnet/services"
)

var (
	listenFlag  = flag.String("listen", "", "DICOM listen address, overrides LISTEN_ADDRESS")
	aeFlag      = flag.String("ae", "", "AE title of this server, overrides AE_TITLE")
	adminFlag   = flag.String("admin", "", "admin API listen address, overrides ADMIN_ADDRESS")
	logFlag     = flag.String("log", "", "logfile, overrides LOG_FILE")
	printerFlag printerSpecs
)

// printerSpecs collects repeated -printer flags of the form
// NAME,HOST:PORT,AETITLE[,default].
type printerSpecs []printq.Printer

func (p *printerSpecs) String() string {
	names := make([]string, len(*p))
	for i, printer := range *p {
		names[i] = printer.Name
	}
	return strings.Join(names, ",")
}

func (p *printerSpecs) Set(value string) error {
	parts := strings.Split(value, ",")
	if len(parts) < 3 {
		return fmt.Errorf("printer spec %q, want NAME,HOST:PORT,AETITLE[,default]", value)
	}
	printer := printq.Printer{
		Name:    parts[0],
		Addr:    parts[1],
		AETitle: parts[2],
		Capabilities: printq.Capabilities{
			FilmSizes: []string{"8INX10IN", "14INX17IN"},
			MaxCopies: 10,
		},
	}
	if len(parts) > 3 && parts[3] == "default" {
		printer.Default = true
	}
	*p = append(*p, printer)
	return nil
}

func logInit(filename string, debug bool) {
	logLevel := logrus.InfoLevel
	if debug {
		logLevel = logrus.DebugLevel
	}
	rotateFileHook, err := rotatefilehook.NewRotateFileHook(rotatefilehook.RotateFileConfig{
		Filename:   filename,
		MaxSize:    10,
		MaxBackups: 3,
		MaxAge:     7,
		Level:      logLevel,
		Formatter: &logrus.JSONFormatter{
			TimestampFormat: "2006-01-02 15:04:05",
		},
	})
	if err != nil {
		logrus.Fatalf("Failed to initialize file rotate hook: %v", err)
	}

	logrus.SetLevel(logLevel)
	logrus.SetOutput(colorable.NewColorableStdout())
	logrus.SetFormatter(&logrus.TextFormatter{
		ForceColors:     true,
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	logrus.AddHook(rotateFileHook)
}

func main() {
	flag.Var(&printerFlag, "printer", "printer as NAME,HOST:PORT,AETITLE[,default], repeatable")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}
	if *listenFlag != "" {
		cfg.ListenAddress = *listenFlag
	}
	if *aeFlag != "" {
		cfg.AETitle = *aeFlag
	}
	if *adminFlag != "" {
		cfg.AdminAddress = *adminFlag
	}
	if *logFlag != "" {
		cfg.LogFile = *logFlag
	}

	logInit(cfg.LogFile, cfg.Debug)
	log := logrus.NewEntry(logrus.StandardLogger())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var tlsConfig *assoc.TLSConfig
	if cfg.TLSCertFile != "" {
		tlsConfig = &assoc.TLSConfig{
			Mode:     cfg.TLSMode,
			CertFile: cfg.TLSCertFile,
			KeyFile:  cfg.TLSKeyFile,
			CAFile:   cfg.TLSCAFile,
		}
	}

	// Outbound side: printer registry, connector, queue.
	printers := printq.NewRegistry(nil, cfg.ProbeInterval, log)
	connector := printq.NewConnector(printers, printq.ConnectorConfig{
		CallingAETitle:  cfg.CallingAETitle,
		TLS:             tlsConfig,
		ResponseTimeout: cfg.ResponseTimeout,
	}, log)
	printers.SetProber(connector)
	for _, p := range printerFlag {
		printers.Register(p)
		log.WithFields(logrus.Fields{"printer": p.Name, "addr": p.Addr}).Info("Printer registered")
	}

	var journal *history.Store
	if cfg.DatabaseDSN != "" {
		journal, err = history.NewStore(ctx, cfg.DatabaseDSN, log)
		if err != nil {
			logrus.Fatalf("Failed to open job journal: %v", err)
		}
		defer journal.Close()
	}

	var queueJournal printq.Journal
	var apiJournal api.Journal
	if journal != nil {
		queueJournal = journal
		apiJournal = journal
	}
	queue := printq.NewQueue(connector, queueJournal, printq.QueueConfig{
		MaxAttempts: cfg.MaxAttempts,
		BaseBackoff: cfg.BaseBackoff,
		MaxBackoff:  cfg.MaxBackoff,
		HistorySize: cfg.HistorySize,
	}, log)

	// Inbound side: the print SCP.
	registry := services.NewRegistry(log)
	registry.Register(services.NewEchoService())
	registry.Register(services.NewPrintService(cfg.AETitle))

	serverOpts := []server.Option{
		server.WithLogger(log),
		server.WithIdleTimeout(cfg.IdleTimeout),
	}
	if cfg.RequireCalledAE {
		serverOpts = append(serverOpts, server.WithRequireCalledAE())
	}
	if tlsConfig != nil {
		serverOpts = append(serverOpts, server.WithTLS(tlsConfig))
	}

	admin := &http.Server{
		Addr:    cfg.AdminAddress,
		Handler: api.NewRouter(queue, printers, apiJournal, log),
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		queue.Run(ctx)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		printers.Run(ctx)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		err := server.ListenAndServe(ctx, cfg.ListenAddress, cfg.AETitle, registry, serverOpts...)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.WithError(err).Error("DICOM server stopped")
			stop()
		}
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.WithField("address", cfg.AdminAddress).Info("Admin API listening")
		if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("Admin API stopped")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := admin.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("Admin API shutdown failed")
	}
	wg.Wait()
}
