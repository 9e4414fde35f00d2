package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"

	"github.com/spoolease/core/internal/events"
	"github.com/spoolease/core/internal/fetch"
	"github.com/spoolease/core/internal/kcal"
	"github.com/spoolease/core/internal/kvstore"
	"github.com/spoolease/core/internal/mqttliaison"
	"github.com/spoolease/core/internal/nfc"
	"github.com/spoolease/core/internal/observerhub"
	"github.com/spoolease/core/internal/spoolstore"
)

// jobCanceler tracks job numbers canceled by a broadcast "cancel" signal
// (spec.md §5 "Cancellation semantics"), checked by the fetch pipeline
// between I/O quanta.
type jobCanceler struct {
	mu       sync.Mutex
	canceled map[uint64]bool
}

func newJobCanceler() *jobCanceler {
	return &jobCanceler{canceled: make(map[uint64]bool)}
}

func (c *jobCanceler) Cancel(jobNumber uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.canceled[jobNumber] = true
}

func (c *jobCanceler) IsCanceled(jobNumber uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.canceled[jobNumber]
}

func main() {
	configPath := flag.String("config", "spoolease.yaml", "path to appliance configuration file")
	flag.Parse()

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	log.Printf("SpoolEase core starting")
	log.Printf("Debug console: %s", cfg.ListenAddr())

	bus := events.NewBus()

	// Spool record store (C7): content-addressed CSV-on-disk database.
	store, err := spoolstore.Open(cfg.Store.SpoolDBName)
	if err != nil {
		log.Fatalf("Failed to open spool store %s: %v", cfg.Store.SpoolDBName, err)
	}
	log.Printf("Spool store: %s.db / %s.dbm", cfg.Store.SpoolDBName, cfg.Store.SpoolDBName)

	// Flat key/value store (spec.md §6: _printers_, _default_printer_, etc).
	kv, err := kvstore.Open(cfg.Store.KVPath)
	if err != nil {
		log.Fatalf("Failed to open key/value store %s: %v", cfg.Store.KVPath, err)
	}
	log.Printf("Key/value store: %s", cfg.Store.KVPath)

	// K-factor calibration tree (printer -> extruder -> diameter -> nozzle).
	kcalTree := kcal.New()
	if raw, ok := kv.Get(kvstore.KeyUserCores); ok {
		if encoded, ok := raw.(string); ok {
			if err := json.Unmarshal([]byte(encoded), kcalTree); err != nil {
				log.Printf("Failed to parse stored K-factor tree: %v", err)
			}
		}
	}

	// Debug observer console: relays internal/events to any connected
	// local client over a websocket (spec.md §5/§9 "debug observer
	// console"); deliberately not the companion server's CRUD/REST
	// surface, which is out of scope.
	hub := observerhub.New()
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.Serve)
	httpServer := &http.Server{Addr: cfg.ListenAddr(), Handler: mux}

	stopCh := make(chan struct{})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		hub.Run(bus, stopCh)
	}()

	go func() {
		log.Printf("Debug console listening on %s", cfg.ListenAddr())
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("Debug console error: %v", err)
		}
	}()

	// NFC Operation Arbiter (C5): single-target read/write/erase/emulate
	// state machine over the PN532-class frontend reached via SPI+IRQ.
	arbiter, frontendErr := buildNFCArbiter(cfg.NFC, bus, store)
	if frontendErr != nil {
		log.Printf("WARNING: NFC frontend unavailable (%v); tag operations disabled", frontendErr)
	} else {
		wg.Add(1)
		go func() {
			defer wg.Done()
			arbiter.Run(stopCh)
		}()
	}

	// Printer MQTT Liaisons (C4), one supervised session per configured
	// printer, plus the Fetch Pipeline (C3) they trigger on job start.
	canceler := newJobCanceler()
	liaisons := make(map[string]*mqttliaison.Liaison, len(cfg.Printers))
	for _, pc := range cfg.Printers {
		liaisonCfg, err := buildLiaisonConfig(pc)
		if err != nil {
			log.Printf("WARNING: skipping printer %q: %v", pc.Name, err)
			continue
		}
		l := mqttliaison.New(liaisonCfg, bus)
		liaisons[pc.Name] = l

		wg.Add(1)
		go func(pc PrinterConfig, l *mqttliaison.Liaison) {
			defer wg.Done()
			l.Run(stopCh, nil)
		}(pc, l)

		log.Printf("Printer %q (%s, model=%s): liaison started (auto_restore_k=%v, track_print_consume=%v)",
			pc.Name, pc.IP, pc.Model, pc.AutoRestoreKOrDefault(), pc.TrackPrintConsumeOrDefault())
	}

	// Subscribe to job-started events and fan each one out to the fetch
	// pipeline (spec.md §2 data flow): "Printer publishes a print job ->
	// C4 emits a job-started event ... -> C3 opens the appropriate
	// transport, streams bytes into C1, whose output drives C2."
	jobEvents := bus.Subscribe(16)
	wg.Add(1)
	go func() {
		defer wg.Done()
		printerConfigByName := make(map[string]PrinterConfig, len(cfg.Printers))
		for _, pc := range cfg.Printers {
			printerConfigByName[pc.Name] = pc
		}
		for {
			select {
			case <-stopCh:
				return
			case ev, ok := <-jobEvents:
				if !ok {
					return
				}
				if ev.Kind != events.KindJobStarted {
					continue
				}
				started, ok := ev.Payload.(events.JobStarted)
				if !ok {
					continue
				}
				pc, known := printerConfigByName[ev.Printer]
				if !known {
					continue
				}
				pipeline := fetch.New(bus, func(jobNumber uint64) bool {
					return canceler.IsCanceled(jobNumber)
				})
				go func() {
					result, err := pipeline.Run(started.JobNumber, started.URL, pc.IP, fetch.FTPCredentials{
						User: pc.FTPUser,
						Pass: pc.FTPPass,
					})
					if err != nil {
						log.Printf("fetch[%s]: job %d failed: %v", pc.Name, started.JobNumber, err)
						return
					}
					log.Printf("fetch[%s]: job %d done (canceled=%v, %d filament(s))", pc.Name, started.JobNumber, result.Canceled, len(result.Usage))
					if !pc.TrackPrintConsumeOrDefault() {
						log.Printf("fetch[%s]: track_print_consume disabled, leaving spool records untouched", pc.Name)
						return
					}
					var grams float64
					for _, g := range result.Usage {
						grams += g
					}
					log.Printf("fetch[%s]: job %d consumed %.2fg total, ready to reconcile against the loaded spool's weight sensor", pc.Name, started.JobNumber, grams)
				}()
			}
		}
	}()

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("Received signal %v, shutting down...", sig)

	close(stopCh)

	if raw, err := json.Marshal(kcalTree); err == nil {
		if err := kv.Set(kvstore.KeyUserCores, string(raw)); err != nil {
			log.Printf("Failed to persist K-factor tree: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("Debug console shutdown error: %v", err)
	}

	wg.Wait()
	os.Exit(0)
}

// buildLiaisonConfig translates one PrinterConfig into the mqttliaison
// Config it needs, loading the model-specific TLS trust anchor(s) from
// the PEM paths named in YAML (spec.md §4.4/§6).
func buildLiaisonConfig(pc PrinterConfig) (mqttliaison.Config, error) {
	model := mqttliaison.Model(strings.ToLower(pc.Model))
	switch model {
	case mqttliaison.ModelBambuGeneral, mqttliaison.ModelP2S, mqttliaison.ModelH2C, mqttliaison.ModelSimulator:
	default:
		return mqttliaison.Config{}, fmt.Errorf("unknown printer model %q", pc.Model)
	}

	anchors, err := loadTrustAnchors(pc, model)
	if err != nil {
		return mqttliaison.Config{}, err
	}

	port := pc.Port
	if port == 0 {
		port = 8883
	}

	return mqttliaison.Config{
		Printer:      pc.Name,
		Host:         pc.IP,
		Port:         port,
		Model:        model,
		ClientID:     pc.ClientID,
		Username:     "bblp",
		Password:     []byte(pc.AccessCode),
		KeepAlive:    pc.KeepAlive(),
		Topics:       pc.Topics,
		TrustAnchors: anchors,
	}, nil
}

// loadTrustAnchors builds the tls.Config(s) for a printer's model from
// PEM CA bundle(s) named in config. The "simulator" model uses an
// insecure anchor (no real device, matching spec.md §4.4's "special
// server name and CA anchor" carve-out) unless a PEM is explicitly
// configured.
func loadTrustAnchors(pc PrinterConfig, model mqttliaison.Model) (mqttliaison.TrustAnchors, error) {
	if model == mqttliaison.ModelSimulator && pc.TrustAnchor.PrimaryPEMPath == "" {
		return mqttliaison.TrustAnchors{
			Primary: &tls.Config{InsecureSkipVerify: true, ServerName: "simulator"},
		}, nil
	}

	primary, err := loadCAPool(pc.TrustAnchor.PrimaryPEMPath)
	if err != nil {
		return mqttliaison.TrustAnchors{}, fmt.Errorf("primary trust anchor: %w", err)
	}
	anchors := mqttliaison.TrustAnchors{
		Primary: &tls.Config{RootCAs: primary, ServerName: pc.TrustAnchor.ServerName},
	}

	if model == mqttliaison.ModelP2S && pc.TrustAnchor.AlternatePEMPath != "" {
		alt, err := loadCAPool(pc.TrustAnchor.AlternatePEMPath)
		if err != nil {
			return mqttliaison.TrustAnchors{}, fmt.Errorf("alternate trust anchor: %w", err)
		}
		anchors.Alternate = &tls.Config{RootCAs: alt, ServerName: pc.TrustAnchor.ServerName}
	}

	return anchors, nil
}

func loadCAPool(pemPath string) (*x509.CertPool, error) {
	if pemPath == "" {
		return nil, fmt.Errorf("no trust anchor PEM configured")
	}
	raw, err := os.ReadFile(pemPath)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(raw) {
		return nil, fmt.Errorf("no certificates found in %s", pemPath)
	}
	return pool, nil
}

// buildNFCArbiter opens the configured SPI port and IRQ GPIO pin (via
// periph.io's host drivers, spec.md §4.5/§6 "NFC frontend transport"),
// wires a PN532 Frontend, and returns an Arbiter whose KnownTagChecker
// looks up scanned UIDs in the spool store.
func buildNFCArbiter(cfg NFCConfig, bus *events.Bus, store *spoolstore.Store) (*nfc.Arbiter, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("periph host init: %w", err)
	}

	port, err := spireg.Open(cfg.SPIPort)
	if err != nil {
		return nil, fmt.Errorf("opening SPI port %s: %w", cfg.SPIPort, err)
	}
	speed := physic.Frequency(cfg.SPISpeed) * physic.Hertz
	if cfg.SPISpeed <= 0 {
		speed = physic.MegaHertz
	}
	conn, err := port.Connect(int64(speed/physic.Hertz), 0, 8)
	if err != nil {
		return nil, fmt.Errorf("configuring SPI port %s: %w", cfg.SPIPort, err)
	}

	irq := gpioreg.ByName(cfg.IRQPin)
	if irq == nil {
		return nil, fmt.Errorf("unknown IRQ pin %q", cfg.IRQPin)
	}
	if err := irq.In(gpio.PullNoChange, gpio.Falling); err != nil {
		return nil, fmt.Errorf("configuring IRQ pin %s: %w", cfg.IRQPin, err)
	}

	frontend := nfc.NewFrontend(conn, irq)

	known := func(uidHex string) bool {
		for _, rec := range store.All() {
			if strings.EqualFold(rec.TagID, uidHex) {
				return true
			}
		}
		return false
	}

	return nfc.New(frontend, bus, known), nil
}
