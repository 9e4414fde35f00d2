// Package fetch implements the dual-transport fetch pipeline (spec.md
// §4.3, C3): pulls a 3MF over cloud HTTPS or printer FTPS, streams its
// G-code entry through internal/threemf and internal/gcodecalc, and
// surfaces periodic and final FilamentUsage snapshots to an observer,
// all while honoring cooperative cancellation by job number.
package fetch

import (
	"bufio"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/spoolease/core/internal/events"
	"github.com/spoolease/core/internal/ftps"
	"github.com/spoolease/core/internal/gcodecalc"
	"github.com/spoolease/core/internal/threemf"
)

// ErrCanceled is returned by Run when a Canceler reports the job as
// canceled mid-transfer.
var ErrCanceled = errors.New("fetch: canceled")

// Canceler is polled between I/O quanta; it reports whether jobNumber
// has been canceled via a broadcast cancel(job_number) message.
type Canceler func(jobNumber uint64) bool

// Result is the final outcome of a pipeline run.
type Result struct {
	Canceled bool
	Usage    map[int]float64 // filament id -> total grams
}

// Pipeline drives one fetch + extract + calculate run.
type Pipeline struct {
	bus      *events.Bus
	canceler Canceler
}

// New creates a Pipeline publishing snapshots to bus.
func New(bus *events.Bus, canceler Canceler) *Pipeline {
	return &Pipeline{bus: bus, canceler: canceler}
}

// FTPCredentials authenticates against a printer's FTPS server.
type FTPCredentials struct {
	User string
	Pass string
}

// Run fetches threemfURL (either an https:// cloud URL or a printer
// local-file URL resolved over FTPS against printerHost) and returns
// the accumulated filament usage.
func (p *Pipeline) Run(jobNumber uint64, threemfURL, printerHost string, creds FTPCredentials) (Result, error) {
	if p.bus != nil {
		p.bus.Publish(events.Event{Kind: events.KindJobStarted, At: time.Now(), Payload: events.JobStarted{JobNumber: jobNumber, URL: threemfURL}})
	}

	usage := make(map[int]float64)
	calc := gcodecalc.New(func(e gcodecalc.FilamentUsageEntry) {
		usage[e.FilamentID] += e.Grams
	})

	extractDone := make(chan error, 1)
	extractor := threemf.New("Metadata/plate_1.gcode", 32*1024, func(chunk []byte) bool {
		if err := calc.Feed(chunk); err != nil {
			extractDone <- err
			return false
		}
		return true
	})

	lastSnapshot := time.Now()
	onBodyChunk := func(chunk []byte) bool {
		if p.canceler != nil && p.canceler(jobNumber) {
			return false
		}
		status, err := extractor.Feed(chunk)
		if err != nil {
			extractDone <- err
			return false
		}
		if time.Since(lastSnapshot) > 60*time.Second {
			p.publishSnapshot(jobNumber, usage, false)
			lastSnapshot = time.Now()
		}
		return status != threemf.StreamEnded && status != threemf.OutputProcessorEnded
	}

	var transferErr error
	if strings.HasPrefix(threemfURL, "https://") || strings.HasPrefix(threemfURL, "http://") {
		transferErr = p.runHTTPS(threemfURL, onBodyChunk)
	} else {
		transferErr = p.runFTPS(threemfURL, printerHost, creds, onBodyChunk)
	}

	calc.Done()

	if transferErr == ErrCanceled || transferErr == ftps.ErrCanceled {
		if p.bus != nil {
			p.bus.Publish(events.Event{Kind: events.KindJobCanceled, At: time.Now(), Payload: events.JobCanceled{JobNumber: jobNumber}})
		}
		return Result{Canceled: true, Usage: usage}, nil
	}
	if transferErr != nil {
		return Result{}, transferErr
	}

	p.publishSnapshot(jobNumber, usage, true)
	return Result{Usage: usage}, nil
}

func (p *Pipeline) publishSnapshot(jobNumber uint64, usage map[int]float64, complete bool) {
	if p.bus == nil {
		return
	}
	cp := make(map[int]float64, len(usage))
	for k, v := range usage {
		cp[k] = v
	}
	p.bus.Publish(events.Event{
		Kind: events.KindFilamentUsage,
		At:   time.Now(),
		Payload: events.FilamentUsageSnapshot{
			JobNumber:  jobNumber,
			Complete:   complete,
			TotalGrams: cp,
		},
	})
}

// runHTTPS parses the URL, dials TLS directly (rather than using
// net/http) so the response body can be streamed into onChunk without
// buffering the whole file, following the same "minimal hand-rolled
// client over crypto/tls" approach as the FTPS side.
func (p *Pipeline) runHTTPS(rawURL string, onChunk func([]byte) bool) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("fetch: parse url: %w", err)
	}
	host := u.Hostname()
	port := u.Port()
	if port == "" {
		port = "443"
	}

	conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, port), 10*time.Second)
	if err != nil {
		return fmt.Errorf("fetch: dial: %w", err)
	}
	defer conn.Close()

	tlsConn := tls.Client(conn, &tls.Config{ServerName: host})
	if err := tlsConn.Handshake(); err != nil {
		return fmt.Errorf("fetch: tls handshake: %w", err)
	}

	path := u.RequestURI()
	req := fmt.Sprintf("GET %s HTTP/1.1\r\nHost: %s\r\nConnection: close\r\n\r\n", path, host)
	if _, err := tlsConn.Write([]byte(req)); err != nil {
		return fmt.Errorf("fetch: write request: %w", err)
	}

	reader := bufio.NewReader(tlsConn)
	statusLine, err := reader.ReadString('\n')
	if err != nil {
		return fmt.Errorf("fetch: read status line: %w", err)
	}
	if !strings.Contains(statusLine, "200") {
		return fmt.Errorf("fetch: unexpected response: %s", strings.TrimSpace(statusLine))
	}
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("fetch: read headers: %w", err)
		}
		if strings.TrimSpace(line) == "" {
			break
		}
	}

	buf := make([]byte, 32*1024)
	for {
		n, rerr := reader.Read(buf)
		if n > 0 {
			if !onChunk(buf[:n]) {
				return ErrCanceled
			}
		}
		if rerr != nil {
			break
		}
	}
	return nil
}

// runFTPS tries each candidate path for threemfURL in order, stopping
// at the first successful RETR (spec.md §4.3).
func (p *Pipeline) runFTPS(threemfURL, printerHost string, creds FTPCredentials, onChunk func([]byte) bool) error {
	client, err := ftps.Dial(printerHost, 990, creds.User, creds.Pass, 10*time.Second)
	if err != nil {
		return fmt.Errorf("fetch: ftps dial: %w", err)
	}
	defer func() {
		if err := client.Close(); err != nil {
			log.Printf("fetch: ftps close: %v", err)
		}
	}()

	var lastErr error
	for _, path := range ftps.CandidatePaths(threemfURL) {
		err := client.Retrieve(path, onChunk, nil)
		if err == nil {
			return nil
		}
		if errors.Is(err, ftps.ErrCanceled) {
			return ftps.ErrCanceled
		}
		lastErr = err
	}
	return fmt.Errorf("fetch: all candidate paths failed: %w", lastErr)
}
