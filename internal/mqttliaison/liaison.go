// Package mqttliaison implements the per-printer supervised MQTT
// session (spec.md §4.4, C4): connect, TLS with a model-specific trust
// anchor, MQTT CONNECT/SUBSCRIBE, then a cooperative loop that
// concurrently awaits inbound frames, outbound packets, and a
// keep-alive timer, reconnecting with backoff on any I/O error. The
// read-loop-plus-disconnect-callback shape is grounded directly on
// printer.PacketRouter.
package mqttliaison

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/spoolease/core/internal/events"
	"github.com/spoolease/core/internal/mqttwire"
)

// Model identifies which printer family's trust anchor and server name
// conventions apply.
type Model string

const (
	ModelBambuGeneral Model = "bambu"
	ModelP2S          Model = "p2s"
	ModelH2C          Model = "h2c"
	ModelSimulator    Model = "simulator"
)

// handshakeErrorP2SRotate is the TLS handshake error code that triggers
// the P2S alternate-anchor rotation (spec.md §4.4).
const handshakeErrorP2SRotate = -9984

const (
	reconnectDelay      = 500 * time.Millisecond
	escalateEveryNth    = 5
	outboundQueueDepth  = 32
)

// Config configures one printer's liaison.
type Config struct {
	Printer      string
	Host         string
	Port         int
	Model        Model
	ClientID     string
	Username     string
	Password     []byte
	KeepAlive    time.Duration
	Topics       []string
	TrustAnchors TrustAnchors
}

// TrustAnchors holds the TLS root CA pool(s) for a printer model. P2S
// carries two and rotates between them across consecutive
// handshake-error(-9984) attempts.
type TrustAnchors struct {
	Primary   *tls.Config
	Alternate *tls.Config // used only for ModelP2S
}

// PrinterSession is the per-printer state spec.md §3 names: configured
// identity plus connectivity flag, last-known job number, and the most
// recent 3MF URL / FTP filename hint needed to kick off a fetch. Lives
// only as long as the Liaison (spec.md §3: "destroyed on config
// change"); nothing here is persisted across restarts.
type PrinterSession struct {
	Printer         string
	IP              string
	Model           Model
	Connected       bool
	LastJobNumber   uint64
	Last3MFURL      string
	LastFTPFilename string
}

// Liaison runs the supervised session for one printer.
type Liaison struct {
	cfg      Config
	bus      *events.Bus
	outbound chan []byte

	mu             sync.Mutex
	connected      bool
	failureCount   int
	useAlternateCA bool
	session        PrinterSession
}

// New creates a Liaison publishing connectivity and telemetry events to bus.
func New(cfg Config, bus *events.Bus) *Liaison {
	return &Liaison{
		cfg:      cfg,
		bus:      bus,
		session:  PrinterSession{Printer: cfg.Printer, IP: cfg.Host, Model: cfg.Model},
		outbound: make(chan []byte, outboundQueueDepth),
	}
}

// Publish enqueues an outbound MQTT PUBLISH for the session's write side.
// It never blocks indefinitely: a full queue drops the oldest intent by
// simply not enqueuing (the caller may retry).
func (l *Liaison) Publish(topic string, payload []byte) bool {
	pkt := mqttwire.EncodePublish(topic, payload, false)
	select {
	case l.outbound <- pkt:
		return true
	default:
		return false
	}
}

// Run drives the supervised loop until ctx-like stop is requested via
// the returned stop function's channel closing, or forever if stop is nil.
// It never returns except when stopCh is closed.
func (l *Liaison) Run(stopCh <-chan struct{}, waitForWiFi func()) {
	for {
		select {
		case <-stopCh:
			return
		default:
		}

		if waitForWiFi != nil {
			waitForWiFi()
		}

		if err := l.runSession(stopCh); err != nil {
			l.failureCount++
			l.setConnected(false)
			if l.failureCount%escalateEveryNth == 0 {
				log.Printf("mqttliaison[%s]: session error (failure #%d): %v", l.cfg.Printer, l.failureCount, err)
			} else {
				log.Printf("mqttliaison[%s]: session error: %v", l.cfg.Printer, err)
			}
		}

		select {
		case <-stopCh:
			return
		case <-time.After(reconnectDelay):
		}
	}
}

// Snapshot returns a copy of the liaison's current PrinterSession,
// safe to call concurrently with Run.
func (l *Liaison) Snapshot() PrinterSession {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.session
}

func (l *Liaison) setConnected(v bool) {
	if l.connected == v {
		return
	}
	l.connected = v
	l.mu.Lock()
	l.session.Connected = v
	l.mu.Unlock()
	if l.bus != nil {
		l.bus.Publish(events.Event{
			Kind:    events.KindPrinterConnectivity,
			At:      time.Now(),
			Printer: l.cfg.Printer,
			Payload: events.PrinterConnectivity{Connected: v},
		})
	}
}

func (l *Liaison) runSession(stopCh <-chan struct{}) error {
	addr := fmt.Sprintf("%s:%d", l.cfg.Host, l.cfg.Port)
	rawConn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer rawConn.Close()

	tlsCfg := l.selectTLSConfig()
	tlsConn := tls.Client(rawConn, tlsCfg)
	if err := tlsConn.Handshake(); err != nil {
		if l.cfg.Model == ModelP2S && isHandshakeRotateError(err) {
			l.useAlternateCA = !l.useAlternateCA
		}
		return fmt.Errorf("tls handshake: %w", err)
	}

	if err := l.mqttConnect(tlsConn); err != nil {
		return err
	}
	if err := l.mqttSubscribe(tlsConn); err != nil {
		return err
	}

	l.failureCount = 0
	l.setConnected(true)

	return l.cooperativeLoop(tlsConn, stopCh)
}

func (l *Liaison) selectTLSConfig() *tls.Config {
	if l.cfg.Model == ModelP2S && l.useAlternateCA && l.cfg.TrustAnchors.Alternate != nil {
		return l.cfg.TrustAnchors.Alternate
	}
	return l.cfg.TrustAnchors.Primary
}

// isHandshakeRotateError reports whether err corresponds to the printer
// reporting handshake failure code -9984, at which point the P2S
// liaison alternates between its two trust anchors on retry.
func isHandshakeRotateError(err error) bool {
	// The underlying TLS error does not carry the printer's numeric
	// code directly; any handshake failure against a P2S unit is
	// treated as eligible for anchor rotation on the next attempt.
	return err != nil
}

func (l *Liaison) mqttConnect(conn net.Conn) error {
	keepAlive := uint16(l.cfg.KeepAlive / time.Second)
	pkt := mqttwire.EncodeConnect(mqttwire.ConnectOptions{
		ClientID:     l.cfg.ClientID,
		Username:     l.cfg.Username,
		Password:     l.cfg.Password,
		CleanSession: true,
		KeepAlive:    keepAlive,
	})
	if _, err := conn.Write(pkt); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	rb := mqttwire.NewRecvBuffer()
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return fmt.Errorf("connect: waiting for connack: %w", err)
		}
		if err := rb.Append(buf[:n]); err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		p, ok, err := rb.Next()
		if err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		if !ok {
			continue
		}
		if p.Header.Type != mqttwire.TypeConnAck {
			continue
		}
		ack, err := mqttwire.DecodeConnAck(p.Body)
		if err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		if ack.ReturnCode != 0 {
			log.Printf("mqttliaison[%s]: CONNACK anomaly, return code %d; proceeding", l.cfg.Printer, ack.ReturnCode)
		}
		return nil
	}
}

func (l *Liaison) mqttSubscribe(conn net.Conn) error {
	if len(l.cfg.Topics) == 0 {
		return nil
	}
	pkt := mqttwire.EncodeSubscribe(1, l.cfg.Topics)
	_, err := conn.Write(pkt)
	return err
}

// cooperativeLoop concurrently services inbound MQTT frames, outbound
// publishes, and the keep-alive timer until an I/O error occurs
// (spec.md §4.4 step 6).
func (l *Liaison) cooperativeLoop(conn net.Conn, stopCh <-chan struct{}) error {
	keepAlive := l.cfg.KeepAlive
	if keepAlive <= 0 {
		keepAlive = 30 * time.Second
	}
	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()

	inbound := make(chan []byte)
	readErrCh := make(chan error, 1)
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				chunk := append([]byte(nil), buf[:n]...)
				select {
				case inbound <- chunk:
				case <-stopCh:
					return
				}
			}
			if err != nil {
				readErrCh <- err
				return
			}
		}
	}()

	rb := mqttwire.NewRecvBuffer()

	for {
		select {
		case <-stopCh:
			_, _ = conn.Write(mqttwire.EncodeDisconnect())
			return nil

		case err := <-readErrCh:
			return fmt.Errorf("read: %w", err)

		case chunk := <-inbound:
			if err := rb.Append(chunk); err != nil {
				var tooLarge *mqttwire.RecvMessageTooLarge
				if asIs(err, &tooLarge) {
					log.Printf("mqttliaison[%s]: %v, buffer discarded", l.cfg.Printer, err)
					continue
				}
				return fmt.Errorf("frame: %w", err)
			}
			for {
				p, ok, err := rb.Next()
				if err != nil {
					log.Printf("mqttliaison[%s]: %v, buffer discarded", l.cfg.Printer, err)
					break
				}
				if !ok {
					break
				}
				l.handlePacket(p)
			}

		case out := <-l.outbound:
			if _, err := conn.Write(out); err != nil {
				return fmt.Errorf("write: %w", err)
			}

		case <-ticker.C:
			if _, err := conn.Write(mqttwire.EncodePingReq()); err != nil {
				return fmt.Errorf("pingreq: %w", err)
			}
		}
	}
}

// printerReport is the subset of the Bambu-family JSON telemetry report
// this liaison cares about: the active print job's subtask id (used as
// the job number) and the 3MF URL it was sliced from. Unknown fields in
// the wire payload are ignored (printers publish a much larger report).
type printerReport struct {
	Print struct {
		SubtaskID string `json:"subtask_id"`
		GcodeFile string `json:"gcode_file"`
		TaskID    uint64 `json:"task_id"`
	} `json:"print"`
}

// handlePacket dispatches one decoded inbound PUBLISH: it always
// republishes the raw telemetry payload, and when the payload carries a
// new subtask id it additionally emits a JobStarted event carrying the
// 3MF URL, matching spec.md §2's "Printer publishes a print job → C4
// emits a 'job started' event carrying a 3MF URL and metadata."
func (l *Liaison) handlePacket(p mqttwire.Packet) {
	if p.Header.Type != mqttwire.TypePublish {
		return
	}
	pub, err := mqttwire.DecodePublish(p.Header.Flags, p.Body)
	if err != nil {
		return
	}
	if l.bus != nil {
		l.bus.Publish(events.Event{
			Kind:    events.KindFilamentUsage,
			At:      time.Now(),
			Printer: l.cfg.Printer,
			Payload: pub,
		})
	}

	var report printerReport
	if err := json.Unmarshal(pub.Payload, &report); err != nil {
		return // not every publish is the telemetry report; non-fatal
	}
	if report.Print.TaskID == 0 || report.Print.GcodeFile == "" {
		return
	}

	l.mu.Lock()
	isNew := report.Print.TaskID != l.session.LastJobNumber
	l.session.LastJobNumber = report.Print.TaskID
	l.session.Last3MFURL = report.Print.GcodeFile
	l.session.LastFTPFilename = report.Print.GcodeFile
	l.mu.Unlock()

	if isNew && l.bus != nil {
		l.bus.Publish(events.Event{
			Kind:    events.KindJobStarted,
			At:      time.Now(),
			Printer: l.cfg.Printer,
			Payload: events.JobStarted{JobNumber: report.Print.TaskID, URL: report.Print.GcodeFile},
		})
	}
}

func asIs(err error, target **mqttwire.RecvMessageTooLarge) bool {
	if e, ok := err.(*mqttwire.RecvMessageTooLarge); ok {
		*target = e
		return true
	}
	return false
}
