// Package ftps implements the small FTPS client needed to pull a file
// off a printer's on-board file server (spec.md §4.3): control
// connection over TLS 1.2, USER/PASS, PASV data channel negotiation
// with the 0.0.0.0 control-host fallback, PBSZ/PROT, and RETR. No FTP
// client library appears anywhere in the example corpus, so this is
// hand-rolled over crypto/tls and net/textproto, in the teacher's
// request/response helper style (sacp.Connect / sacp.Read).
package ftps

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/textproto"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Client is a connected FTPS control session.
type Client struct {
	host string
	conn *tls.Conn
	text *textproto.Conn
}

// Dial connects to host:990 over TLS 1.2 and authenticates.
func Dial(host string, port int, user, pass string, timeout time.Duration) (*Client, error) {
	addr := fmt.Sprintf("%s:%d", host, port)
	rawConn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("ftps: dial: %w", err)
	}

	tlsConn := tls.Client(rawConn, &tls.Config{
		ServerName: host,
		MinVersion: tls.VersionTLS12,
		MaxVersion: tls.VersionTLS12,
	})
	if err := tlsConn.Handshake(); err != nil {
		rawConn.Close()
		return nil, fmt.Errorf("ftps: tls handshake: %w", err)
	}

	text := textproto.NewConn(tlsConn)
	if _, _, err := text.ReadResponse(2); err != nil {
		tlsConn.Close()
		return nil, fmt.Errorf("ftps: greeting: %w", err)
	}

	c := &Client{host: host, conn: tlsConn, text: text}
	if err := c.authenticate(user, pass); err != nil {
		c.Close()
		return nil, err
	}
	if err := c.sendCommandExpect("PBSZ 0", 2); err != nil {
		c.Close()
		return nil, err
	}
	if err := c.sendCommandExpect("PROT P", 2); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) authenticate(user, pass string) error {
	if err := c.sendCommandExpect("USER "+user, 3); err != nil {
		return err
	}
	if err := c.sendCommandExpect("PASS "+pass, 2); err != nil {
		return err
	}
	return nil
}

func (c *Client) sendCommandExpect(cmd string, codeClass int) error {
	id, err := c.text.Cmd("%s", cmd)
	if err != nil {
		return fmt.Errorf("ftps: %s: %w", cmd, err)
	}
	c.text.StartResponse(id)
	defer c.text.EndResponse(id)
	code, msg, err := c.text.ReadResponse(codeClass * 100)
	if err != nil {
		return fmt.Errorf("ftps: %s: %w (%d %s)", cmd, err, code, msg)
	}
	return nil
}

var pasvRe = regexp.MustCompile(`\((\d+),(\d+),(\d+),(\d+),(\d+),(\d+)\)`)

// passive negotiates a PASV data channel, falling back to the control
// host's IPv4 when the server advertises 0.0.0.0 (spec.md §4.3).
func (c *Client) passive() (net.Conn, error) {
	id, err := c.text.Cmd("PASV")
	if err != nil {
		return nil, fmt.Errorf("ftps: PASV: %w", err)
	}
	c.text.StartResponse(id)
	_, msg, err := c.text.ReadResponse(2)
	c.text.EndResponse(id)
	if err != nil {
		return nil, fmt.Errorf("ftps: PASV: %w", err)
	}

	m := pasvRe.FindStringSubmatch(msg)
	if m == nil {
		return nil, fmt.Errorf("ftps: PASV: could not parse %q", msg)
	}
	ip := fmt.Sprintf("%s.%s.%s.%s", m[1], m[2], m[3], m[4])
	if ip == "0.0.0.0" {
		ip = c.host
	}
	p1, _ := strconv.Atoi(m[5])
	p2, _ := strconv.Atoi(m[6])
	port := p1*256 + p2

	addr := fmt.Sprintf("%s:%d", ip, port)
	dataConn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("ftps: data dial %s: %w", addr, err)
	}

	// Reuse the control session's master secret when possible
	// (memory-save mode: close control before data connect would be
	// done by the caller after RETR completes).
	tlsData := tls.Client(dataConn, &tls.Config{
		ServerName:         c.host,
		MinVersion:         tls.VersionTLS12,
		MaxVersion:         tls.VersionTLS12,
		InsecureSkipVerify: true,
		ClientSessionCache: tls.NewLRUClientSessionCache(1),
	})
	if err := tlsData.Handshake(); err != nil {
		dataConn.Close()
		return nil, fmt.Errorf("ftps: data tls handshake: %w", err)
	}
	return tlsData, nil
}

var retrSizeRe = regexp.MustCompile(`\((\d+)\s*[Bb]ytes?\)`)

// Retrieve sends RETR for path and streams the response into onChunk.
// cancel, if non-nil, is polled between reads; returning true aborts
// the transfer and Retrieve returns ErrCanceled.
func (c *Client) Retrieve(path string, onChunk func([]byte) bool, cancel func() bool) error {
	dataConn, err := c.passive()
	if err != nil {
		return err
	}
	defer dataConn.Close()

	id, err := c.text.Cmd("RETR %s", path)
	if err != nil {
		return fmt.Errorf("ftps: RETR: %w", err)
	}
	c.text.StartResponse(id)
	code, msg, err := c.text.ReadResponse(1)
	c.text.EndResponse(id)
	if err != nil {
		return &RetrError{Code: code, Message: msg}
	}

	expected := -1
	if m := retrSizeRe.FindStringSubmatch(msg); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			expected = n
		}
	}

	buf := make([]byte, 32*1024)
	read := 0
	for {
		if cancel != nil && cancel() {
			return ErrCanceled
		}
		n, rerr := dataConn.Read(buf)
		if n > 0 {
			read += n
			if !onChunk(buf[:n]) {
				return ErrCanceled
			}
		}
		if expected >= 0 && read >= expected {
			break
		}
		if rerr != nil {
			break
		}
	}

	_, _, _ = c.text.ReadResponse(2) // transfer-complete reply; best-effort
	return nil
}

// RetrError carries the FTP reply code/message for a failed RETR (e.g.
// a 150 not arriving, or a final 550).
type RetrError struct {
	Code    int
	Message string
}

func (e *RetrError) Error() string {
	return fmt.Sprintf("ftps: RETR failed: %d %s", e.Code, e.Message)
}

// ErrCanceled is returned when a caller-supplied cancel predicate fires
// mid-transfer (spec.md §4.3 cooperative cancellation).
var ErrCanceled = fmt.Errorf("ftps: canceled")

// Close sends QUIT (best-effort) and closes the control connection.
// Failures here are logged by the caller, not treated as fatal
// (spec.md §4.3: "all of these may fail... but do not affect the
// analysis result").
func (c *Client) Close() error {
	_, _ = c.text.Cmd("QUIT")
	return c.conn.Close()
}

// CandidatePaths returns the fixed-order list of remote paths to try
// for retrieving threemfURL, per spec.md §4.3's URL-prefix table.
func CandidatePaths(threemfURL string) []string {
	switch {
	case strings.HasPrefix(threemfURL, "file:///sdcard/"):
		return []string{strings.TrimPrefix(threemfURL, "file:///sdcard/")}
	case strings.HasPrefix(threemfURL, "file:///mnt/sdcard/"):
		x := strings.TrimPrefix(threemfURL, "file:///mnt/sdcard/")
		return []string{strings.ReplaceAll(x, "%25", "%")}
	case strings.HasPrefix(threemfURL, "ftp:/") && !strings.HasPrefix(threemfURL, "ftp://"):
		return []string{strings.TrimPrefix(threemfURL, "ftp:/")}
	case strings.HasPrefix(threemfURL, "brtc://emmc/"):
		x := strings.TrimPrefix(threemfURL, "brtc://emmc/")
		return []string{"/cache/" + x}
	case strings.HasPrefix(threemfURL, "file:///media/usb0/"):
		return []string{strings.TrimPrefix(threemfURL, "file:///media/usb0/")}
	default:
		name := baseNameWithoutExt(threemfURL)
		return []string{
			"/" + name + ".gcode.3mf",
			"/" + name + ".3mf",
			"/cache/" + name + ".gcode.3mf",
			"/cache/" + name + ".3mf",
		}
	}
}

func baseNameWithoutExt(u string) string {
	base := u
	if idx := strings.LastIndexByte(base, '/'); idx >= 0 {
		base = base[idx+1:]
	}
	for _, ext := range []string{".gcode.3mf", ".3mf"} {
		if strings.HasSuffix(base, ext) {
			return strings.TrimSuffix(base, ext)
		}
	}
	return base
}
