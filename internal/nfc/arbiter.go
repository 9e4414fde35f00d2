package nfc

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/spoolease/core/internal/events"
)

// Command is one of the four operations a caller may request.
type Command struct {
	Kind     CommandKind
	Text     string // write payload (may contain "$tag-id$")
	CheckUID string // optional, write/erase
	Cookie   string
	URL      string // emulate
}

type CommandKind int

const (
	CmdRead CommandKind = iota
	CmdWrite
	CmdErase
	CmdEmulate
)

const (
	samConfigRetries  = 60
	detectTimeout     = 60 * time.Second
	emulateTimeout    = 60 * time.Second
	debounceWindow    = 500 * time.Millisecond
	maxNDEFSize       = 2 * 1024
	inReleaseOnSwitch = 5
)

var bambuKeySet = [][]byte{
	{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}, // placeholder all-ones key;
	// the true per-UID Bambu key derivation is not included (spec.md §9
	// open question) — callers must source it separately.
}

var bambuBlocks = []int{1, 2, 4, 5, 6, 13, 16}

// KnownTagChecker reports whether a UID is already present in the spool store.
type KnownTagChecker func(uidHex string) bool

// Arbiter runs the single-target NFC operation state machine.
type Arbiter struct {
	frontend *Frontend
	bus      *events.Bus
	known    KnownTagChecker

	pending   chan Command
	current   Command
	hasActive bool

	prevUID string
	prevAt  time.Time
}

// New creates an Arbiter driving frontend and publishing events to bus.
func New(frontend *Frontend, bus *events.Bus, known KnownTagChecker) *Arbiter {
	return &Arbiter{
		frontend: frontend,
		bus:      bus,
		known:    known,
		pending:  make(chan Command, 1),
	}
}

// Issue submits a new command, pre-empting whatever is currently active
// via the single-slot signal (spec.md §4.5).
func (a *Arbiter) Issue(cmd Command) {
	select {
	case <-a.pending:
	default:
	}
	a.pending <- cmd
}

func (a *Arbiter) publish(kind events.Kind, payload any) {
	if a.bus != nil {
		a.bus.Publish(events.Event{Kind: kind, At: time.Now(), Payload: payload})
	}
}

// Run initializes the frontend (up to 60 SAM-configuration retries)
// then drives the command loop until stopCh is closed.
func (a *Arbiter) Run(stopCh <-chan struct{}) {
	ok := false
	for i := 0; i < samConfigRetries; i++ {
		if err := a.frontend.SAMConfigure(); err == nil {
			ok = true
			break
		}
		select {
		case <-stopCh:
			return
		case <-time.After(100 * time.Millisecond):
		}
	}
	a.publish(events.KindPN532Status, events.PN532Status{Ready: ok})
	if !ok {
		return
	}

	a.current = Command{Kind: CmdRead}
	a.hasActive = true

	for {
		select {
		case <-stopCh:
			return
		case next := <-a.pending:
			a.current = next
			a.hasActive = true
		default:
		}

		if a.current.Kind == CmdEmulate {
			a.runEmulate(stopCh)
		} else {
			a.runDetectAndDispatch(stopCh)
		}
	}
}

func (a *Arbiter) runDetectAndDispatch(stopCh <-chan struct{}) {
	target, err := a.frontend.InListOneISOATarget(detectTimeout)
	if err != nil || target == nil {
		return
	}

	uidHex := fmt.Sprintf("%X", target.UID)
	now := time.Now()
	if uidHex == a.prevUID && now.Sub(a.prevAt) < debounceWindow {
		return
	}

	kind := ClassifyTag(target.SensRes, target.SelRes)
	if kind == TagUnknown {
		a.publish(events.KindTagFailure, events.TagFailure{Reason: "Unknown tag type"})
		return
	}

	switch a.current.Kind {
	case CmdRead:
		a.doRead(uidHex, target, kind)
	case CmdWrite:
		a.doWrite(uidHex, target, kind, a.current.Text, a.current.CheckUID, a.current.Cookie)
	case CmdErase:
		a.doErase(uidHex, target, kind, a.current.CheckUID)
	}

	a.prevUID = uidHex
	a.prevAt = time.Now()
	a.current = Command{Kind: CmdRead}
}

func (a *Arbiter) doRead(uidHex string, target *TargetInfo, kind TagKind) {
	if a.known != nil && a.known(uidHex) {
		a.publish(events.KindTagInStore, events.TagInStore{UID: uidHex})
		return
	}

	switch kind {
	case TagNTAG:
		msg, err := a.readNTAGNDEF()
		if err != nil {
			a.publish(events.KindTagFailure, events.TagFailure{Reason: err.Error()})
			return
		}
		a.publish(events.KindNDEFRead, events.NDEFRead{UID: uidHex, Message: msg})

	case TagMifareClassic1K:
		blocks, ok := a.readBambuBlocks(target.UID)
		if !ok {
			a.publish(events.KindNDEFRead, events.NDEFRead{UID: uidHex, Message: nil})
			return
		}
		a.publish(events.KindNDEFRead, events.NDEFRead{UID: uidHex, Message: encodeBambuBlocks(blocks)})

	case TagMifareClassic4K:
		a.publish(events.KindNDEFRead, events.NDEFRead{UID: uidHex, Message: nil})
	}
}

// readNTAGNDEF scans pages 3-4 for the NDEF TLV, validates its
// declared length against the 2 KiB cap, then reads the remaining pages.
func (a *Arbiter) readNTAGNDEF() ([]byte, error) {
	p3, err := a.frontend.MifareReadBlock(3)
	if err != nil {
		return nil, fmt.Errorf("read page 3: %w", err)
	}

	tlvOffset, length, isLong, err := findNDEFTLV(p3)
	if err != nil {
		return nil, err
	}
	if length > maxNDEFSize {
		return nil, fmt.Errorf("NDEF message too large: %d bytes", length)
	}

	headerLen := 2
	if isLong {
		headerLen = 4
	}
	total := tlvOffset + headerLen + length
	pagesNeeded := (total + 3) / 4

	buf := append([]byte(nil), p3...)
	for page := 4; len(buf) < pagesNeeded*4; page++ {
		data, err := a.frontend.MifareReadBlock(page)
		if err != nil {
			return nil, fmt.Errorf("read page %d: %w", page, err)
		}
		buf = append(buf, data...)
	}

	start := tlvOffset + headerLen
	end := start + length
	if end > len(buf) {
		return nil, fmt.Errorf("%w: truncated NDEF read", ErrBadFrame)
	}
	return buf[start:end], nil
}

// findNDEFTLV finds the first NDEF (0x03) TLV in a tag-memory buffer,
// returning its offset and declared value length.
func findNDEFTLV(buf []byte) (offset, length int, isLong bool, err error) {
	for i := 0; i < len(buf); {
		tag := buf[i]
		switch tag {
		case 0x00: // NULL TLV
			i++
		case 0x03:
			if i+1 >= len(buf) {
				return 0, 0, false, fmt.Errorf("%w: truncated TLV", ErrBadFrame)
			}
			l := int(buf[i+1])
			if l == 0xFF {
				if i+3 >= len(buf) {
					return 0, 0, false, fmt.Errorf("%w: truncated long TLV", ErrBadFrame)
				}
				longLen := int(buf[i+2])<<8 | int(buf[i+3])
				return i, longLen, true, nil
			}
			return i, l, false, nil
		default:
			return 0, 0, false, fmt.Errorf("%w: unexpected TLV tag 0x%02X", ErrBadFrame, tag)
		}
	}
	return 0, 0, false, fmt.Errorf("%w: no NDEF TLV found", ErrBadFrame)
}

// readBambuBlocks attempts the known Bambu Lab key set on the fixed
// block set; a failed authentication means "not a Bambu tag."
func (a *Arbiter) readBambuBlocks(uid []byte) (map[int][]byte, bool) {
	blocks := make(map[int][]byte, len(bambuBlocks))
	for _, block := range bambuBlocks {
		ok := false
		for _, key := range bambuKeySet {
			if err := a.frontend.MifareAuth(uid, block, false, key); err == nil {
				ok = true
				break
			}
		}
		if !ok {
			return nil, false
		}
		data, err := a.frontend.MifareReadBlock(block)
		if err != nil {
			return nil, false
		}
		blocks[block] = data
	}
	return blocks, true
}

func encodeBambuBlocks(blocks map[int][]byte) []byte {
	var out []byte
	for _, b := range bambuBlocks {
		out = append(out, blocks[b]...)
	}
	return out
}

func (a *Arbiter) doWrite(uidHex string, target *TargetInfo, kind TagKind, text, checkUID, cookie string) {
	if kind != TagNTAG {
		a.publish(events.KindTagFailure, events.TagFailure{Reason: "Can't Encode MIFARE/Unknown"})
		return
	}
	if checkUID != "" && checkUID != uidHex {
		a.publish(events.KindTagFailure, events.TagFailure{Reason: "Tag Not Linked to Spool"})
		return
	}

	placeholder := base64.RawURLEncoding.EncodeToString(target.UID)
	payload := substitutePlaceholder(text, placeholder)

	if err := a.writeNDEFURL(payload); err != nil {
		a.publish(events.KindTagFailure, events.TagFailure{Reason: err.Error()})
		return
	}
	a.publish(events.KindWriteSuccess, events.WriteSuccess{Descriptor: payload, Cookie: cookie})
}

func substitutePlaceholder(text, uidB64 string) string {
	const placeholder = "$tag-id$"
	out := ""
	for {
		idx := indexOf(text, placeholder)
		if idx < 0 {
			out += text
			break
		}
		out += text[:idx] + uidB64
		text = text[idx+len(placeholder):]
	}
	return out
}

func indexOf(s, sub string) int {
	n, m := len(s), len(sub)
	for i := 0; i+m <= n; i++ {
		if s[i:i+m] == sub {
			return i
		}
	}
	return -1
}

// writeNDEFURL builds a short-form NDEF URI record (type "U", prefix
// abbreviation 0x04 = "https://") for url and writes it from page 4.
func (a *Arbiter) writeNDEFURL(url string) error {
	payload := append([]byte{0x04}, []byte(url)...) // URI identifier code 0x04 = https://
	record := buildNDEFURIRecord(payload)

	tlv := []byte{0x03, byte(len(record))}
	tlv = append(tlv, record...)
	tlv = append(tlv, 0xFE) // terminator TLV

	for page := 0; page*4 < len(tlv); page++ {
		chunk := make([]byte, 4)
		start := page * 4
		end := start + 4
		if end > len(tlv) {
			end = len(tlv)
		}
		copy(chunk, tlv[start:end])
		if err := a.frontend.MifareWriteBlock(4+page, chunk); err != nil {
			return fmt.Errorf("write page %d: %w", 4+page, err)
		}
	}
	return nil
}

func buildNDEFURIRecord(payload []byte) []byte {
	header := byte(0xD1) // MB=1,ME=1,CF=0,SR=1,IL=0,TNF=1 (well-known)
	return append([]byte{header, 0x01, byte(len(payload)), 'U'}, payload...)
}

func (a *Arbiter) doErase(uidHex string, target *TargetInfo, kind TagKind, checkUID string) {
	if kind != TagNTAG {
		a.publish(events.KindTagFailure, events.TagFailure{Reason: "Can't Encode MIFARE/Unknown"})
		return
	}
	if checkUID != "" && checkUID != uidHex {
		a.publish(events.KindTagFailure, events.TagFailure{Reason: "Tag Not Linked to Spool"})
		return
	}
	if err := a.frontend.MifareWriteBlock(4, []byte{0x03, 0x00, 0xFE, 0x00}); err != nil {
		a.publish(events.KindTagFailure, events.TagFailure{Reason: err.Error()})
		return
	}
	a.publish(events.KindWriteSuccess, events.WriteSuccess{Descriptor: "", Cookie: ""})
}

// runEmulate programs the frontend to present an NDEF URL tag with a
// random 3-byte UID, for up to 60s or until pre-empted.
func (a *Arbiter) runEmulate(stopCh <-chan struct{}) {
	deadline := time.Now().Add(emulateTimeout)
	uidRead := false

	for time.Now().Before(deadline) {
		select {
		case <-stopCh:
			return
		case next := <-a.pending:
			a.current = next
			for i := 0; i < inReleaseOnSwitch; i++ {
				_ = a.frontend.InRelease()
			}
			return
		default:
		}

		// The TgInitAsTarget/TgGetData exchange is frontend-specific and
		// driven by the caller's emulate payload (a.current.URL); this
		// loop polls for completion, publishing once a phone completes
		// its read.
		if a.pollEmulateComplete() {
			uidRead = true
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	if uidRead {
		a.publish(events.KindEmulatedTagRead, events.EmulatedTagRead{})
	}
	a.current = Command{Kind: CmdRead}
}

// pollEmulateComplete is a seam for the frontend's TgInitAsTarget/
// TgGetData handshake; left as a hook since the emulation command set
// is not exercised by any example in this codebase's lineage.
func (a *Arbiter) pollEmulateComplete() bool {
	return false
}
