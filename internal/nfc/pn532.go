// Package nfc implements the single-target NFC operation arbiter
// (spec.md §4.5, C5) over a PN532-class frontend reached via SPI with
// an IRQ line. The frame codec (preamble/start code/LEN/LCS/TFI/DCS)
// is adapted from the I2C PN532 driver found in the retrieval pack
// (gpio/pn532.go), ported from periph.io/x/conn/v3/i2c to
// periph.io/x/conn/v3/spi + gpio, matching spec.md's transport choice.
package nfc

import (
	"errors"
	"fmt"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/spi"
)

// PN532 command bytes (TFI target 0xD4, host to device).
const (
	cmdGetFirmwareVersion  = 0x02
	cmdSAMConfiguration    = 0x14
	cmdInListPassiveTarget = 0x4A
	cmdInDataExchange      = 0x40
	cmdInRelease           = 0x52
	cmdTgInitAsTarget      = 0x8C
	cmdTgGetData           = 0x86
)

const (
	preamble   = 0x00
	startCode1 = 0x00
	startCode2 = 0xFF
	hostToPN   = 0xD4
	pnToHost   = 0xD5
)

// MIFARE/NTAG sub-commands used over InDataExchange.
const (
	mifareRead  = 0x30
	mifareWrite = 0xA0
	mifareAuthA = 0x60
	mifareAuthB = 0x61
)

var (
	// ErrNoResponse indicates the frontend did not ACK or respond in time.
	ErrNoResponse = errors.New("nfc: pn532 did not respond")
	// ErrBadFrame indicates a malformed response frame.
	ErrBadFrame = errors.New("nfc: malformed pn532 frame")
)

// Frontend is the SPI+IRQ transport to a PN532-class chip.
type Frontend struct {
	conn spi.Conn
	irq  gpio.PinIn
}

// NewFrontend wraps an already-opened SPI connection and IRQ pin.
func NewFrontend(conn spi.Conn, irq gpio.PinIn) *Frontend {
	return &Frontend{conn: conn, irq: irq}
}

// waitIRQ blocks until the IRQ line is asserted low (data ready) or
// timeout elapses.
func (f *Frontend) waitIRQ(timeout time.Duration) error {
	if f.irq == nil {
		time.Sleep(5 * time.Millisecond)
		return nil
	}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if f.irq.Read() == gpio.Low {
			return nil
		}
		time.Sleep(time.Millisecond)
	}
	return ErrNoResponse
}

// buildFrame encodes a host-to-device command frame:
// 00 00 FF LEN LCS D4 CMD <data...> DCS 00
func buildFrame(cmd byte, data []byte) []byte {
	dataLen := byte(len(data) + 2)
	frame := make([]byte, 0, 8+len(data))
	frame = append(frame, preamble, startCode1, startCode2)
	frame = append(frame, dataLen, byte(^dataLen+1))
	frame = append(frame, hostToPN, cmd)
	frame = append(frame, data...)

	dcs := hostToPN + int(cmd)
	for _, b := range data {
		dcs += int(b)
	}
	frame = append(frame, byte(^dcs+1), preamble)
	return frame
}

// sendCommand writes a command frame, waits for the ACK frame, then
// reads and parses the response frame's data payload.
func (f *Frontend) sendCommand(cmd byte, data []byte, timeout time.Duration) ([]byte, error) {
	frame := buildFrame(cmd, data)
	if err := f.conn.Tx(frame, nil); err != nil {
		return nil, fmt.Errorf("nfc: write command: %w", err)
	}

	if err := f.waitIRQ(timeout); err != nil {
		return nil, err
	}

	ack := make([]byte, 6)
	if err := f.conn.Tx(nil, ack); err != nil {
		return nil, fmt.Errorf("nfc: read ack: %w", err)
	}

	if err := f.waitIRQ(timeout); err != nil {
		return nil, err
	}

	resp := make([]byte, 64)
	if err := f.conn.Tx(nil, resp); err != nil {
		return nil, fmt.Errorf("nfc: read response: %w", err)
	}
	return parseResponseFrame(resp)
}

func parseResponseFrame(resp []byte) ([]byte, error) {
	n := len(resp)
	for i := 0; i+5 <= n; i++ {
		if resp[i] == startCode1 && resp[i+1] == startCode2 {
			dataLen := int(resp[i+2])
			if dataLen < 2 {
				return nil, ErrBadFrame
			}
			end := i + 5 + dataLen - 2
			if end > n || end < i+5 {
				continue
			}
			return resp[i+5:end], nil
		}
	}
	return nil, ErrBadFrame
}

// SAMConfigure performs SAMConfiguration (normal mode, 1s timeout).
func (f *Frontend) SAMConfigure() error {
	_, err := f.sendCommand(cmdSAMConfiguration, []byte{0x01, 0x14, 0x01}, time.Second)
	return err
}

// FirmwareVersion queries the chip's firmware identification.
func (f *Frontend) FirmwareVersion() ([]byte, error) {
	return f.sendCommand(cmdGetFirmwareVersion, nil, time.Second)
}

// TargetInfo is a detected ISO14443-A target.
type TargetInfo struct {
	UID     []byte
	SensRes uint16
	SelRes  byte
}

// InListOneISOATarget issues InListPassiveTarget for a single 106kbps
// type-A target, with the given timeout.
func (f *Frontend) InListOneISOATarget(timeout time.Duration) (*TargetInfo, error) {
	resp, err := f.sendCommand(cmdInListPassiveTarget, []byte{0x01, 0x00}, timeout)
	if err != nil {
		return nil, err
	}
	if len(resp) < 6 || resp[0] == 0 {
		return nil, nil
	}
	sensRes := uint16(resp[2])<<8 | uint16(resp[3])
	selRes := resp[4]
	uidLen := int(resp[5])
	if len(resp) < 6+uidLen {
		return nil, ErrBadFrame
	}
	uid := append([]byte(nil), resp[6:6+uidLen]...)
	return &TargetInfo{UID: uid, SensRes: sensRes, SelRes: selRes}, nil
}

// InRelease releases the currently selected target.
func (f *Frontend) InRelease() error {
	_, err := f.sendCommand(cmdInRelease, []byte{0x00}, 200*time.Millisecond)
	return err
}

// MifareAuth authenticates sector containing block using key (A or B).
func (f *Frontend) MifareAuth(uid []byte, block int, keyB bool, key []byte) error {
	cmd := byte(mifareAuthA)
	if keyB {
		cmd = mifareAuthB
	}
	data := make([]byte, 0, 2+6+len(uid))
	data = append(data, cmd, byte(block))
	data = append(data, key...)
	data = append(data, uid...)
	_, err := f.sendCommand(cmdInDataExchange, append([]byte{0x01}, data...), time.Second)
	return err
}

// MifareReadBlock reads a 16-byte MIFARE block.
func (f *Frontend) MifareReadBlock(block int) ([]byte, error) {
	resp, err := f.sendCommand(cmdInDataExchange, []byte{0x01, mifareRead, byte(block)}, time.Second)
	if err != nil {
		return nil, err
	}
	if len(resp) < 17 {
		return nil, fmt.Errorf("%w: short mifare read", ErrBadFrame)
	}
	return resp[1:17], nil
}

// MifareWriteBlock writes 16 bytes to a MIFARE/NTAG page-group block.
func (f *Frontend) MifareWriteBlock(block int, data []byte) error {
	padded := make([]byte, 16)
	copy(padded, data)
	payload := append([]byte{0x01, mifareWrite, byte(block)}, padded...)
	_, err := f.sendCommand(cmdInDataExchange, payload, time.Second)
	return err
}

// TagKind classifies a detected target by its SENS_RES/SEL_RES pair.
type TagKind int

const (
	TagUnknown TagKind = iota
	TagNTAG
	TagMifareClassic1K
	TagMifareClassic4K
)

// ClassifyTag implements spec.md §4.5's classification table.
func ClassifyTag(sensRes uint16, selRes byte) TagKind {
	switch {
	case sensRes == 0x0044 && selRes == 0x00:
		return TagNTAG
	case (sensRes == 0x0004 || sensRes == 0x0044) && selRes == 0x08:
		return TagMifareClassic1K
	case (sensRes == 0x0004 || sensRes == 0x0044) && selRes == 0x18:
		return TagMifareClassic4K
	default:
		return TagUnknown
	}
}
