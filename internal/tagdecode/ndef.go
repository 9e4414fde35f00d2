// Package tagdecode converts raw NFC tag blocks, as read by
// internal/nfc, into canonical spoolrecord.Record values (spec.md §4.6,
// C6): a generic NDEF/URI decoder for SpoolEaseV1 tags, a Bambu Lab
// MIFARE Classic 1K field-mapping decoder, and an OpenPrintTag CBOR
// decoder (internal/tagdecode/openprinttag).
package tagdecode

import (
	"fmt"
	"strings"

	"github.com/spoolease/core/internal/spoolrecord"
)

// uriPrefixTable is the one-byte NDEF URI abbreviation table (spec.md
// §4.6), restricted to the four codes this system ever writes or reads
// back (0x00 identity plus 0x01..0x04 http/https with/without www).
var uriPrefixTable = map[byte]string{
	0x00: "",
	0x01: "http://www.",
	0x02: "https://www.",
	0x03: "http://",
	0x04: "https://",
}

// NDEFRecord is one parsed NDEF record (short-record form only, which
// is all C5's writer and the tags this system targets ever produce).
type NDEFRecord struct {
	TNF     byte
	Type    string
	Payload []byte
}

// ErrNotNDEF indicates the buffer is not a (recognized) NDEF message.
var errNoTLV = fmt.Errorf("tagdecode: no NDEF TLV found")

// ParseTLVMessage locates the NDEF TLV (tag 0x03) inside a raw page/block
// buffer and parses the NDEF message it wraps, skipping leading NULL TLVs
// (0x00). Mirrors the TLV walk in internal/nfc's reader so a decoder can
// be handed either the frontend's already-extracted message bytes or a
// raw dump.
func ParseTLVMessage(buf []byte) ([]NDEFRecord, error) {
	i := 0
	for i < len(buf) {
		switch buf[i] {
		case 0x00:
			i++
			continue
		case 0xFE:
			return nil, errNoTLV
		case 0x03:
			if i+1 >= len(buf) {
				return nil, errNoTLV
			}
			length := int(buf[i+1])
			start := i + 2
			if length == 0xFF {
				if i+4 > len(buf) {
					return nil, errNoTLV
				}
				length = int(buf[i+2])<<8 | int(buf[i+3])
				start = i + 4
			}
			end := start + length
			if end > len(buf) {
				return nil, fmt.Errorf("tagdecode: truncated NDEF TLV")
			}
			return ParseNDEFMessage(buf[start:end])
		default:
			return nil, errNoTLV
		}
	}
	return nil, errNoTLV
}

// ParseNDEFMessage decodes one or more NDEF records from msg. Only
// short-record (SR) encoding is supported, matching what C5 writes and
// what the tags in scope use.
func ParseNDEFMessage(msg []byte) ([]NDEFRecord, error) {
	var records []NDEFRecord
	i := 0
	for i < len(msg) {
		if i+2 > len(msg) {
			return nil, fmt.Errorf("tagdecode: truncated NDEF record header")
		}
		header := msg[i]
		tnf := header & 0x07
		sr := header&0x10 != 0
		typeLen := int(msg[i+1])
		i += 2

		var payloadLen int
		if sr {
			if i >= len(msg) {
				return nil, fmt.Errorf("tagdecode: truncated NDEF record")
			}
			payloadLen = int(msg[i])
			i++
		} else {
			if i+4 > len(msg) {
				return nil, fmt.Errorf("tagdecode: truncated NDEF record")
			}
			payloadLen = int(msg[i])<<24 | int(msg[i+1])<<16 | int(msg[i+2])<<8 | int(msg[i+3])
			i += 4
		}

		if i+typeLen > len(msg) {
			return nil, fmt.Errorf("tagdecode: truncated NDEF type field")
		}
		recType := string(msg[i : i+typeLen])
		i += typeLen

		if i+payloadLen > len(msg) {
			return nil, fmt.Errorf("tagdecode: truncated NDEF payload")
		}
		payload := msg[i : i+payloadLen]
		i += payloadLen

		records = append(records, NDEFRecord{TNF: tnf, Type: recType, Payload: payload})

		if header&0x40 != 0 { // MB/ME: message end bit
			break
		}
	}
	return records, nil
}

// DecodeURIRecord expands a `U` record's 1-byte prefix code plus the
// remaining URI field into the full URL string.
func DecodeURIRecord(payload []byte) (string, error) {
	if len(payload) == 0 {
		return "", fmt.Errorf("tagdecode: empty URI record")
	}
	prefix, ok := uriPrefixTable[payload[0]]
	if !ok {
		return "", fmt.Errorf("tagdecode: unrecognized URI prefix code %#02x", payload[0])
	}
	return prefix + string(payload[1:]), nil
}

// DecodeTextRecord decodes a `T` (Text) record in the "en" locale, the
// only locale this system's writer ever emits.
func DecodeTextRecord(payload []byte) (string, error) {
	if len(payload) == 0 {
		return "", fmt.Errorf("tagdecode: empty text record")
	}
	langLen := int(payload[0] & 0x3F)
	if 1+langLen > len(payload) {
		return "", fmt.Errorf("tagdecode: truncated text record")
	}
	return string(payload[1+langLen:]), nil
}

// DecodeSpoolEaseNDEF parses a raw NTAG page dump and, if it carries a
// SpoolEaseV1 descriptor URL, returns the canonical Record.
func DecodeSpoolEaseNDEF(buf []byte) (*spoolrecord.Record, error) {
	records, err := ParseTLVMessage(buf)
	if err != nil {
		return nil, err
	}
	for _, r := range records {
		if r.Type != "U" {
			continue
		}
		url, err := DecodeURIRecord(r.Payload)
		if err != nil {
			return nil, err
		}
		if !strings.Contains(url, "info.filament3d.org") {
			continue
		}
		return spoolrecord.ParseDescriptorURL(url)
	}
	return nil, fmt.Errorf("tagdecode: no SpoolEaseV1 descriptor record found")
}
