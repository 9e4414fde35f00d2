package threemf

import (
	"bytes"
	"compress/flate"
	"encoding/binary"
	"testing"
)

// buildZIP writes minimal local-file-header-only ZIP entries (no central
// directory, matching what the streaming extractor actually needs).
func buildZIP(t *testing.T, entries map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	for name, content := range entries {
		var compressed bytes.Buffer
		fw, err := flate.NewWriter(&compressed, flate.DefaultCompression)
		if err != nil {
			t.Fatalf("flate.NewWriter: %v", err)
		}
		if _, err := fw.Write(content); err != nil {
			t.Fatalf("flate write: %v", err)
		}
		if err := fw.Close(); err != nil {
			t.Fatalf("flate close: %v", err)
		}

		hdr := make([]byte, 30)
		copy(hdr[0:4], localFileHeaderSignature[:])
		binary.LittleEndian.PutUint16(hdr[4:6], 20)
		binary.LittleEndian.PutUint16(hdr[8:10], 8) // deflate
		binary.LittleEndian.PutUint32(hdr[18:22], uint32(compressed.Len()))
		binary.LittleEndian.PutUint32(hdr[22:26], uint32(len(content)))
		binary.LittleEndian.PutUint16(hdr[26:28], uint16(len(name)))
		binary.LittleEndian.PutUint16(hdr[28:30], 0)

		buf.Write(hdr)
		buf.WriteString(name)
		buf.Write(compressed.Bytes())
	}
	return buf.Bytes()
}

func feedInChunks(t *testing.T, e *Extractor, data []byte, chunkSize int) Status {
	t.Helper()
	var last Status
	for len(data) > 0 {
		n := chunkSize
		if n > len(data) {
			n = len(data)
		}
		status, err := e.Feed(data[:n])
		if err != nil {
			t.Fatalf("Feed: %v", err)
		}
		last = status
		data = data[n:]
		if status != NeedMoreData {
			break
		}
	}
	return last
}

func TestExtractorFindsTargetInSevenByteChunks(t *testing.T) {
	gcode := []byte("G1 X10 Y10\nG1 X20 Y20\nM104 S200\n")
	archive := buildZIP(t, map[string][]byte{
		"a.txt":        bytes.Repeat([]byte{'a'}, 10),
		"target.gcode": gcode,
	})

	var out bytes.Buffer
	e := New("target.gcode", 64, func(chunk []byte) bool {
		out.Write(chunk)
		return true
	})

	status := feedInChunks(t, e, archive, 7)
	if status != StreamEnded {
		t.Fatalf("status = %v, want StreamEnded", status)
	}
	if out.String() != string(gcode) {
		t.Fatalf("extracted = %q, want %q", out.String(), gcode)
	}
}

func TestExtractorSkipsNonMatchingEntry(t *testing.T) {
	archive := buildZIP(t, map[string][]byte{
		"decoy.gcode": []byte("this is not the target"),
	})
	// Append a genuine target after the decoy.
	archive = append(archive, buildZIP(t, map[string][]byte{
		"target.gcode": []byte("G28\n"),
	})...)

	var out bytes.Buffer
	e := New("target.gcode", 32, func(chunk []byte) bool {
		out.Write(chunk)
		return true
	})
	status := feedInChunks(t, e, archive, 13)
	if status != StreamEnded {
		t.Fatalf("status = %v, want StreamEnded", status)
	}
	if out.String() != "G28\n" {
		t.Fatalf("extracted = %q, want %q", out.String(), "G28\n")
	}
}

func TestExtractorOutputProcessorEnded(t *testing.T) {
	gcode := bytes.Repeat([]byte("M104 S200\n"), 50)
	archive := buildZIP(t, map[string][]byte{"target.gcode": gcode})

	seen := 0
	e := New("target.gcode", 16, func(chunk []byte) bool {
		seen++
		return seen < 2
	})
	status := feedInChunks(t, e, archive, 9)
	if status != OutputProcessorEnded {
		t.Fatalf("status = %v, want OutputProcessorEnded", status)
	}
}

func TestExtractorRejectsFalseSignatureInFileName(t *testing.T) {
	// A file name that itself contains the local file header signature
	// bytes must not confuse the scanner once it has been ruled out as
	// the actual target.
	name := "x" + string(localFileHeaderSignature[:]) + "y"
	archive := buildZIP(t, map[string][]byte{
		name:            []byte("decoy"),
		"target.gcode": []byte("G1\n"),
	})

	var out bytes.Buffer
	e := New("target.gcode", 32, func(chunk []byte) bool {
		out.Write(chunk)
		return true
	})
	status := feedInChunks(t, e, archive, 11)
	if status != StreamEnded {
		t.Fatalf("status = %v, want StreamEnded", status)
	}
	if out.String() != "G1\n" {
		t.Fatalf("extracted = %q, want %q", out.String(), "G1\n")
	}
}
