// Package threemf implements a streaming extractor for a single named
// entry inside a ZIP byte stream (spec.md §4.1, C1). Unlike archive/zip,
// it never looks at the central directory: it scans local file headers
// only, which is sufficient for sequentially-written 3MF archives and
// lets decompressed bytes be delivered to the caller as soon as they're
// available, instead of after the whole archive has been read.
package threemf

import (
	"compress/flate"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Status is the result of a single Feed call.
type Status int

const (
	// NeedMoreData means the extractor consumed the chunk and is waiting
	// for more input to make progress.
	NeedMoreData Status = iota
	// StreamEnded means the DEFLATE stream for the matched entry completed
	// normally.
	StreamEnded
	// OutputProcessorEnded means the caller's output callback asked the
	// extractor to stop.
	OutputProcessorEnded
)

func (s Status) String() string {
	switch s {
	case NeedMoreData:
		return "NeedMoreData"
	case StreamEnded:
		return "StreamEnded"
	case OutputProcessorEnded:
		return "OutputProcessorEnded"
	default:
		return "Unknown"
	}
}

// ErrParse reports a malformed local file header.
var ErrParse = errors.New("threemf: parse error")

// ErrInflate reports a DEFLATE decoding failure.
var ErrInflate = errors.New("threemf: inflate error")

var errStoppedByCallback = errors.New("threemf: output processor stopped")

var localFileHeaderSignature = [4]byte{0x50, 0x4B, 0x03, 0x04}

type state int

const (
	stSignature state = iota
	stFileName
	stExtraField
	stFileData
	stDone
)

// OutputFunc receives decompressed bytes as they are produced. Returning
// false stops extraction early (Feed then reports OutputProcessorEnded).
type OutputFunc func(chunk []byte) bool

type pipeResult struct {
	status Status
	err    error
}

// Extractor locates `target` inside a ZIP byte stream fed incrementally
// via Feed, and streams its DEFLATE-decompressed content to onOutput in
// chunks no larger than outBufSize.
type Extractor struct {
	target     string
	outBufSize int
	onOutput   OutputFunc

	state state
	tail  []byte // up to 3 trailing bytes held over for signature scanning

	sigBytes  [4]byte
	hdrBuf    []byte
	lenParsed bool
	nameLen   uint16
	extraLen  uint16

	extraRemaining int

	pw      *io.PipeWriter
	resultCh chan pipeResult
}

// New creates an Extractor for the named ZIP entry.
func New(target string, outBufSize int, onOutput OutputFunc) *Extractor {
	if outBufSize <= 0 {
		outBufSize = 32 * 1024
	}
	return &Extractor{
		target:     target,
		outBufSize: outBufSize,
		onOutput:   onOutput,
		state:      stSignature,
	}
}

// Feed accepts the next chunk of the ZIP byte stream.
func (e *Extractor) Feed(data []byte) (Status, error) {
	for {
		switch e.state {
		case stSignature:
			combined := append(append([]byte(nil), e.tail...), data...)
			idx := indexSignature(combined)
			if idx < 0 {
				keep := 3
				if len(combined) < keep {
					keep = len(combined)
				}
				e.tail = append([]byte(nil), combined[len(combined)-keep:]...)
				return NeedMoreData, nil
			}
			copy(e.sigBytes[:], combined[idx:idx+4])
			e.tail = nil
			e.hdrBuf = e.hdrBuf[:0]
			e.lenParsed = false
			e.state = stFileName
			data = combined[idx+4:]
			continue

		case stFileName:
			status, rest, done, err := e.feedFileName(data)
			if err != nil {
				e.state = stDone
				return 0, err
			}
			if !done {
				return status, nil
			}
			data = rest
			continue

		case stExtraField:
			n := e.extraRemaining
			if n > len(data) {
				n = len(data)
			}
			e.extraRemaining -= n
			data = data[n:]
			if e.extraRemaining > 0 {
				return NeedMoreData, nil
			}
			e.state = stFileData
			e.startFileData()
			continue

		case stFileData:
			if len(data) == 0 {
				return NeedMoreData, nil
			}
			status, err := e.writeToPipe(data)
			return status, err

		case stDone:
			return StreamEnded, nil

		default:
			return 0, fmt.Errorf("%w: unknown state", ErrParse)
		}
	}
}

// feedFileName accumulates the 26 remaining fixed header bytes plus the
// file name, then either transitions to stExtraField (match) or restarts
// signature scanning one byte past the false match (mismatch). done is
// true once the state machine should loop again with `rest` as the next
// chunk to process.
func (e *Extractor) feedFileName(data []byte) (status Status, rest []byte, done bool, err error) {
	if len(e.hdrBuf) < 26 {
		need := 26 - len(e.hdrBuf)
		n := need
		if n > len(data) {
			n = len(data)
		}
		e.hdrBuf = append(e.hdrBuf, data[:n]...)
		data = data[n:]
		if len(e.hdrBuf) < 26 {
			return NeedMoreData, nil, false, nil
		}
	}
	if !e.lenParsed {
		e.nameLen = binary.LittleEndian.Uint16(e.hdrBuf[22:24])
		e.extraLen = binary.LittleEndian.Uint16(e.hdrBuf[24:26])
		e.lenParsed = true
	}

	target := 26 + int(e.nameLen)
	if len(e.hdrBuf) < target {
		need := target - len(e.hdrBuf)
		n := need
		if n > len(data) {
			n = len(data)
		}
		e.hdrBuf = append(e.hdrBuf, data[:n]...)
		data = data[n:]
		if len(e.hdrBuf) < target {
			return NeedMoreData, nil, false, nil
		}
	}

	name := e.hdrBuf[26:target]
	if len(name) == len(e.target) && string(name) == e.target {
		e.state = stExtraField
		e.extraRemaining = int(e.extraLen)
		e.hdrBuf = e.hdrBuf[:0]
		e.lenParsed = false
		return NeedMoreData, data, true, nil
	}

	// Mismatch: resume scanning one byte past the original signature match.
	rescan := append([]byte(nil), e.sigBytes[1:]...)
	rescan = append(rescan, e.hdrBuf...)
	rescan = append(rescan, data...)
	e.state = stSignature
	e.tail = nil
	return NeedMoreData, rescan, true, nil
}

func (e *Extractor) startFileData() {
	pr, pw := io.Pipe()
	e.pw = pw
	e.resultCh = make(chan pipeResult, 1)
	onOutput := e.onOutput
	outBufSize := e.outBufSize

	go func() {
		fr := flate.NewReader(pr)
		defer fr.Close()
		buf := make([]byte, outBufSize)
		for {
			n, rerr := fr.Read(buf)
			if n > 0 && onOutput != nil {
				if !onOutput(buf[:n]) {
					pr.CloseWithError(errStoppedByCallback)
					e.resultCh <- pipeResult{status: OutputProcessorEnded}
					return
				}
			}
			if rerr == io.EOF {
				e.resultCh <- pipeResult{status: StreamEnded}
				return
			}
			if rerr != nil {
				pr.CloseWithError(rerr)
				e.resultCh <- pipeResult{err: fmt.Errorf("%w: %v", ErrInflate, rerr)}
				return
			}
		}
	}()
}

func (e *Extractor) writeToPipe(data []byte) (Status, error) {
	_, werr := e.pw.Write(data)

	select {
	case res := <-e.resultCh:
		e.state = stDone
		return res.status, res.err
	default:
	}

	if werr != nil {
		res := <-e.resultCh
		e.state = stDone
		return res.status, res.err
	}
	return NeedMoreData, nil
}

// Close releases resources if the caller abandons extraction before the
// stream completes (e.g. a pipeline cancellation, spec.md §4.3).
func (e *Extractor) Close() {
	if e.pw != nil {
		e.pw.CloseWithError(errStoppedByCallback)
		e.pw = nil
	}
}

func indexSignature(b []byte) int {
	for i := 0; i+4 <= len(b); i++ {
		if b[i] == localFileHeaderSignature[0] && b[i+1] == localFileHeaderSignature[1] &&
			b[i+2] == localFileHeaderSignature[2] && b[i+3] == localFileHeaderSignature[3] {
			return i
		}
	}
	return -1
}
