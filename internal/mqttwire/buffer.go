package mqttwire

const (
	initialBufSize = 32 * 1024
	growIncrement  = 8 * 1024
	maxBufSize     = 48 * 1024
)

// RecvBuffer accumulates inbound bytes and yields complete packets as
// they become available, growing from 32 KiB to a 48 KiB hard cap in
// 8 KiB increments (spec.md §4.4). A packet whose declared remaining
// length would not fit even the grown buffer raises
// RecvMessageTooLarge and the buffer is discarded (not the connection).
type RecvBuffer struct {
	buf []byte
	n   int // bytes currently held in buf[:n]
}

// NewRecvBuffer creates an empty receive buffer at its initial 32 KiB size.
func NewRecvBuffer() *RecvBuffer {
	return &RecvBuffer{buf: make([]byte, initialBufSize)}
}

// Packet is one fully-framed inbound packet: its header and raw body
// (excluding the fixed header bytes).
type Packet struct {
	Header FixedHeader
	Body   []byte
}

// Append adds newly read bytes to the buffer.
func (r *RecvBuffer) Append(data []byte) error {
	for r.n+len(data) > len(r.buf) {
		if len(r.buf) >= maxBufSize {
			r.reset()
			return &RecvMessageTooLarge{N: r.n + len(data)}
		}
		grown := len(r.buf) + growIncrement
		if grown > maxBufSize {
			grown = maxBufSize
		}
		newBuf := make([]byte, grown)
		copy(newBuf, r.buf[:r.n])
		r.buf = newBuf
	}
	copy(r.buf[r.n:], data)
	r.n += len(data)
	return nil
}

// Next extracts the next complete packet, if one is fully buffered. It
// returns ok=false when more data is needed. A packet whose total size
// (header + body) exceeds the buffer's hard cap yields
// RecvMessageTooLarge and resets the buffer to empty.
func (r *RecvBuffer) Next() (pkt Packet, ok bool, err error) {
	hdr, haveHeader, err := DecodeFixedHeader(r.buf[:r.n])
	if err != nil {
		r.reset()
		return Packet{}, false, err
	}
	if !haveHeader {
		if r.n >= maxBufSize {
			r.reset()
			return Packet{}, false, &RecvMessageTooLarge{N: r.n}
		}
		return Packet{}, false, nil
	}

	total := hdr.HeaderLen + hdr.RemainingLength
	if total > maxBufSize {
		r.reset()
		return Packet{}, false, &RecvMessageTooLarge{N: total}
	}
	if total > r.n {
		if err := r.ensureCapacity(total); err != nil {
			return Packet{}, false, err
		}
		return Packet{}, false, nil
	}

	body := append([]byte(nil), r.buf[hdr.HeaderLen:total]...)
	remaining := r.n - total
	copy(r.buf, r.buf[total:r.n])
	r.n = remaining

	return Packet{Header: hdr, Body: body}, true, nil
}

func (r *RecvBuffer) ensureCapacity(total int) error {
	for total > len(r.buf) {
		if len(r.buf) >= maxBufSize {
			r.reset()
			return &RecvMessageTooLarge{N: total}
		}
		grown := len(r.buf) + growIncrement
		if grown > maxBufSize {
			grown = maxBufSize
		}
		newBuf := make([]byte, grown)
		copy(newBuf, r.buf[:r.n])
		r.buf = newBuf
	}
	return nil
}

// reset discards all buffered bytes (spec.md §4.4: "the buffer is
// discarded, and the session continues").
func (r *RecvBuffer) reset() {
	r.buf = make([]byte, initialBufSize)
	r.n = 0
}

// Len reports the number of bytes currently buffered, for diagnostics
// and tests (spec.md §8: "the buffer index to be zero afterward").
func (r *RecvBuffer) Len() int { return r.n }
