package mqttwire

import "testing"

func TestRecvBufferOversizePayloadResetsIndex(t *testing.T) {
	rb := NewRecvBuffer()

	payload := make([]byte, 64*1024)
	header := append([]byte{(TypePublish << 4)}, EncodeRemainingLength(len(payload))...)
	packet := append(header, payload...)

	var gotErr error
	for off := 0; off < len(packet); off += 4096 {
		end := off + 4096
		if end > len(packet) {
			end = len(packet)
		}
		if err := rb.Append(packet[off:end]); err != nil {
			gotErr = err
			break
		}
		if _, ok, err := rb.Next(); err != nil {
			gotErr = err
			break
		} else if ok {
			t.Fatalf("unexpectedly decoded a packet from an oversize stream")
		}
	}

	if gotErr == nil {
		t.Fatalf("expected an oversize error, got none")
	}
	var tooLarge *RecvMessageTooLarge
	if !asRecvMessageTooLarge(gotErr, &tooLarge) {
		t.Fatalf("error = %v, want *RecvMessageTooLarge", gotErr)
	}
	if rb.Len() != 0 {
		t.Fatalf("buffer index = %d, want 0 after oversize error", rb.Len())
	}
}

func asRecvMessageTooLarge(err error, target **RecvMessageTooLarge) bool {
	if e, ok := err.(*RecvMessageTooLarge); ok {
		*target = e
		return true
	}
	return false
}

func TestRecvBufferRoundTripsSmallPacket(t *testing.T) {
	rb := NewRecvBuffer()
	pkt := EncodePublish("printer/report", []byte("ok"), false)

	if err := rb.Append(pkt); err != nil {
		t.Fatalf("Append: %v", err)
	}
	got, ok, err := rb.Next()
	if err != nil || !ok {
		t.Fatalf("Next: ok=%v err=%v", ok, err)
	}
	pub, err := DecodePublish(got.Header.Flags, got.Body)
	if err != nil {
		t.Fatalf("DecodePublish: %v", err)
	}
	if pub.Topic != "printer/report" || string(pub.Payload) != "ok" {
		t.Fatalf("decoded = %+v", pub)
	}
	if rb.Len() != 0 {
		t.Fatalf("buffer should be empty after consuming the only packet, got %d", rb.Len())
	}
}

func TestRecvBufferGrowsWithinCap(t *testing.T) {
	rb := NewRecvBuffer()
	payload := make([]byte, 40*1024)
	pkt := EncodePublish("t", payload, false)

	if err := rb.Append(pkt); err != nil {
		t.Fatalf("Append: %v", err)
	}
	got, ok, err := rb.Next()
	if err != nil || !ok {
		t.Fatalf("Next: ok=%v err=%v", ok, err)
	}
	if len(got.Body) != 1+2+len(payload) {
		t.Fatalf("body len = %d", len(got.Body))
	}
}
