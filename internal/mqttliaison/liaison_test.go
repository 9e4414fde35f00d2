package mqttliaison

import (
	"crypto/tls"
	"testing"

	"github.com/spoolease/core/internal/events"
	"github.com/spoolease/core/internal/mqttwire"
)

func publishPacket(t *testing.T, topic string, payload []byte) mqttwire.Packet {
	t.Helper()
	raw := mqttwire.EncodePublish(topic, payload, false)
	rb := mqttwire.NewRecvBuffer()
	if err := rb.Append(raw); err != nil {
		t.Fatalf("append: %v", err)
	}
	pkt, ok, err := rb.Next()
	if err != nil || !ok {
		t.Fatalf("expected one fully-framed packet, ok=%v err=%v", ok, err)
	}
	return pkt
}

func TestHandlePacketEmitsJobStartedOnNewTaskID(t *testing.T) {
	bus := events.NewBus()
	ch := bus.Subscribe(8)
	l := New(Config{Printer: "bambu-1"}, bus)

	pkt := publishPacket(t, "device/report", []byte(`{"print":{"task_id":42,"gcode_file":"brtc://emmc/x.gcode.3mf"}}`))
	l.handlePacket(pkt)

	var gotJobStarted bool
	for i := 0; i < 2; i++ {
		select {
		case ev := <-ch:
			if ev.Kind == events.KindJobStarted {
				js, ok := ev.Payload.(events.JobStarted)
				if !ok || js.JobNumber != 42 || js.URL != "brtc://emmc/x.gcode.3mf" {
					t.Fatalf("unexpected JobStarted payload: %+v", ev.Payload)
				}
				gotJobStarted = true
			}
		default:
		}
	}
	if !gotJobStarted {
		t.Fatalf("expected a JobStarted event")
	}

	snap := l.Snapshot()
	if snap.LastJobNumber != 42 || snap.Last3MFURL != "brtc://emmc/x.gcode.3mf" {
		t.Fatalf("unexpected session snapshot: %+v", snap)
	}

	// Re-delivering the same task id must not re-fire JobStarted.
	for len(ch) > 0 {
		<-ch
	}
	l.handlePacket(pkt)
	select {
	case ev := <-ch:
		if ev.Kind == events.KindJobStarted {
			t.Fatalf("did not expect a second JobStarted for an unchanged task_id")
		}
	default:
	}
}

func TestSelectTLSConfigRotatesForP2S(t *testing.T) {
	primary := &tls.Config{ServerName: "primary"}
	alt := &tls.Config{ServerName: "alternate"}
	l := New(Config{
		Model:        ModelP2S,
		TrustAnchors: TrustAnchors{Primary: primary, Alternate: alt},
	}, nil)

	if got := l.selectTLSConfig(); got != primary {
		t.Fatalf("expected primary anchor before rotation")
	}
	l.useAlternateCA = true
	if got := l.selectTLSConfig(); got != alt {
		t.Fatalf("expected alternate anchor after rotation")
	}
}

func TestSelectTLSConfigIgnoresRotationForOtherModels(t *testing.T) {
	primary := &tls.Config{ServerName: "primary"}
	alt := &tls.Config{ServerName: "alternate"}
	l := New(Config{
		Model:        ModelBambuGeneral,
		TrustAnchors: TrustAnchors{Primary: primary, Alternate: alt},
	}, nil)
	l.useAlternateCA = true
	if got := l.selectTLSConfig(); got != primary {
		t.Fatalf("non-P2S models must never use the alternate anchor")
	}
}

func TestPublishDropsWhenQueueFull(t *testing.T) {
	l := New(Config{Printer: "p1"}, events.NewBus())
	ok := true
	for i := 0; i < outboundQueueDepth+1; i++ {
		ok = l.Publish("topic", []byte("x"))
	}
	if ok {
		t.Fatalf("expected Publish to report false once the outbound queue is full")
	}
}

func TestSetConnectedPublishesOnlyOnChange(t *testing.T) {
	bus := events.NewBus()
	ch := bus.Subscribe(4)
	l := New(Config{Printer: "p1"}, bus)

	l.setConnected(true)
	l.setConnected(true)
	l.setConnected(false)

	count := 0
loop:
	for {
		select {
		case <-ch:
			count++
		default:
			break loop
		}
	}
	if count != 2 {
		t.Fatalf("expected 2 connectivity events (true, false), got %d", count)
	}
}
