package mqtt

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/meshrank/meshrank/internal/ingest"
)

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 0 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 0 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

func TestHandleMessageForwards(t *testing.T) {
	reports := make(chan ingest.Inbound, 1)
	c := NewConsumer("tcp://localhost:1883", "meshrank/observers/+/packets",
		"", "", "test", time.Second, reports, zap.NewNop())

	c.handleMessage(nil, &fakeMessage{
		topic:   "meshrank/observers/obs-1/packets",
		payload: []byte(`{"payloadHex":"11024142"}`),
	})

	select {
	case in := <-reports:
		if in.Topic != "meshrank/observers/obs-1/packets" {
			t.Errorf("topic = %q", in.Topic)
		}
		if string(in.Payload) != `{"payloadHex":"11024142"}` {
			t.Errorf("payload = %q", in.Payload)
		}
	default:
		t.Fatal("report not forwarded")
	}
}

func TestHandleMessageDropsWhenSaturated(t *testing.T) {
	reports := make(chan ingest.Inbound, 1)
	c := NewConsumer("tcp://localhost:1883", "t", "", "", "test",
		time.Second, reports, zap.NewNop())

	c.handleMessage(nil, &fakeMessage{topic: "t", payload: []byte("a")})
	// Channel full now; these must not block.
	c.handleMessage(nil, &fakeMessage{topic: "t", payload: []byte("b")})
	c.handleMessage(nil, &fakeMessage{topic: "t", payload: []byte("c")})

	if got := c.dropped.Load(); got != 2 {
		t.Errorf("dropped = %d, want 2", got)
	}
	if in := <-reports; string(in.Payload) != "a" {
		t.Errorf("first report = %q, want the one accepted before saturation", in.Payload)
	}
}

func TestIsConnectedBeforeStart(t *testing.T) {
	c := NewConsumer("tcp://localhost:1883", "t", "", "", "test",
		time.Second, make(chan ingest.Inbound), zap.NewNop())
	if c.IsConnected() {
		t.Error("consumer reports connected before Start")
	}
}
