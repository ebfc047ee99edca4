package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/pebbe/zmq4"

	"particle-roi-go/internal/cborarray"
	"particle-roi-go/internal/frame"
)

func imageMessage(t *testing.T, id int, key string, p frame.Plane) []byte {
	t.Helper()
	msg := map[string]any{
		"type":       "image",
		"image_id":   id,
		"start_time": 1.25,
		"data": map[string]any{
			key: cborarray.Encode(p),
		},
	}
	payload, err := cbor.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}
	return payload
}

type memRecorder struct {
	records [][]byte
}

func (m *memRecorder) Record(payload []byte) error {
	m.records = append(m.records, append([]byte(nil), payload...))
	return nil
}

func TestDecodeMessageImage(t *testing.T) {
	msg := map[string]any{
		"type":       "image",
		"image_id":   7,
		"start_time": 1.25,
		"data": map[string]any{
			"threshold_0": cbor.Tag{
				Number: cborarray.TagMultiDimArray,
				Content: []any{
					[]any{1, 2},
					cbor.Tag{
						Number:  cborarray.TagUint8,
						Content: []byte{10, 20},
					},
				},
			},
		},
	}

	payload, err := cbor.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}

	s := New(Config{})
	raw, ok := s.decodeMessage(payload)
	if !ok {
		t.Fatalf("decodeMessage returned ok=false")
	}
	if raw.ImageID != 7 {
		t.Fatalf("unexpected image_id: %d", raw.ImageID)
	}
	if raw.StartTime != 1.25 {
		t.Fatalf("unexpected start_time: %v", raw.StartTime)
	}
	if raw.Plane.Width != 2 || raw.Plane.Height != 1 {
		t.Fatalf("unexpected plane shape: %dx%d", raw.Plane.Width, raw.Plane.Height)
	}
	if raw.Plane.Pix[0] != 10 || raw.Plane.Pix[1] != 20 {
		t.Fatalf("unexpected plane values: %v", raw.Plane.Pix)
	}
}

func TestDecodeMessageSkips(t *testing.T) {
	p := frame.NewPlane(2, 2)
	s := New(Config{DataKey: "image", LogEvery: 1000})

	start, _ := cbor.Marshal(map[string]any{"type": "start", "series_id": 1})
	if _, ok := s.decodeMessage(start); ok {
		t.Fatalf("start message must be skipped")
	}
	if _, ok := s.decodeMessage([]byte{0xff, 0x00}); ok {
		t.Fatalf("garbage must be skipped")
	}
	if _, ok := s.decodeMessage(imageMessage(t, 1, "other", p)); ok {
		t.Fatalf("message without the configured key must be skipped")
	}
	if _, ok := s.decodeMessage(imageMessage(t, 2, "image", p)); !ok {
		t.Fatalf("message with the configured key must decode")
	}
}

func TestSourceReceivesOverZMQ(t *testing.T) {
	const endpoint = "inproc://ingest-test"
	push, err := zmq4.NewSocket(zmq4.PUSH)
	if err != nil {
		t.Fatalf("push socket: %v", err)
	}
	defer push.Close()
	if err := push.Bind(endpoint); err != nil {
		t.Fatalf("bind: %v", err)
	}

	rec := &memRecorder{}
	src := New(Config{Endpoint: endpoint, PollInterval: 20 * time.Millisecond, Recorder: rec})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := src.Start(ctx); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer src.Stop()

	want := frame.NewPlane(4, 3)
	for i := range want.Pix {
		want.Pix[i] = uint16(i * 1000)
	}
	status, _ := cbor.Marshal(map[string]any{"type": "end"})
	if _, err := push.SendBytes(status, 0); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := push.SendBytes(imageMessage(t, 42, "image", want), 0); err != nil {
		t.Fatalf("send: %v", err)
	}

	got, err := src.Frame(ctx)
	if err != nil {
		t.Fatalf("Frame error: %v", err)
	}
	if got.Width != 4 || got.Height != 3 || got.At(3, 2) != 11000 {
		t.Fatalf("unexpected plane %+v", got)
	}
	if src.LastImageID() != 42 {
		t.Fatalf("unexpected image id %d", src.LastImageID())
	}
	if len(rec.records) != 2 {
		t.Fatalf("expected both messages recorded, got %d", len(rec.records))
	}
}

func TestFrameStopsOnContext(t *testing.T) {
	src := New(Config{Endpoint: "inproc://ingest-idle", PollInterval: 10 * time.Millisecond})
	if err := src.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer src.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := src.Frame(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}

func TestFrameAfterStop(t *testing.T) {
	src := New(Config{Endpoint: "inproc://ingest-stopped"})
	if _, err := src.Frame(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
