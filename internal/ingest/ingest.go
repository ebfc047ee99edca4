package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/pebbe/zmq4"

	"particle-roi-go/internal/cborarray"
	"particle-roi-go/internal/frame"
)

var ErrClosed = errors.New("ingest source is not running")

// Recorder receives every raw message before it is decoded.
type Recorder interface {
	Record(payload []byte) error
}

type Config struct {
	Endpoint     string
	DataKey      string        // key inside "data" holding the image
	PollInterval time.Duration // receive timeout between context checks
	LogEvery     int
	Recorder     Recorder
}

// Source pulls CBOR image messages from a ZMQ PUSH socket:
// { "type": "image", "image_id": <int>, "start_time": <float>, "data": { <key>: <tag 40 array> } }
// Messages of any other type are skipped.
type Source struct {
	cfg Config

	mu     sync.Mutex
	socket *zmq4.Socket

	logCounter int
	lastID     int
}

func New(cfg Config) *Source {
	if cfg.LogEvery < 1 {
		cfg.LogEvery = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 200 * time.Millisecond
	}
	return &Source{cfg: cfg}
}

func (s *Source) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	socket, err := zmq4.NewSocket(zmq4.PULL)
	if err != nil {
		return err
	}
	if err := socket.SetRcvtimeo(s.cfg.PollInterval); err != nil {
		_ = socket.Close()
		return err
	}
	if err := socket.Connect(s.cfg.Endpoint); err != nil {
		_ = socket.Close()
		return fmt.Errorf("connect %s: %w", s.cfg.Endpoint, err)
	}
	s.mu.Lock()
	s.socket = socket
	s.mu.Unlock()
	log.Printf("ingest connected to %s", s.cfg.Endpoint)
	return nil
}

func (s *Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.socket == nil {
		return nil
	}
	err := s.socket.Close()
	s.socket = nil
	return err
}

// LastImageID is the image_id of the most recent decoded frame.
func (s *Source) LastImageID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastID
}

// Frame blocks until the next image message arrives or ctx is done.
// Undecodable messages are logged and skipped.
func (s *Source) Frame(ctx context.Context) (frame.Plane, error) {
	for {
		if err := ctx.Err(); err != nil {
			return frame.Plane{}, err
		}
		s.mu.Lock()
		socket := s.socket
		s.mu.Unlock()
		if socket == nil {
			return frame.Plane{}, ErrClosed
		}

		msg, err := socket.RecvBytes(0)
		if err != nil {
			if zmq4.AsErrno(err) == zmq4.Errno(syscall.EAGAIN) {
				continue
			}
			s.logEveryN("ingest recv error: %v", err)
			continue
		}
		if s.cfg.Recorder != nil {
			if err := s.cfg.Recorder.Record(msg); err != nil {
				s.logEveryN("ingest raw log error: %v", err)
			}
		}

		img, ok := s.decodeMessage(msg)
		if !ok {
			continue
		}
		s.mu.Lock()
		s.lastID = img.ImageID
		s.mu.Unlock()
		return img.Plane, nil
	}
}

type message struct {
	ImageID   int
	StartTime float64
	Plane     frame.Plane
}

func (s *Source) decodeMessage(msg []byte) (message, bool) {
	var payload map[string]any
	if err := cbor.Unmarshal(msg, &payload); err != nil {
		s.logEveryN("ingest CBOR decode error: %v", err)
		return message{}, false
	}

	msgType, _ := payload["type"].(string)
	if msgType != "image" {
		s.logEveryN("ingest ignoring message type %q", msgType)
		return message{}, false
	}

	imageID, err := toInt(payload["image_id"])
	if err != nil {
		s.logEveryN("ingest invalid image_id: %v", err)
		return message{}, false
	}
	startTime, err := toFloat(payload["start_time"])
	if err != nil {
		startTime = 0
	}

	data, ok := asMap(payload["data"])
	if !ok {
		s.logEveryN("ingest invalid data field")
		return message{}, false
	}
	value, ok := pick(data, s.cfg.DataKey)
	if !ok {
		s.logEveryN("ingest message %d has no image under %q", imageID, s.cfg.DataKey)
		return message{}, false
	}
	p, err := cborarray.Decode(value)
	if err != nil {
		s.logEveryN("ingest image %d: %v", imageID, err)
		return message{}, false
	}
	return message{ImageID: imageID, StartTime: startTime, Plane: p}, true
}

func asMap(v any) (map[any]any, bool) {
	switch m := v.(type) {
	case map[any]any:
		return m, true
	case map[string]any:
		out := make(map[any]any, len(m))
		for k, v := range m {
			out[k] = v
		}
		return out, true
	default:
		return nil, false
	}
}

// pick returns data[key], or the first entry in key order when key is
// empty.
func pick(data map[any]any, key string) (any, bool) {
	if key != "" {
		v, ok := data[key]
		return v, ok
	}
	keys := make([]string, 0, len(data))
	for k := range data {
		if ks, ok := k.(string); ok {
			keys = append(keys, ks)
		}
	}
	if len(keys) == 0 {
		return nil, false
	}
	sort.Strings(keys)
	return data[keys[0]], true
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case uint64:
		return int(n), nil
	case uint32:
		return int(n), nil
	case float64:
		return int(n), nil
	default:
		return 0, fmt.Errorf("unsupported int type %T", v)
	}
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("unsupported float type %T", v)
	}
}

func (s *Source) logEveryN(format string, args ...any) {
	s.logCounter++
	if s.logCounter%s.cfg.LogEvery == 0 {
		log.Printf(format, args...)
	}
}
