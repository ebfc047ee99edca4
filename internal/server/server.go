package server

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"io/fs"
	"log"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"particle-roi-go/internal/types"
)

//go:embed web/*
var webFS embed.FS

// Hooks connect the server to the running measurement. Any may be nil.
type Hooks struct {
	Status   func() map[string]any
	Snapshot func() any
	Config   func() map[string]any
	Control  func(types.Control) error
}

type Server struct {
	upgrader websocket.Upgrader
	clients  map[*websocket.Conn]*sync.Mutex
	mu       sync.Mutex
	port     int
	hooks    Hooks
}

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
	pingEvery = (pongWait * 9) / 10
)

func New(port int, hooks Hooks) *Server {
	return &Server{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]*sync.Mutex),
		port:    port,
		hooks:   hooks,
	}
}

func (s *Server) Handler() (http.Handler, error) {
	sub, err := fs.Sub(webFS, "web")
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/", http.FileServer(http.FS(sub)))
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/config", s.handleConfig)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/control", s.handleControl)
	return mux, nil
}

// Run serves HTTP and broadcasts every message to connected browsers until
// ctx is cancelled.
func (s *Server) Run(ctx context.Context, messages <-chan any) error {
	handler, err := s.Handler()
	if err != nil {
		return err
	}
	httpServer := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(s.port)),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	go s.broadcast(ctx, messages)

	log.Printf("serving on http://localhost:%d", s.port)
	if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	s.mu.Lock()
	writeMu := &sync.Mutex{}
	s.clients[conn] = writeMu
	s.mu.Unlock()

	_ = s.writeJSON(conn, writeMu, s.configPayload())
	if latest := s.snapshot(); latest != nil {
		_ = s.writeJSON(conn, writeMu, latest)
	}

	go func() {
		done := make(chan struct{})
		go func() {
			ticker := time.NewTicker(pingEvery)
			defer ticker.Stop()
			for {
				select {
				case <-done:
					return
				case <-ticker.C:
					if err := s.writeMessage(conn, writeMu, websocket.PingMessage, nil); err != nil {
						_ = conn.Close()
						return
					}
				}
			}
		}()
		defer close(done)
		defer s.removeClient(conn)
		for {
			messageType, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if messageType != websocket.TextMessage {
				continue
			}
			reply := s.handleRequest(payload)
			if reply != nil {
				_ = s.writeJSON(conn, writeMu, reply)
			}
		}
	}()
}

// handleRequest answers one browser message. Unknown or malformed
// requests are ignored.
func (s *Server) handleRequest(payload []byte) any {
	var request struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &request); err != nil {
		return nil
	}
	switch request.Type {
	case "snapshot_request":
		return s.snapshot()
	case "config_request":
		return s.configPayload()
	case "control":
		var ctl types.Control
		if err := json.Unmarshal(payload, &ctl); err != nil {
			return types.ControlAck{Type: "control_ack", Error: err.Error()}
		}
		return s.applyControl(ctl)
	}
	return nil
}

func (s *Server) applyControl(ctl types.Control) types.ControlAck {
	ack := types.ControlAck{Type: "control_ack", OK: true}
	if s.hooks.Control == nil {
		ack.OK = false
		ack.Error = "controls are not available"
		return ack
	}
	if err := s.hooks.Control(ctl); err != nil {
		ack.OK = false
		ack.Error = err.Error()
		log.Printf("control rejected: %v", err)
	}
	return ack
}

func (s *Server) snapshot() any {
	if s.hooks.Snapshot == nil {
		return nil
	}
	return s.hooks.Snapshot()
}

func (s *Server) configPayload() map[string]any {
	payload := map[string]any{"type": "config"}
	if s.hooks.Config != nil {
		if cfg := s.hooks.Config(); cfg != nil {
			payload = cfg
		}
	}
	return payload
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	payload := s.configPayload()
	payload["port"] = s.port
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	payload := map[string]any{}
	if s.hooks.Status != nil {
		payload = s.hooks.Status()
	}
	payload["ws_clients"] = s.clientCount()
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var ctl types.Control
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&ctl); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ack := s.applyControl(ctl)
	w.Header().Set("Content-Type", "application/json")
	if !ack.OK {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}
	_ = json.NewEncoder(w).Encode(ack)
}

func (s *Server) broadcast(ctx context.Context, messages <-chan any) {
	for {
		select {
		case <-ctx.Done():
			return
		case message, ok := <-messages:
			if !ok {
				return
			}
			payload, err := json.Marshal(message)
			if err != nil {
				continue
			}
			var stale []*websocket.Conn
			s.mu.Lock()
			for conn, writeMu := range s.clients {
				if err := s.writeMessage(conn, writeMu, websocket.TextMessage, payload); err != nil {
					stale = append(stale, conn)
				}
			}
			s.mu.Unlock()
			for _, conn := range stale {
				s.removeClient(conn)
			}
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.clients, conn)
	s.mu.Unlock()
	conn.Close()
}

func (s *Server) clientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) writeJSON(conn *websocket.Conn, writeMu *sync.Mutex, payload any) error {
	writeMu.Lock()
	defer writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(payload)
}

func (s *Server) writeMessage(conn *websocket.Conn, writeMu *sync.Mutex, messageType int, payload []byte) error {
	writeMu.Lock()
	defer writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(messageType, payload)
}
