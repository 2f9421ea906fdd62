// Package statusfeed serves the search status over HTTP. GET /status returns
// one JSON snapshot; GET /ws streams a snapshot on every change.
package statusfeed

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/StormyCloudInc/blockseek/internal/finder"
	"github.com/StormyCloudInc/blockseek/internal/logging"
)

const (
	writeWait = 5 * time.Second
	// pingPeriod keeps idle streams alive while a long search runs.
	pingPeriod = 30 * time.Second
)

// Snapshot is the wire form of finder.Status.
type Snapshot struct {
	Phase     string    `json:"phase"`
	Job       string    `json:"job,omitempty"`
	Scanned   uint64    `json:"scanned"`
	Chunks    uint32    `json:"chunks"`
	ElapsedMS int64     `json:"elapsed_ms"`
	Position  *[3]int64 `json:"position,omitempty"`
}

// NewSnapshot converts s as of now.
func NewSnapshot(s finder.Status, now time.Time) Snapshot {
	out := Snapshot{
		Phase:     s.Phase.String(),
		Scanned:   s.Scanned,
		Chunks:    s.Chunks,
		ElapsedMS: s.ElapsedAt(now).Milliseconds(),
	}
	if s.Phase != finder.PhaseWaitingForJob {
		out.Job = s.JobID.String()
	}
	if s.Phase == finder.PhaseFinished {
		out.Position = &[3]int64{s.Position.X, s.Position.Y, s.Position.Z}
	}
	return out
}

type Server struct {
	status *finder.StatusCell
	log    logrus.FieldLogger

	upgrader websocket.Upgrader
	done     chan struct{}
	once     sync.Once
}

func NewServer(status *finder.StatusCell, logger logrus.FieldLogger) *Server {
	return &Server{
		status: status,
		log:    logging.Component(logger, "statusfeed"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		done: make(chan struct{}),
	}
}

// Close ends every open stream. http.Server.Shutdown does not wait for
// hijacked connections, so call this alongside it.
func (s *Server) Close() {
	s.once.Do(func() { close(s.done) })
}

// Handler routes /status and /ws.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.statusHandler)
	mux.HandleFunc("/ws", s.wsHandler)
	return mux
}

func (s *Server) statusHandler(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	rw.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(rw).Encode(NewSnapshot(s.status.Load(), time.Now()))
}

func (s *Server) wsHandler(rw http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	s.log.WithField("remote", r.RemoteAddr).Debug("stream opened")

	// The reader only exists to notice the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		changed := s.status.Changed()
		snap := NewSnapshot(s.status.Load(), time.Now())
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(snap); err != nil {
			s.log.WithError(err).Debug("stream write")
			return
		}
		if snap.Phase == finder.PhaseFinished.String() {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "finished"), time.Now().Add(time.Second))
			return
		}
		for waiting := true; waiting; {
			select {
			case <-gone:
				return
			case <-s.done:
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(time.Second))
				return
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return
				}
			case <-changed:
				waiting = false
			}
		}
	}
}

// Run serves on addr until ctx is done.
func (s *Server) Run(ctx context.Context, addr string) error {
	hs := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", addr).Info("status feed listening")
		errCh <- hs.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		s.Close()
		return err
	case <-ctx.Done():
	}
	s.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := hs.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
