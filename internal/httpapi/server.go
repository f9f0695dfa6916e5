// Package httpapi exposes the read-only query contract plus operational
// endpoints (liveness, readiness, Prometheus metrics). It never writes to
// the datastore.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/meshrank/meshrank/internal/geo"
	"github.com/meshrank/meshrank/internal/store"
)

// SourceChecker reports whether the upstream report source is live.
type SourceChecker interface {
	IsConnected() bool
}

type Server struct {
	store  *store.Store
	source SourceChecker
	logger *zap.Logger
	srv    *http.Server
}

func NewServer(listen string, st *store.Store, source SourceChecker, logger *zap.Logger) *Server {
	s := &Server{store: st, source: source, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /api/v1/observers", s.handleObservers)
	mux.HandleFunc("GET /api/v1/messages", s.handleMessages)
	mux.HandleFunc("GET /api/v1/nodes/{pub}", s.handleNode)
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)

	s.srv = &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
	return s
}

// Start serves until Shutdown. It returns on listener failure only.
func (s *Server) Start() error {
	s.logger.Info("http listening", zap.String("addr", s.srv.Addr))
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		http.Error(w, "datastore unavailable", http.StatusServiceUnavailable)
		return
	}
	if s.source != nil && !s.source.IsConnected() {
		http.Error(w, "report source disconnected", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (s *Server) handleObservers(w http.ResponseWriter, r *http.Request) {
	windowHours := 24
	if v := r.URL.Query().Get("window_hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "window_hours must be a positive integer", http.StatusBadRequest)
			return
		}
		windowHours = n
	}

	observers, err := s.store.RankedObservers(r.Context(), windowHours)
	if err != nil {
		s.internalError(w, "ranked observers query failed", err)
		return
	}
	if observers == nil {
		observers = []*store.RankedObserver{}
	}
	s.writeJSON(w, observers)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	msgs, err := s.store.RecentMessages(r.Context(), q.Get("channel"), limit)
	if err != nil {
		s.internalError(w, "recent messages query failed", err)
		return
	}

	out := make([]messageJSON, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toMessageJSON(m))
	}
	s.writeJSON(w, out)
}

func (s *Server) handleNode(w http.ResponseWriter, r *http.Request) {
	pub := strings.ToUpper(r.PathValue("pub"))
	node, err := s.store.GetNode(r.Context(), pub)
	if err != nil {
		s.internalError(w, "node query failed", err)
		return
	}
	if node == nil {
		http.Error(w, "node not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, toNodeJSON(node))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h, err := s.store.QueryHealth(r.Context())
	if err != nil {
		s.internalError(w, "health query failed", err)
		return
	}
	s.writeJSON(w, h)
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("response encode failed", zap.Error(err))
	}
}

func (s *Server) internalError(w http.ResponseWriter, msg string, err error) {
	s.logger.Error(msg, zap.Error(err))
	http.Error(w, "internal error", http.StatusInternalServerError)
}

type messageJSON struct {
	MessageHash string   `json:"messageHash"`
	FrameHash   string   `json:"frameHash,omitempty"`
	ChannelName string   `json:"channelName,omitempty"`
	ChannelHash string   `json:"channelHash,omitempty"`
	Sender      string   `json:"sender,omitempty"`
	SenderPub   string   `json:"senderPub,omitempty"`
	Body        string   `json:"body,omitempty"`
	Ts          int64    `json:"ts"`
	Path        []string `json:"path"`
	PathLength  int      `json:"pathLength"`
	Repeats     int      `json:"repeats"`
}

func toMessageJSON(m *store.MessageRecord) messageJSON {
	path := m.Path
	if path == nil {
		path = []string{}
	}
	return messageJSON{
		MessageHash: m.MessageHash,
		FrameHash:   m.FrameHash,
		ChannelName: m.ChannelName,
		ChannelHash: m.ChannelHash,
		Sender:      m.Sender,
		SenderPub:   m.SenderPub,
		Body:        m.Body,
		Ts:          m.TsMs,
		Path:        path,
		PathLength:  m.PathLength,
		Repeats:     m.Repeats,
	}
}

type nodeJSON struct {
	Pub               string      `json:"pub"`
	Name              string      `json:"name,omitempty"`
	Role              store.Role  `json:"role"`
	IsRepeater        bool        `json:"isRepeater"`
	IsObserver        bool        `json:"isObserver"`
	GPS               *geo.LatLon `json:"gps,omitempty"`
	GPSManual         bool        `json:"gpsManual"`
	GPSEstimated      bool        `json:"gpsEstimated"`
	GPSFlagged        bool        `json:"gpsFlagged"`
	ImplausibleGPS    bool        `json:"implausibleGps"`
	HiddenOnMap       bool        `json:"hiddenOnMap"`
	LastAdvertHeardMs int64       `json:"lastAdvertHeard"`
	LastSeenMs        int64       `json:"lastSeen"`
}

func toNodeJSON(n *store.Node) nodeJSON {
	return nodeJSON{
		Pub:               n.Pub,
		Name:              n.Name,
		Role:              n.Role,
		IsRepeater:        n.IsRepeater,
		IsObserver:        n.IsObserver,
		GPS:               n.GPS,
		GPSManual:         n.GPSManual,
		GPSEstimated:      n.GPSEstimated,
		GPSFlagged:        n.GPSFlagged,
		ImplausibleGPS:    n.ImplausibleGPS,
		HiddenOnMap:       n.HiddenOnMap,
		LastAdvertHeardMs: n.LastAdvertHeardMs,
		LastSeenMs:        n.LastSeenMs,
	}
}
