package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"p2pdrop/models"
	"p2pdrop/protocol"
)

const (
	writeTimeout      = 10 * time.Second
	shutdownTimeout   = 5 * time.Second
	maxMessageSize    = 1 << 20
	readHeaderTimeout = 15 * time.Second
)

// ServerOptions configures the relay HTTP server.
type ServerOptions struct {
	// ListenAddr is the TCP address to serve on.
	ListenAddr string
	// PublicURL prefixes share links. Defaults to the request's origin.
	PublicURL string
	Registry  RegistryOptions
	// Advertise, when set, is called once the listener is bound and runs
	// until ctx is done.
	Advertise func(ctx context.Context, port int) error
	Logger    *logrus.Entry
}

// Server serves room creation, room lookup and the signaling websocket.
type Server struct {
	opts     ServerOptions
	registry *Registry
	upgrader websocket.Upgrader
	router   *mux.Router
	logger   *logrus.Entry
}

// NewServer builds a relay with a fresh registry.
func NewServer(opts ServerOptions) *Server {
	if opts.Logger == nil {
		opts.Logger = logrus.WithField("component", "relay")
	}
	if opts.Registry.Logger == nil {
		opts.Registry.Logger = opts.Logger.WithField("component", "registry")
	}

	s := &Server{
		opts:     opts,
		registry: NewRegistry(opts.Registry),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
		logger: opts.Logger,
	}

	router := mux.NewRouter()
	router.HandleFunc("/api/create-room", s.handleCreateRoom).Methods(http.MethodPost)
	router.HandleFunc("/api/room/{roomId}", s.handleGetRoom).Methods(http.MethodGet)
	router.HandleFunc("/ws", s.handleWebSocket)
	s.router = router
	return s
}

// Registry returns the server's room registry.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is done, sweeping expired rooms in the background.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.opts.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %q: %w", s.opts.ListenAddr, err)
	}
	return s.Serve(ctx, listener)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	httpServer := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		s.logger.WithField("addr", listener.Addr().String()).Info("Relay listening")
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve relay: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		return s.registry.RunSweeper(ctx)
	})
	if s.opts.Advertise != nil {
		port := 0
		if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
			port = tcpAddr.Port
		}
		group.Go(func() error {
			return s.opts.Advertise(ctx, port)
		})
	}
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return group.Wait()
}

type createRoomRequest struct {
	Metadata models.FileMetadata `json:"metadata"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	var req createRoomRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxMessageSize)).Decode(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	roomID := s.registry.CreateSession(req.Metadata)
	respondJSON(w, http.StatusCreated, models.CreatedRoom{
		RoomID: roomID,
		URL:    s.shareURL(r, roomID),
	})
}

func (s *Server) shareURL(r *http.Request, roomID string) string {
	base := strings.TrimRight(s.opts.PublicURL, "/")
	if base == "" {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		base = scheme + "://" + r.Host
	}
	return base + "/transfer/" + roomID
}

func (s *Server) handleGetRoom(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["roomId"]
	snapshot, err := s.registry.Lookup(roomID)
	if err != nil {
		respondJSON(w, http.StatusNotFound, errorResponse{Error: "Room not found or expired"})
		return
	}
	respondJSON(w, http.StatusOK, snapshot.Info())
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Debug("Websocket upgrade failed")
		return
	}

	query := r.URL.Query()
	roomID := strings.TrimSpace(query.Get("roomId"))
	rawRole := strings.TrimSpace(query.Get("role"))
	if roomID == "" || rawRole == "" {
		rejectConn(conn, "Missing roomId or role")
		return
	}
	role, err := models.ParseRole(rawRole)
	if err != nil {
		rejectConn(conn, "Invalid role")
		return
	}

	peer := newWSPeer(conn)
	if err := s.registry.Bind(roomID, role, peer); err != nil {
		rejectConn(conn, "Room not found")
		return
	}
	defer func() {
		s.registry.Unbind(roomID, role, peer)
		_ = peer.Close(protocol.CloseNormal, "")
	}()

	logger := s.logger.WithFields(logrus.Fields{"room_id": roomID, "role": role})
	conn.SetReadLimit(maxMessageSize)
	for {
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.WithError(err).Debug("Websocket read ended")
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		s.registry.Relay(roomID, role, payload)
	}
}

func rejectConn(conn *websocket.Conn, reason string) {
	deadline := time.Now().Add(writeTimeout)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(protocol.ClosePolicyViolation, reason), deadline)
	_ = conn.Close()
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// wsPeer serializes writes to one websocket connection.
type wsPeer struct {
	conn *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func newWSPeer(conn *websocket.Conn) *wsPeer {
	return &wsPeer{conn: conn}
}

func (p *wsPeer) Send(payload []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if err := p.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return p.conn.WriteMessage(websocket.TextMessage, payload)
}

func (p *wsPeer) Close(code int, reason string) error {
	var closeErr error
	p.closeOnce.Do(func() {
		p.writeMu.Lock()
		_ = p.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeTimeout))
		p.writeMu.Unlock()
		closeErr = p.conn.Close()
	})
	return closeErr
}
