// Package relay implements the session registry and the signaling relay
// that pairs one sender and one receiver per room.
package relay

import (
	"context"
	"encoding/base64"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"p2pdrop/models"
	"p2pdrop/protocol"
)

const (
	DefaultRoomTTL       = 24 * time.Hour
	DefaultGracePeriod   = 30 * time.Second
	DefaultSweepInterval = 60 * time.Second
)

// Peer is a bound control connection.
type Peer interface {
	Send(payload []byte) error
	Close(code int, reason string) error
}

// RegistryOptions configures room lifetimes.
type RegistryOptions struct {
	RoomTTL       time.Duration
	GracePeriod   time.Duration
	SweepInterval time.Duration
	Now           func() time.Time
	Logger        *logrus.Entry
}

func (o RegistryOptions) withDefaults() RegistryOptions {
	if o.RoomTTL <= 0 {
		o.RoomTTL = DefaultRoomTTL
	}
	if o.GracePeriod <= 0 {
		o.GracePeriod = DefaultGracePeriod
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = DefaultSweepInterval
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = logrus.WithField("component", "registry")
	}
	return o
}

// Snapshot is a point-in-time view of a room.
type Snapshot struct {
	ID                string
	Metadata          models.FileMetadata
	CreatedAt         time.Time
	ExpiresAt         time.Time
	SenderConnected   bool
	ReceiverConnected bool
}

// Info converts the snapshot to its HTTP representation.
func (s Snapshot) Info() models.RoomInfo {
	return models.RoomInfo{
		Exists:            true,
		Metadata:          s.Metadata,
		SenderConnected:   s.SenderConnected,
		ReceiverConnected: s.ReceiverConnected,
	}
}

type session struct {
	mu sync.Mutex

	id        string
	metadata  models.FileMetadata
	createdAt time.Time
	expiresAt time.Time
	peers     map[models.Role]Peer
	grace     *time.Timer
	graceSeq  uint64
	deleted   bool
}

func (s *session) snapshot() Snapshot {
	return Snapshot{
		ID:                s.id,
		Metadata:          s.metadata,
		CreatedAt:         s.createdAt,
		ExpiresAt:         s.expiresAt,
		SenderConnected:   s.peers[models.RoleSender] != nil,
		ReceiverConnected: s.peers[models.RoleReceiver] != nil,
	}
}

func (s *session) send(role models.Role, message protocol.SignalMessage) error {
	peer := s.peers[role]
	if peer == nil {
		return nil
	}
	payload, err := protocol.EncodeJSON(message)
	if err != nil {
		return err
	}
	return peer.Send(payload)
}

// Registry owns every room. Mutations of one room are serialized by that
// room's mutex; rooms never share locks.
type Registry struct {
	opts   RegistryOptions
	logger *logrus.Entry

	mu       sync.RWMutex
	sessions map[string]*session
}

// NewRegistry returns an empty registry.
func NewRegistry(opts RegistryOptions) *Registry {
	opts = opts.withDefaults()
	return &Registry{
		opts:     opts,
		logger:   opts.Logger,
		sessions: make(map[string]*session),
	}
}

// NewRoomID returns a URL-safe, collision-resistant room id.
func NewRoomID() string {
	id := uuid.New()
	return base64.RawURLEncoding.EncodeToString(id[:])
}

// CreateSession registers a room for metadata and returns its id.
func (r *Registry) CreateSession(metadata models.FileMetadata) string {
	now := r.opts.Now()
	s := &session{
		id:        NewRoomID(),
		metadata:  metadata,
		createdAt: now,
		expiresAt: now.Add(r.opts.RoomTTL),
		peers:     make(map[models.Role]Peer, 2),
	}

	r.mu.Lock()
	r.sessions[s.id] = s
	r.mu.Unlock()

	r.logger.WithFields(logrus.Fields{
		"room_id":   s.id,
		"file_name": metadata.FileName,
		"file_size": metadata.FileSize,
	}).Info("Room created")
	return s.id
}

func (r *Registry) get(id string) (*session, error) {
	r.mu.RLock()
	s := r.sessions[id]
	r.mu.RUnlock()
	if s == nil {
		return nil, protocol.ErrSessionNotFound
	}
	if !r.opts.Now().Before(s.expiresAt) {
		return nil, protocol.ErrSessionNotFound
	}
	return s, nil
}

// Lookup returns a snapshot of a live room.
func (r *Registry) Lookup(id string) (Snapshot, error) {
	s, err := r.get(id)
	if err != nil {
		return Snapshot{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleted {
		return Snapshot{}, protocol.ErrSessionNotFound
	}
	return s.snapshot(), nil
}

// Count returns the number of rooms, including expired ones not yet swept.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Bind attaches peer to role in room id, replacing and closing any previous
// connection for that role. The opposite role is told about the new peer and
// the new peer receives ready.
func (r *Registry) Bind(id string, role models.Role, peer Peer) error {
	s, err := r.get(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleted {
		return protocol.ErrSessionNotFound
	}

	if s.grace != nil {
		s.grace.Stop()
		s.grace = nil
	}

	logger := r.logger.WithFields(logrus.Fields{"room_id": id, "role": role})
	if previous := s.peers[role]; previous != nil && previous != peer {
		logger.Info("Replacing existing connection")
		_ = previous.Close(protocol.CloseNormal, "replaced by a new connection")
	}
	s.peers[role] = peer

	other := role.Opposite()
	otherConnected := s.peers[other] != nil
	if otherConnected {
		if err := s.send(other, protocol.PeerConnected(role)); err != nil {
			logger.WithError(err).Warn("Notify peer-connected failed")
		}
	}
	if err := s.send(role, protocol.Ready(role, otherConnected)); err != nil {
		logger.WithError(err).Warn("Send ready failed")
	}

	logger.WithField("peer_connected", otherConnected).Info("Peer bound")
	return nil
}

// Relay forwards payload from role to the opposite role of room id. Only the
// message tag is inspected. Messages without a live counterpart are dropped.
func (r *Registry) Relay(id string, role models.Role, payload []byte) {
	logger := r.logger.WithFields(logrus.Fields{"room_id": id, "role": role})

	msgType, err := protocol.DecodeMessageType(payload)
	if err != nil {
		logger.WithError(err).Debug("Dropping undecodable message")
		return
	}

	s, err := r.get(id)
	if err != nil {
		logger.WithField("type", msgType).Debug("Dropping message for unknown room")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	target := s.peers[role.Opposite()]
	if s.deleted || target == nil {
		logger.WithField("type", msgType).Debug("Dropping message; counterpart not connected")
		return
	}
	if err := target.Send(payload); err != nil {
		logger.WithError(err).WithField("type", msgType).Warn("Forward message failed")
		return
	}
	logger.WithField("type", msgType).Debug("Message forwarded")
}

// Unbind detaches peer from role if it is still the current connection.
// When both roles are empty the room is deleted after the grace period
// unless a rebind happens first.
func (r *Registry) Unbind(id string, role models.Role, peer Peer) {
	r.mu.RLock()
	s := r.sessions[id]
	r.mu.RUnlock()
	if s == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleted || s.peers[role] != peer {
		return
	}
	delete(s.peers, role)

	logger := r.logger.WithFields(logrus.Fields{"room_id": id, "role": role})
	if err := s.send(role.Opposite(), protocol.PeerDisconnected(role)); err != nil {
		logger.WithError(err).Warn("Notify peer-disconnected failed")
	}
	logger.Info("Peer unbound")

	if len(s.peers) > 0 {
		return
	}
	if s.grace != nil {
		s.grace.Stop()
	}
	grace := r.opts.GracePeriod
	logger.WithField("grace", grace).Info("Room empty; scheduling deletion")
	s.graceSeq++
	seq := s.graceSeq
	s.grace = time.AfterFunc(grace, func() {
		r.expireIfIdle(s, seq)
	})
}

func (r *Registry) expireIfIdle(s *session, seq uint64) {
	s.mu.Lock()
	if s.graceSeq != seq || s.grace == nil || len(s.peers) > 0 || s.deleted {
		s.mu.Unlock()
		return
	}
	s.deleted = true
	s.grace = nil
	s.mu.Unlock()

	r.remove(s)
	r.logger.WithField("room_id", s.id).Info("Room deleted after grace period")
}

func (r *Registry) remove(s *session) {
	r.mu.Lock()
	if r.sessions[s.id] == s {
		delete(r.sessions, s.id)
	}
	r.mu.Unlock()
}

// Sweep deletes rooms past their expiry and closes their connections.
func (r *Registry) Sweep(now time.Time) int {
	r.mu.RLock()
	expired := make([]*session, 0)
	for _, s := range r.sessions {
		if !now.Before(s.expiresAt) {
			expired = append(expired, s)
		}
	}
	r.mu.RUnlock()

	for _, s := range expired {
		s.mu.Lock()
		s.deleted = true
		if s.grace != nil {
			s.grace.Stop()
			s.grace = nil
		}
		peers := s.peers
		s.peers = make(map[models.Role]Peer)
		s.mu.Unlock()

		for _, peer := range peers {
			_ = peer.Close(protocol.CloseNormal, "room expired")
		}
		r.remove(s)
		r.logger.WithField("room_id", s.id).Info("Expired room removed")
	}
	return len(expired)
}

// RunSweeper calls Sweep every SweepInterval until ctx is done.
func (r *Registry) RunSweeper(ctx context.Context) error {
	ticker := time.NewTicker(r.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Sweep(r.opts.Now())
		}
	}
}
