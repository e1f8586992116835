package signalling

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Honorable-Knights-of-the-Roundtable/roundmesh/pkg/signalling"
)

// Endpoint is the hub's handle on one connected client. Deliver must not
// block; implementations queue the envelope for their own delivery loop.
type Endpoint interface {
	Deliver(envelope signalling.Envelope) error
}

type HubOptions struct {
	// Assigns participant ids. Defaults to random uuids.
	NewID func() signalling.ParticipantID

	// Defaults to time.Now
	Now func() time.Time

	// Receives the hub's metrics when set
	Registerer prometheus.Registerer

	Logger *slog.Logger
}

// Hub tracks rooms and their participants, emits roster events and relays
// offers, answers and candidates between participants of the same room.
//
// The first participant to join a room is its host. When the host leaves,
// the participant who joined earliest among those remaining takes over.
//
// All delivery happens under the hub's lock, so two participants always
// see each other's messages in send order.
type Hub struct {
	logger  *slog.Logger
	newID   func() signalling.ParticipantID
	now     func() time.Time
	metrics *hubMetrics

	mu         sync.Mutex
	endpoints  map[signalling.ParticipantID]Endpoint
	membership map[signalling.ParticipantID]signalling.RoomID
	rooms      map[signalling.RoomID]*hubRoom
}

type hubRoom struct {
	id     signalling.RoomID
	hostID signalling.ParticipantID

	// In join order
	participants []signalling.Participant
}

func NewHub(options HubOptions) *Hub {
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	if options.NewID == nil {
		options.NewID = func() signalling.ParticipantID {
			return signalling.ParticipantID(uuid.New().String())
		}
	}
	if options.Now == nil {
		options.Now = time.Now
	}

	return &Hub{
		logger:     options.Logger,
		newID:      options.NewID,
		now:        options.Now,
		metrics:    newHubMetrics(options.Registerer),
		endpoints:  make(map[signalling.ParticipantID]Endpoint),
		membership: make(map[signalling.ParticipantID]signalling.RoomID),
		rooms:      make(map[signalling.RoomID]*hubRoom),
	}
}

// Register assigns a participant id to a newly connected endpoint.
func (h *Hub) Register(endpoint Endpoint) signalling.ParticipantID {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.newID()
	h.endpoints[id] = endpoint
	h.logger.Debug("endpoint registered", "participantId", id)
	return id
}

// Unregister removes a disconnected endpoint, leaving its room.
func (h *Hub) Unregister(id signalling.ParticipantID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.leaveLocked(id)
	delete(h.endpoints, id)
	h.logger.Debug("endpoint unregistered", "participantId", id)
}

// Participants returns the members of a room in join order.
func (h *Hub) Participants(roomID signalling.RoomID) []signalling.Participant {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.rooms[roomID]
	if !ok {
		return nil
	}
	return slices.Clone(room.participants)
}

// Handle processes one envelope sent by a registered participant.
func (h *Hub) Handle(from signalling.ParticipantID, envelope signalling.Envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()

	logger := h.logger.With("participantId", from, "event", envelope.Event)
	if _, ok := h.endpoints[from]; !ok {
		logger.Warn("envelope from unregistered participant")
		return
	}

	switch envelope.Event {
	case signalling.EventJoinRoom:
		var request signalling.JoinRoomRequest
		if err := json.Unmarshal(envelope.Payload, &request); err != nil || request.RoomID == "" {
			logger.Warn("malformed join request", "err", err)
			h.sendErrorLocked(from, "malformed join request")
			return
		}
		h.joinLocked(from, request)

	case signalling.EventLeaveRoom:
		h.leaveLocked(from)

	case signalling.EventOffer, signalling.EventAnswer, signalling.EventICECandidate:
		var message signalling.SignalMessage
		if err := json.Unmarshal(envelope.Payload, &message); err != nil {
			logger.Warn("malformed signal message", "err", err)
			h.sendErrorLocked(from, "malformed signal message")
			return
		}
		h.relayLocked(from, envelope.Event, message, logger)

	default:
		logger.Warn("unknown event")
		h.sendErrorLocked(from, fmt.Sprintf("unknown event %q", envelope.Event))
	}
}

// --------------------------------------------------------------------------------
// Must hold h.mu for everything below

func (h *Hub) joinLocked(id signalling.ParticipantID, request signalling.JoinRoomRequest) {
	if current, ok := h.membership[id]; ok {
		if current == request.RoomID {
			return
		}
		h.leaveLocked(id)
	}

	room, ok := h.rooms[request.RoomID]
	if !ok {
		room = &hubRoom{id: request.RoomID}
		h.rooms[request.RoomID] = room
		h.logger.Info("created new room", "roomId", room.id)
	}

	participant := signalling.Participant{
		ID:          id,
		DisplayName: request.DisplayName,
		IsHost:      len(room.participants) == 0,
		JoinedAt:    h.now(),
	}
	if participant.IsHost {
		room.hostID = id
	}
	room.participants = append(room.participants, participant)
	h.membership[id] = room.id
	h.metrics.participants.Inc()

	h.logger.Info(
		"participant joined room",
		"participantId", id,
		"roomId", room.id,
		"participants", len(room.participants),
	)

	h.deliverLocked(id, signalling.EventRoomJoined, signalling.RoomJoined{
		You:          id,
		HostID:       room.hostID,
		Participants: slices.Clone(room.participants),
	})
	h.broadcastLocked(room, id, signalling.EventUserJoined, signalling.UserJoined{
		UserID:   id,
		Name:     participant.DisplayName,
		IsHost:   participant.IsHost,
		JoinedAt: participant.JoinedAt,
	})
}

func (h *Hub) leaveLocked(id signalling.ParticipantID) {
	roomID, ok := h.membership[id]
	if !ok {
		return
	}
	delete(h.membership, id)
	h.metrics.participants.Dec()

	room := h.rooms[roomID]
	room.participants = slices.DeleteFunc(room.participants, func(p signalling.Participant) bool {
		return p.ID == id
	})
	h.logger.Info("participant left room", "participantId", id, "roomId", roomID)

	if len(room.participants) == 0 {
		delete(h.rooms, roomID)
		h.logger.Info("removed empty room", "roomId", roomID)
		return
	}

	h.broadcastLocked(room, id, signalling.EventUserLeft, signalling.UserLeft{UserID: id})
	if room.hostID == id {
		room.hostID = room.participants[0].ID
		room.participants[0].IsHost = true
		h.broadcastLocked(room, id, signalling.EventHostChanged, signalling.HostChanged{
			PreviousHostID: id,
			NewHostID:      room.hostID,
		})
	}
}

func (h *Hub) relayLocked(from signalling.ParticipantID, event string, message signalling.SignalMessage, logger *slog.Logger) {
	roomID, ok := h.membership[from]
	if !ok {
		logger.Warn("relay from participant outside any room")
		h.sendErrorLocked(from, "join a room before signalling")
		return
	}
	if h.membership[message.TargetID] != roomID {
		logger.Warn("relay to unknown target", "targetId", message.TargetID)
		h.sendErrorLocked(from, fmt.Sprintf("unknown target %q", message.TargetID))
		return
	}

	message.FromID = from
	message.RoomID = roomID
	h.metrics.relayed.WithLabelValues(event).Inc()
	h.deliverLocked(message.TargetID, event, message)
}

func (h *Hub) broadcastLocked(room *hubRoom, exclude signalling.ParticipantID, event string, payload any) {
	for _, p := range room.participants {
		if p.ID != exclude {
			h.deliverLocked(p.ID, event, payload)
		}
	}
}

func (h *Hub) sendErrorLocked(to signalling.ParticipantID, message string) {
	h.deliverLocked(to, signalling.EventError, signalling.ErrorMessage{Message: message})
}

func (h *Hub) deliverLocked(to signalling.ParticipantID, event string, payload any) {
	endpoint, ok := h.endpoints[to]
	if !ok {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("error while marshalling payload", "err", err, "event", event)
		return
	}
	if err := endpoint.Deliver(signalling.Envelope{Event: event, Payload: raw}); err != nil {
		h.logger.Warn("failed to deliver envelope", "err", err, "participantId", to, "event", event)
	}
}
