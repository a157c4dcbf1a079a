package client

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sittitep/tradetalk/wire"
)

// DefaultTypingWindow is the idle duration after which a typing signal
// is considered expired.
const DefaultTypingWindow = time.Second

// PresenceTracker derives the roster and the typing view from frames.
// Every typing entry carries a passive expiry timer, so an indicator
// cannot stay stuck on when the stop frame is lost in transit. All
// timers are owned by the tracker and canceled on Close.
type PresenceTracker struct {
	self   wire.Participant
	window time.Duration
	send   func(*wire.Frame) error
	logger *slog.Logger

	mu         sync.Mutex
	roster     map[string]wire.Participant
	typing     map[string]*typingEntry
	selfTyping bool
	selfStop   *time.Timer
	closed     bool
}

type typingEntry struct {
	participant wire.Participant
	expire      *time.Timer
}

// NewPresenceTracker builds a tracker for self. send delivers outbound
// typing frames; failures are logged, not escalated, because typing is
// best-effort signaling.
func NewPresenceTracker(self wire.Participant, window time.Duration, send func(*wire.Frame) error, logger *slog.Logger) *PresenceTracker {
	if window <= 0 {
		window = DefaultTypingWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	if send == nil {
		send = func(*wire.Frame) error { return nil }
	}
	return &PresenceTracker{
		self:   self,
		window: window,
		send:   send,
		logger: logger,
		roster: make(map[string]wire.Participant),
		typing: make(map[string]*typingEntry),
	}
}

// StartTyping sends typing_start at most once per debounce window and
// arms an automatic typing_stop that fires when the window elapses
// with no further input. Repeated calls restart the window.
func (p *PresenceTracker) StartTyping(roomID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	if !p.selfTyping {
		p.selfTyping = true
		p.sendTyping(wire.TypingStart, roomID)
	}
	if p.selfStop != nil {
		p.selfStop.Stop()
	}
	p.selfStop = time.AfterFunc(p.window, func() {
		p.StopTyping(roomID)
	})
}

// StopTyping cancels the pending auto-stop and sends typing_stop
// immediately, e.g. when a message is sent.
func (p *PresenceTracker) StopTyping(roomID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.selfStop != nil {
		p.selfStop.Stop()
		p.selfStop = nil
	}
	if !p.selfTyping {
		return
	}
	p.selfTyping = false
	p.sendTyping(wire.TypingStop, roomID)
}

func (p *PresenceTracker) sendTyping(frameType, roomID string) {
	f, err := wire.NewFrame(frameType, wire.TypingPayload{
		RoomID:   roomID,
		UserID:   p.self.UserID,
		UserName: p.self.UserName,
	})
	if err != nil {
		p.logger.Error(err.Error())
		return
	}
	if err := p.send(f); err != nil {
		p.logger.Debug("typing frame dropped: " + err.Error())
	}
}

// HandleTypingStart records a peer typing signal with a wall-clock
// expiry, independent of whether a stop frame ever arrives.
func (p *PresenceTracker) HandleTypingStart(t wire.TypingPayload) {
	if t.UserID == p.self.UserID {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	if e, ok := p.typing[t.UserID]; ok {
		e.expire.Stop()
	}
	userID := t.UserID
	p.typing[userID] = &typingEntry{
		participant: wire.Participant{UserID: t.UserID, UserName: t.UserName},
		expire: time.AfterFunc(p.window, func() {
			p.expireTyping(userID)
		}),
	}
}

func (p *PresenceTracker) HandleTypingStop(t wire.TypingPayload) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removeTyping(t.UserID)
}

func (p *PresenceTracker) expireTyping(userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.typing, userID)
}

// removeTyping must be called with mu held.
func (p *PresenceTracker) removeTyping(userID string) {
	if e, ok := p.typing[userID]; ok {
		e.expire.Stop()
		delete(p.typing, userID)
	}
}

// TypingUsers returns peers currently typing, self excluded, ordered
// by name for a stable view.
func (p *PresenceTracker) TypingUsers() []wire.Participant {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]wire.Participant, 0, len(p.typing))
	for _, e := range p.typing {
		out = append(out, e.participant)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserName < out[j].UserName })
	return out
}

// SetRoster replaces the roster from a room_participants snapshot.
func (p *PresenceTracker) SetRoster(participants []wire.Participant) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.roster = make(map[string]wire.Participant, len(participants))
	for _, pt := range participants {
		p.roster[pt.UserID] = pt
	}
}

func (p *PresenceTracker) AddParticipant(pt wire.Participant) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.roster[pt.UserID] = pt
}

// RemoveParticipant drops a participant from the roster and clears any
// dangling typing entry for them.
func (p *PresenceTracker) RemoveParticipant(userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.roster, userID)
	p.removeTyping(userID)
}

// Participants returns the roster with self excluded, ordered by name.
func (p *PresenceTracker) Participants() []wire.Participant {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]wire.Participant, 0, len(p.roster))
	for id, pt := range p.roster {
		if id == p.self.UserID {
			continue
		}
		out = append(out, pt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserName < out[j].UserName })
	return out
}

// Close cancels every pending timer. The tracker is unusable after.
func (p *PresenceTracker) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	if p.selfStop != nil {
		p.selfStop.Stop()
		p.selfStop = nil
	}
	for id, e := range p.typing {
		e.expire.Stop()
		delete(p.typing, id)
	}
}
