package booking

import (
	"sort"

	"github.com/rs/zerolog"

	"github.com/ehr/slotsync/internal/platform/websocket"
)

// Selection is the UI state rooms are derived from. Doctor nil means "any
// doctor", in which case one room per candidate is wanted.
type Selection struct {
	Doctor     *DoctorSummary
	Date       CalendarDate
	Candidates []DoctorSummary
}

// DesiredRooms returns the rooms implied by sel.
func DesiredRooms(sel Selection) map[RoomKey]websocket.RoomPayload {
	out := make(map[RoomKey]websocket.RoomPayload)
	if sel.Date == "" {
		return out
	}
	add := func(d DoctorSummary) {
		if d.UUID == "" {
			return
		}
		out[RoomFor(d.UUID, sel.Date)] = websocket.RoomPayload{DoctorUUID: d.UUID, Date: string(sel.Date)}
	}
	if sel.Doctor != nil {
		add(*sel.Doctor)
		return out
	}
	for _, d := range sel.Candidates {
		add(d)
	}
	return out
}

// RoomDiff lists the rooms a Sync left and joined.
type RoomDiff struct {
	Joined []RoomKey
	Left   []RoomKey
}

// Empty reports whether the diff emitted nothing.
func (d RoomDiff) Empty() bool {
	return len(d.Joined) == 0 && len(d.Left) == 0
}

// RoomManager owns the Active Room Set and keeps it equal to the desired set
// by emitting join/leave frames. Emissions are dropped while the transport is
// disconnected; bookkeeping is updated regardless.
type RoomManager struct {
	transport Transport
	active    map[RoomKey]websocket.RoomPayload
	logger    zerolog.Logger
}

// NewRoomManager creates a manager with an empty Active Room Set.
func NewRoomManager(t Transport, logger zerolog.Logger) *RoomManager {
	return &RoomManager{
		transport: t,
		active:    make(map[RoomKey]websocket.RoomPayload),
		logger:    logger,
	}
}

// Sync applies the difference between the desired rooms of sel and the
// Active Room Set. Leaves are emitted before joins, each in key order.
func (m *RoomManager) Sync(sel Selection) RoomDiff {
	desired := DesiredRooms(sel)
	var diff RoomDiff

	for _, key := range sortedKeys(m.active) {
		if _, keep := desired[key]; keep {
			continue
		}
		m.emit(websocket.EventLeaveRoom, m.active[key])
		delete(m.active, key)
		diff.Left = append(diff.Left, key)
	}
	for _, key := range sortedKeys(desired) {
		if _, have := m.active[key]; have {
			continue
		}
		m.emit(websocket.EventJoinRoom, desired[key])
		m.active[key] = desired[key]
		diff.Joined = append(diff.Joined, key)
	}

	if !diff.Empty() {
		m.logger.Debug().
			Int("joined", len(diff.Joined)).
			Int("left", len(diff.Left)).
			Int("active", len(m.active)).
			Msg("rooms synced")
	}
	return diff
}

// Resubscribe re-emits a join for every active room. It is called when the
// transport (re)connects, since the server forgets memberships on disconnect.
func (m *RoomManager) Resubscribe() []RoomKey {
	keys := sortedKeys(m.active)
	for _, key := range keys {
		m.emit(websocket.EventJoinRoom, m.active[key])
	}
	return keys
}

// Teardown leaves every active room and clears the set. A second call finds
// nothing to leave.
func (m *RoomManager) Teardown() []RoomKey {
	keys := sortedKeys(m.active)
	for _, key := range keys {
		m.emit(websocket.EventLeaveRoom, m.active[key])
		delete(m.active, key)
	}
	if len(keys) > 0 {
		m.logger.Debug().Int("left", len(keys)).Msg("rooms torn down")
	}
	return keys
}

// Active returns a sorted snapshot of the Active Room Set.
func (m *RoomManager) Active() []RoomKey {
	return sortedKeys(m.active)
}

func (m *RoomManager) emit(event string, p websocket.RoomPayload) {
	if m.transport == nil || !m.transport.Connected() {
		return
	}
	if err := m.transport.Emit(event, p); err != nil {
		m.logger.Debug().Err(err).Str("event", event).Msg("room emit dropped")
	}
}

func sortedKeys(m map[RoomKey]websocket.RoomPayload) []RoomKey {
	keys := make([]RoomKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
