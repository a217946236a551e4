package websocket

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Event names exchanged on the appointment channel.
const (
	EventJoinRoom       = "join-appointment-room"
	EventLeaveRoom      = "leave-appointment-room"
	EventSlotTaken      = "appointment-slot-taken"
	EventSlotTakenAlias = "slot-taken"

	// Lifecycle events are synthesised locally by ClientConn.
	EventConnect    = "connect"
	EventDisconnect = "disconnect"
	EventReconnect  = "reconnect"
)

// Frame is the envelope of every message on the wire.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// RoomPayload is the body of join/leave frames.
type RoomPayload struct {
	DoctorUUID string `json:"doctor_uuid"`
	Date       string `json:"date"`
}

// SlotTakenPayload is the body of a slot-taken frame.
type SlotTakenPayload struct {
	Time       string `json:"time"`
	Date       string `json:"date"`
	DoctorUUID string `json:"doctor_uuid"`
}

// RoomName returns the room identity for a doctor and a date.
func RoomName(doctorUUID, date string) string {
	return doctorUUID + "_" + date
}

// ParseRoomName splits a room name at its last underscore.
func ParseRoomName(name string) (doctorUUID, date string, ok bool) {
	i := strings.LastIndex(name, "_")
	if i <= 0 || i == len(name)-1 {
		return "", "", false
	}
	return name[:i], name[i+1:], true
}

// EncodeFrame marshals an event and its payload into a wire frame.
func EncodeFrame(event string, payload interface{}) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", event, err)
		}
		raw = b
	}
	return json.Marshal(Frame{Event: event, Data: raw})
}
