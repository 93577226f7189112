// Package event defines the append-only game event audit record.
package event

import "time"

// Type is the closed set of event kinds the core emits.
type Type string

const (
	TypeJoin           Type = "join"
	TypeLeave          Type = "leave"
	TypeActivate       Type = "activate"
	TypeReadyPrompt    Type = "ready_prompt"
	TypeMoveStart      Type = "move_start"
	TypeDirection      Type = "direction"
	TypeDrop           Type = "drop"
	TypeWin            Type = "win"
	TypeTryEnd         Type = "try_end"
	TypeTurnEnd        Type = "turn_end"
	TypeDisconnect     Type = "disconnect"
	TypeReconnect      Type = "reconnect"
	TypeEmergencyStop  Type = "emergency_stop"
	TypeAdminAction    Type = "admin_action"
	TypeError          Type = "error"
)

// Event is an immutable audit record. Events are never mutated once
// written. EventStore.PruneOlderThan can delete old events, but no
// component calls it, so events are not pruned automatically.
type Event struct {
	ID         string
	EntryID    string
	Type       Type
	DetailJSON string
	CreatedAt  time.Time
}
