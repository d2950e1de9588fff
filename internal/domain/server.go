package domain

import "time"

// ServerState is the connection state of a game server
type ServerState string

const (
	StateConnected    ServerState = "connected"
	StateDisconnected ServerState = "disconnected"
	StatePending      ServerState = "pending" // reconnect attempts exhausted
)

// StateChange is emitted whenever a server connection changes state
type StateChange struct {
	ServerID string      `json:"server_id"`
	State    ServerState `json:"state"`
	Attempt  int         `json:"attempt,omitempty"`
	Error    string      `json:"error,omitempty"`
	At       time.Time   `json:"at"`
}

// ServerStatus is the live view of one configured game server
type ServerStatus struct {
	ID          string      `json:"id"`
	URL         string      `json:"url"`
	State       ServerState `json:"state"`
	LogStats    bool        `json:"log_stats"`
	Attempts    int         `json:"reconnect_attempts"`
	LastError   string      `json:"last_error,omitempty"`
	ConnectedAt *time.Time  `json:"connected_at,omitempty"`
	LastEventAt *time.Time  `json:"last_event_at,omitempty"`
	Events      int64       `json:"events_received"`
}
