package domain

import "time"

// DamageCause classifies the source of a wound
type DamageCause string

const (
	CausePlayer      DamageCause = "player"
	CauseVehicle     DamageCause = "vehicle"
	CauseEnvironment DamageCause = "environment"
)

// Wound is a non-fatal damage record, kept briefly for death correlation
type Wound struct {
	ID             int64
	ServerID       string
	AttackerID     *int64 // nil for environmental/vehicle damage
	VictimID       int64
	WeaponID       *int64
	Damage         float64
	Teamkill       bool
	Cause          DamageCause
	AttackerTeamID string
	AttackerSquad  string
	VictimTeamID   string
	VictimSquad    string
	Timestamp      time.Time
}

// Kill is a confirmed death
type Kill struct {
	EventID    string
	ServerID   string
	AttackerID *int64
	VictimID   int64
	WeaponID   *int64 // nil when no preceding wound was found
	Teamkill   bool
	Timestamp  time.Time
}

// Revive is a confirmed revive
type Revive struct {
	EventID   string
	ServerID  string
	ReviverID int64
	VictimID  int64
	Timestamp time.Time
}

// LinkedIdentity is an external account linked to a player
type LinkedIdentity struct {
	RequesterID string    `json:"requester_id"`
	PlayerID    int64     `json:"player_id"`
	SteamID     string    `json:"steam_id,omitempty"`
	EOSID       string    `json:"eos_id,omitempty"`
	Name        string    `json:"name"`
	ServerID    string    `json:"server_id,omitempty"`
	LinkedAt    time.Time `json:"linked_at"`
}

// PlayerStats holds aggregated combat stats for one player
type PlayerStats struct {
	Player          Player   `json:"player"`
	Kills           int64    `json:"kills"`
	Deaths          int64    `json:"deaths"`
	Teamkills       int64    `json:"teamkills"`
	RevivesGiven    int64    `json:"revives_given"`
	RevivesReceived int64    `json:"revives_received"`
	KDRatio         float64  `json:"kd_ratio"`
	Nemesis         *Nemesis `json:"nemesis,omitempty"`
}

// Nemesis is the attacker who killed a player most often
type Nemesis struct {
	PlayerID int64  `json:"player_id"`
	Name     string `json:"name"`
	Kills    int64  `json:"kills"`
}

// LeaderboardEntry is one row of a top-N ranking
type LeaderboardEntry struct {
	Rank     int    `json:"rank"`
	PlayerID int64  `json:"player_id"`
	Name     string `json:"name"`
	SteamID  string `json:"steam_id,omitempty"`
	Count    int64  `json:"count"`
}
