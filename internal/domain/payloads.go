package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// FlexString accepts a JSON string, number or null. Team and squad IDs arrive
// in either form depending on the server plugin version.
type FlexString string

func (f *FlexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = FlexString(n.String())
	return nil
}

// PlayerInfo is the player sub-object carried by events
type PlayerInfo struct {
	SteamID string     `json:"steamID"`
	EOSID   string     `json:"eosID"`
	Name    string     `json:"name"`
	TeamID  FlexString `json:"teamID"`
	SquadID FlexString `json:"squadID"`
}

// ref merges the sub-object with top-level fallback fields
func (p *PlayerInfo) ref(steamID, eosID, name string) PlayerRef {
	r := PlayerRef{SteamID: steamID, EOSID: eosID, Name: name}
	if p != nil {
		if p.SteamID != "" {
			r.SteamID = p.SteamID
		}
		if p.EOSID != "" {
			r.EOSID = p.EOSID
		}
		if p.Name != "" {
			r.Name = p.Name
		}
		r.TeamID = string(p.TeamID)
		r.SquadID = string(p.SquadID)
	}
	r.SteamID = strings.TrimSpace(r.SteamID)
	r.EOSID = strings.TrimSpace(r.EOSID)
	return r
}

// DamagePayload covers PLAYER_DAMAGED, PLAYER_WOUNDED and PLAYER_DIED
type DamagePayload struct {
	Damage    float64     `json:"damage"`
	Weapon    string      `json:"weapon"`
	Teamkill  *bool       `json:"teamkill"`
	IsVehicle bool        `json:"isVehicle"`
	Attacker  *PlayerInfo `json:"attacker"`
	Victim    *PlayerInfo `json:"victim"`

	AttackerSteamID string `json:"attackerSteamID"`
	AttackerEOSID   string `json:"attackerEOSID"`
	AttackerName    string `json:"attackerName"`
	VictimSteamID   string `json:"victimSteamID"`
	VictimEOSID     string `json:"victimEOSID"`
	VictimName      string `json:"victimName"`
}

func (p DamagePayload) AttackerRef() PlayerRef {
	return p.Attacker.ref(p.AttackerSteamID, p.AttackerEOSID, p.AttackerName)
}

func (p DamagePayload) VictimRef() PlayerRef {
	return p.Victim.ref(p.VictimSteamID, p.VictimEOSID, p.VictimName)
}

// IsTeamkill uses the explicit flag when sent, otherwise compares team IDs
func (p DamagePayload) IsTeamkill() bool {
	if p.Teamkill != nil {
		return *p.Teamkill
	}
	a, v := p.AttackerRef(), p.VictimRef()
	if a.TeamID == "" || a.TeamID != v.TeamID {
		return false
	}
	return !a.SamePlayer(v)
}

// Cause classifies who or what dealt the damage
func (p DamagePayload) Cause() DamageCause {
	attacker := p.AttackerRef()
	switch {
	case p.IsVehicle:
		return CauseVehicle
	case !attacker.HasIdentifier() && isVehicleWeapon(p.Weapon):
		return CauseVehicle
	case !attacker.HasIdentifier():
		return CauseEnvironment
	default:
		return CausePlayer
	}
}

// isVehicleWeapon recognises vehicle-mounted weapon blueprints, e.g. "BP_BTR80_RUS_Turret"
func isVehicleWeapon(weapon string) bool {
	w := strings.ToLower(weapon)
	for _, marker := range []string{"turret", "vehicle", "_coax", "cannon"} {
		if strings.Contains(w, marker) {
			return true
		}
	}
	return false
}

// RevivePayload is the PLAYER_REVIVED payload
type RevivePayload struct {
	Reviver *PlayerInfo `json:"reviver"`
	Victim  *PlayerInfo `json:"victim"`

	ReviverSteamID string `json:"reviverSteamID"`
	ReviverEOSID   string `json:"reviverEOSID"`
	ReviverName    string `json:"reviverName"`
	VictimSteamID  string `json:"victimSteamID"`
	VictimEOSID    string `json:"victimEOSID"`
	VictimName     string `json:"victimName"`
}

func (p RevivePayload) ReviverRef() PlayerRef {
	return p.Reviver.ref(p.ReviverSteamID, p.ReviverEOSID, p.ReviverName)
}

func (p RevivePayload) VictimRef() PlayerRef {
	return p.Victim.ref(p.VictimSteamID, p.VictimEOSID, p.VictimName)
}

// ChatPayload is the CHAT_MESSAGE payload
type ChatPayload struct {
	Chat    string      `json:"chat"`
	Message string      `json:"message"`
	SteamID string      `json:"steamID"`
	EOSID   string      `json:"eosID"`
	Name    string      `json:"name"`
	Player  *PlayerInfo `json:"player"`
}

func (p ChatPayload) SpeakerRef() PlayerRef {
	return p.Player.ref(p.SteamID, p.EOSID, p.Name)
}

// PresencePayload is the PLAYER_CONNECTED and PLAYER_DISCONNECTED payload
type PresencePayload struct {
	Player  *PlayerInfo `json:"player"`
	SteamID string      `json:"steamID"`
	EOSID   string      `json:"eosID"`
	Name    string      `json:"name"`
}

func (p PresencePayload) Ref() PlayerRef {
	return p.Player.ref(p.SteamID, p.EOSID, p.Name)
}

// Decode unmarshals an event payload into v, marking failures as malformed
func Decode(ev RawEvent, v any) error {
	if len(ev.Payload) == 0 {
		return fmt.Errorf("%s %s: empty payload: %w", ev.Kind, ev.ID, ErrMalformedPayload)
	}
	if err := json.Unmarshal(ev.Payload, v); err != nil {
		return fmt.Errorf("%s %s: %v: %w", ev.Kind, ev.ID, err, ErrMalformedPayload)
	}
	return nil
}
