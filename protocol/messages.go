package protocol

import (
	"github.com/tablelink/companion-sync/delta"
	"github.com/tablelink/companion-sync/schema"
)

// The structs in this file are message bodies. The envelope fields (type, from, to, timestamp)
// live on Envelope and are added by Encode.

type ClientInfo struct {
	Username    string `json:"username,omitempty"`
	DeviceModel string `json:"deviceModel,omitempty"`
	AppVersion  string `json:"appVersion,omitempty"`
	Platform    string `json:"platform,omitempty"`
}

type Join struct {
	// Empty on the first JOIN of a connection, the client id on every later one.
	From        string     `json:"from,omitempty"`
	SessionCode string     `json:"sessionCode"`
	ClientType  ClientType `json:"clientType"`
	ClientID    string     `json:"clientId"`
	ClientInfo  ClientInfo `json:"clientInfo"`
}

type Ack struct {
	SessionCode string `json:"sessionCode,omitempty"`
}

// ClientState is one roster entry inside a RESUME state snapshot.
type ClientState struct {
	ClientID      string     `json:"clientId"`
	ClientType    ClientType `json:"clientType"`
	Phase         string     `json:"phase,omitempty"`
	SchemaVersion int        `json:"schemaVersion,omitempty"`
	Features      []string   `json:"features,omitempty"`
	ActorID       string     `json:"actorId,omitempty"`
	ClientInfo    ClientInfo `json:"clientInfo"`
}

type ResumeSnapshot struct {
	Clients []ClientState `json:"clients"`
}

type Resume struct {
	// The phase the relay last saw this connection in.
	ResumeFrom    string         `json:"resumeFrom"`
	ClientID      string         `json:"clientId"`
	StateSnapshot ResumeSnapshot `json:"stateSnapshot"`
}

type Reset struct {
	Reason    string `json:"reason"`
	StartFrom string `json:"startFrom"`
}

type ConnectedClient struct {
	ClientID   string     `json:"clientId"`
	ClientType ClientType `json:"clientType"`
	ClientInfo ClientInfo `json:"clientInfo"`
}

type Joined struct {
	SessionCode      string            `json:"sessionCode"`
	ConnectedClients []ConnectedClient `json:"connectedClients"`
}

type Capabilities struct {
	AppVersion        string   `json:"appVersion"`
	SchemaVersion     int      `json:"schemaVersion"`
	Platform          string   `json:"platform"`
	DeviceModel       string   `json:"deviceModel"`
	SupportedFeatures []string `json:"supportedFeatures"`
	// Sent by the host only.
	Schema *schema.HandshakeMetadata `json:"schema,omitempty"`
}

type Hello struct {
	Capabilities Capabilities `json:"capabilities"`
}

// HelloAck names the schema every snapshot sent to the companion is shaped for, which is the
// host's current version, and the features both sides may use.
type HelloAck struct {
	NegotiatedSchema int      `json:"negotiatedSchema"`
	EnabledFeatures  []string `json:"enabledFeatures"`
}

type Deny struct {
	Reason  string `json:"reason"`
	Details string `json:"details"`
}

type State struct {
	CurrentState string         `json:"currentState,omitempty"`
	StateData    map[string]any `json:"stateData,omitempty"`
}

type ActorRef struct {
	Name string `json:"name"`
	ID   string `json:"id"`
}

type Player struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	IsGM      bool       `json:"isGM"`
	HasActors bool       `json:"hasActors"`
	Actors    []ActorRef `json:"actors"`
}

type Players struct {
	Players []Player `json:"players"`
}

type ActorSummary struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Class string `json:"class"`
	Image string `json:"image"`
}

type RequestActors struct {
	PlayerID string `json:"playerId"`
}

type Actors struct {
	PlayerID string         `json:"playerId"`
	Actors   []ActorSummary `json:"actors"`
}

type RequestActor struct {
	ActorID string `json:"actorId"`
}

type Actor struct {
	Actor schema.Snapshot `json:"actor"`
}

type ActorAck struct {
	ActorID string `json:"actorId"`
	Ready   bool   `json:"ready"`
}

// ActionRequest is the union of the play requests. Which target field is meaningful depends on the
// message type: Ability for ability checks and saving throws, Skill for skill checks, WeaponID,
// SpellID, ItemID, and Formula for custom rolls.
type ActionRequest struct {
	ActorID    string   `json:"actorId"`
	Mode       RollMode `json:"mode,omitempty"`
	Ability    string   `json:"ability,omitempty"`
	Skill      string   `json:"skill,omitempty"`
	WeaponID   string   `json:"weaponId,omitempty"`
	SpellID    string   `json:"spellId,omitempty"`
	SpellLevel int      `json:"spellLevel,omitempty"`
	ItemID     string   `json:"itemId,omitempty"`
	Formula    string   `json:"formula,omitempty"`
	Label      string   `json:"label,omitempty"`
	RequestID  string   `json:"requestId,omitempty"`
}

type RollResult struct {
	RequestID string   `json:"requestId,omitempty"`
	ActorID   string   `json:"actorId"`
	Action    MsgType  `json:"action"`
	Success   bool     `json:"success"`
	Error     string   `json:"error,omitempty"`
	Formula   string   `json:"formula,omitempty"`
	Total     int      `json:"total"`
	Rolls     []int    `json:"rolls,omitempty"`
	Mode      RollMode `json:"mode,omitempty"`
	Label     string   `json:"label,omitempty"`
	// Set when the host posted the roll to chat before the confirmation timeout.
	ChatMessageID string `json:"chatMessageId,omitempty"`
}

type ActorUpdate struct {
	ActorID string     `json:"actorId"`
	Updates delta.Diff `json:"updates"`
}

type ActorSync struct {
	ActorID string          `json:"actorId"`
	Actor   schema.Snapshot `json:"actor"`
}

type Combat struct {
	CombatID      string `json:"combatId"`
	Round         int    `json:"round"`
	Turn          int    `json:"turn"`
	ActorID       string `json:"actorId,omitempty"`
	CombatantName string `json:"combatantName,omitempty"`
}

type ClientStatus struct {
	ClientType ClientType `json:"clientType"`
	ClientID   string     `json:"clientId"`
}

type Heartbeat struct {
	Timestamp int64 `json:"timestamp"`
}

type Error struct {
	ErrorCode            string  `json:"errorCode"`
	Message              string  `json:"message"`
	CurrentState         string  `json:"currentState,omitempty"`
	AttemptedMessageType MsgType `json:"attemptedMessageType,omitempty"`
}
