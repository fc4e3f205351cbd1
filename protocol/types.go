// Package protocol defines the JSON messages exchanged with the relay and the encoding rules for
// them. It has no behaviour beyond encoding and validation; see package relay for the state machine.
package protocol

// MsgType is the `type` tag of every message.
type MsgType string

// Pre-connection
const (
	MsgJoin   MsgType = "JOIN"
	MsgAck    MsgType = "ACK"
	MsgResume MsgType = "RESUME"
	MsgReset  MsgType = "RESET"
	MsgJoined MsgType = "JOINED"
)

// Init
const (
	MsgHello        MsgType = "HELLO"
	MsgHelloAck     MsgType = "HELLO_ACK"
	MsgDeny         MsgType = "DENY"
	MsgRequestState MsgType = "REQUEST_STATE"
	MsgSendState    MsgType = "SEND_STATE"
)

// Setup
const (
	MsgRequestPlayers MsgType = "REQUEST_PLAYERS"
	MsgSendPlayers    MsgType = "SEND_PLAYERS"
	MsgRequestActors  MsgType = "REQUEST_ACTORS"
	MsgSendActors     MsgType = "SEND_ACTORS"
	MsgRequestActor   MsgType = "REQUEST_ACTOR"
	MsgSendActor      MsgType = "SEND_ACTOR"
	MsgActorAck       MsgType = "ACTOR_ACK"
)

// Play, companion to host
const (
	MsgRequestAbilityCheck MsgType = "REQUEST_ABILITY_CHECK"
	MsgRequestSavingThrow  MsgType = "REQUEST_SAVING_THROW"
	MsgRequestSkillCheck   MsgType = "REQUEST_SKILL_CHECK"
	MsgRequestWeaponAttack MsgType = "REQUEST_WEAPON_ATTACK"
	MsgRequestSpellCast    MsgType = "REQUEST_SPELL_CAST"
	MsgRequestItemUse      MsgType = "REQUEST_ITEM_USE"
	MsgRequestCustomRoll   MsgType = "REQUEST_CUSTOM_ROLL"
)

// Play, host to companion
const (
	MsgRollResult     MsgType = "ROLL_RESULT"
	MsgActorUpdate    MsgType = "ACTOR_UPDATE"
	MsgActorSync      MsgType = "ACTOR_SYNC"
	MsgCombatStart    MsgType = "COMBAT_START"
	MsgCombatNext     MsgType = "COMBAT_NEXT"
	MsgCombatYourTurn MsgType = "COMBAT_YOUR_TURN"
	MsgCombatEnd      MsgType = "COMBAT_END"
)

// Connection status, sent by the relay
const (
	MsgClientSuspended MsgType = "CLIENT_SUSPENDED"
	MsgClientResumed   MsgType = "CLIENT_RESUMED"
	MsgClientLost      MsgType = "CLIENT_LOST"
)

const (
	MsgHeartbeat MsgType = "HEARTBEAT"
	MsgPong      MsgType = "PONG"
	MsgError     MsgType = "ERROR"
)

var playActions = map[MsgType]bool{
	MsgRequestAbilityCheck: true,
	MsgRequestSavingThrow:  true,
	MsgRequestSkillCheck:   true,
	MsgRequestWeaponAttack: true,
	MsgRequestSpellCast:    true,
	MsgRequestItemUse:      true,
	MsgRequestCustomRoll:   true,
}

// IsPlayAction reports whether t is a gameplay request which is only valid in the Play phase.
func IsPlayAction(t MsgType) bool {
	return playActions[t]
}

// ClientType is the role of a peer on the relay.
type ClientType string

const (
	ClientHost      ClientType = "host"
	ClientCompanion ClientType = "companion"
)

// RollMode selects how a d20 is rolled.
type RollMode string

const (
	ModeNormal       RollMode = "normal"
	ModeAdvantage    RollMode = "advantage"
	ModeDisadvantage RollMode = "disadvantage"
)

// Valid reports whether m is one of the three modes. The empty mode is treated as normal.
func (m RollMode) Valid() bool {
	switch m {
	case "", ModeNormal, ModeAdvantage, ModeDisadvantage:
		return true
	}
	return false
}

// Normalize maps the empty mode to ModeNormal.
func (m RollMode) Normalize() RollMode {
	if m == "" {
		return ModeNormal
	}
	return m
}
