package pubsub

// The channel which has host payloads
const ChanHost = "hostch"

type HostListener interface {
	OnEntityChanged(p *EntityChanged)
	OnChatMessage(p *ChatMessage)
	OnCombatChanged(p *CombatChanged)
}

// EntityChanged is sent whenever any field of an actor changes on the host.
type EntityChanged struct {
	ActorID string
	OwnerID string
	// e.g. "character" or "npc"
	Kind string
}

func (p EntityChanged) Type() string { return "e" }

// ChatMessage is sent when the host posts a message to the chat log, including roll results.
type ChatMessage struct {
	MessageID string
	ActorID   string
	// Correlates the message with the action which produced it, empty for anything else.
	RequestID string
	Flavor    string
	Total     int
}

func (p ChatMessage) Type() string { return "m" }

type CombatEvent string

const (
	CombatStarted  CombatEvent = "start"
	CombatAdvanced CombatEvent = "next"
	CombatEnded    CombatEvent = "end"
)

type CombatChanged struct {
	Event    CombatEvent
	CombatID string
	Round    int
	Turn     int
	// The combatant whose turn it is.
	ActorID       string
	CombatantName string
}

func (p CombatChanged) Type() string { return "c" }

type HostSub struct {
	listener Listener
	receiver HostListener
}

func NewHostSub(l Listener, recv HostListener) *HostSub {
	return &HostSub{
		listener: l,
		receiver: recv,
	}
}

func (v *HostSub) Teardown() {
	v.listener.Close()
}

func (v *HostSub) onMessage(p Payload) {
	switch p.Type() {
	case EntityChanged{}.Type():
		v.receiver.OnEntityChanged(p.(*EntityChanged))
	case ChatMessage{}.Type():
		v.receiver.OnChatMessage(p.(*ChatMessage))
	case CombatChanged{}.Type():
		v.receiver.OnCombatChanged(p.(*CombatChanged))
	}
}

// Listen blocks until the listener is closed.
func (v *HostSub) Listen() error {
	return v.listener.Listen(ChanHost, v.onMessage)
}

// Fanout is a HostListener which passes each payload to several listeners in order.
type Fanout []HostListener

func (f Fanout) OnEntityChanged(p *EntityChanged) {
	for _, l := range f {
		l.OnEntityChanged(p)
	}
}

func (f Fanout) OnChatMessage(p *ChatMessage) {
	for _, l := range f {
		l.OnChatMessage(p)
	}
}

func (f Fanout) OnCombatChanged(p *CombatChanged) {
	for _, l := range f {
		l.OnCombatChanged(p)
	}
}
