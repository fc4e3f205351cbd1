package relay

type NotificationKind int

const (
	// The global state changed. Reason says why, e.g. the close reason for Disconnected.
	NotifyStateChanged NotificationKind = iota
	NotifyClientJoined
	NotifyClientPhase
	// The client was denied during the hello exchange.
	NotifyClientRejected
	NotifyClientLost
)

func (k NotificationKind) String() string {
	switch k {
	case NotifyStateChanged:
		return "state_changed"
	case NotifyClientJoined:
		return "client_joined"
	case NotifyClientPhase:
		return "client_phase"
	case NotifyClientRejected:
		return "client_rejected"
	case NotifyClientLost:
		return "client_lost"
	}
	return "unknown"
}

// Notification is delivered to observers on the event loop, so observers must not block and must
// not call back into methods which wait on the loop such as Status. State is the new global state,
// or the client's phase for client notifications.
type Notification struct {
	Kind     NotificationKind
	State    State
	Previous State
	ClientID string
	Reason   string
}

// Subscribe registers an observer for every notification from now on.
func (c *Conn) Subscribe(fn func(Notification)) {
	c.Post(func() {
		c.observers = append(c.observers, fn)
	})
}

func (c *Conn) notify(n Notification) {
	for _, fn := range c.observers {
		fn(n)
	}
}

func (c *Conn) notifyClient(kind NotificationKind, rc *RemoteClient, reason string) {
	c.notify(Notification{
		Kind:     kind,
		State:    rc.Phase,
		ClientID: rc.ID,
		Reason:   reason,
	})
}
