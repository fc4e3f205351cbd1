package relay

import (
	"context"
	"fmt"

	"github.com/tablelink/companion-sync/internal"
	"github.com/tablelink/companion-sync/protocol"
	"github.com/tablelink/companion-sync/schema"
	"golang.org/x/exp/slices"
)

// Relay replies to JOIN: ACK, JOINED, RESUME or RESET. These come from the relay rather than a
// companion, so problems with them are logged and never answered.

func (c *Conn) onAck(ctx context.Context, env *protocol.Envelope) error {
	if c.state != StateJoining {
		internal.DecorateLogger(ctx, c.logger.Warn()).Str("state", c.state.String()).Msg("unexpected ACK")
		return nil
	}
	c.attempts = 0
	c.transition(StateJoined, "joined session")
	return nil
}

// JOINED arrives once after joining and again whenever the set of paired clients changes.
func (c *Conn) onJoined(ctx context.Context, env *protocol.Envelope) error {
	var msg protocol.Joined
	if err := env.Decode(&msg); err != nil {
		internal.DecorateLogger(ctx, c.logger.Warn()).Err(err).Msg("dropping JOINED")
		return nil
	}
	if c.state == StateDisconnected {
		return nil
	}
	c.attempts = 0
	present := make(map[string]bool)
	for _, cc := range msg.ConnectedClients {
		if cc.ClientID == c.opts.ClientID || cc.ClientType == protocol.ClientHost || cc.ClientID == "" {
			continue
		}
		present[cc.ClientID] = true
		if c.roster.Get(cc.ClientID) == nil {
			rc := c.roster.Add(cc.ClientID, cc.ClientType, cc.ClientInfo, c.now())
			c.notifyClient(NotifyClientJoined, rc, "paired")
		}
	}
	for _, id := range c.roster.Retain(present) {
		c.notify(Notification{Kind: NotifyClientLost, ClientID: id, Reason: "no longer paired"})
	}
	internal.SetMessageContextActor(ctx, "", c.roster.Len())
	internal.DecorateLogger(ctx, c.logger.Info()).Msg("roster updated")
	if c.state == StateJoining {
		c.transition(StateJoined, "session paired")
		return nil
	}
	c.fallBackIfEmpty()
	return nil
}

// RESUME restores the roster and phase the relay remembers for this client. The phase is capped at
// the highest phase this connection reached since it was last Disconnected, so a new process which
// never negotiated with anyone starts again from Joined.
func (c *Conn) onResume(ctx context.Context, env *protocol.Envelope) error {
	if c.state != StateJoining {
		internal.DecorateLogger(ctx, c.logger.Warn()).Str("state", c.state.String()).Msg("unexpected RESUME")
		return nil
	}
	var msg protocol.Resume
	if err := env.Decode(&msg); err != nil {
		internal.DecorateLogger(ctx, c.logger.Warn()).Err(err).Msg("dropping RESUME")
		return nil
	}
	c.attempts = 0
	target := resumeTarget(msg.ResumeFrom, c.highest)

	c.roster.Clear()
	for _, cs := range msg.StateSnapshot.Clients {
		if cs.ClientID == c.opts.ClientID || cs.ClientType == protocol.ClientHost || cs.ClientID == "" {
			continue
		}
		rc := c.roster.Add(cs.ClientID, cs.ClientType, cs.ClientInfo, c.now())
		rc.Phase = clientResumePhase(cs.Phase, target)
		if rc.Phase == StateSuspended {
			rc.suspendedFrom = StatePlay
		}
		if rc.Phase >= StateSetup && rc.Phase != StateRejected {
			rc.SchemaVersion = schema.Version(cs.SchemaVersion)
			rc.Features = slices.Clone(cs.Features)
			rc.ActorID = cs.ActorID
		}
	}
	if c.roster.Len() == 0 && target > StateJoined {
		target = StateJoined
	}
	c.transition(target, fmt.Sprintf("resumed from %s", msg.ResumeFrom))
	return nil
}

func resumeTarget(resumeFrom string, highest State) State {
	target, ok := ParseState(resumeFrom)
	if !ok {
		target = StateJoined
	}
	if target == StateSuspended {
		target = StatePlay
	}
	if target > highest {
		target = highest
	}
	if target < StateJoined {
		target = StateJoined
	}
	return target
}

func clientResumePhase(name string, global State) State {
	phase, ok := ParseState(name)
	if !ok || phase < StateJoined {
		return StateJoined
	}
	if phase == StateRejected {
		return phase
	}
	effective := phase
	if effective == StateSuspended {
		effective = StatePlay
	}
	if effective > global {
		return global
	}
	return phase
}

// RESET tells us to forget everything and join again from scratch.
func (c *Conn) onReset(ctx context.Context, env *protocol.Envelope) error {
	var msg protocol.Reset
	if err := env.Decode(&msg); err != nil {
		internal.DecorateLogger(ctx, c.logger.Warn()).Err(err).Msg("dropping RESET")
		return nil
	}
	if c.state == StateDisconnected {
		return nil
	}
	internal.DecorateLogger(ctx, c.logger.Info()).Str("reason", msg.Reason).Str("start_from", msg.StartFrom).Msg("relay reset the session")
	for _, rc := range c.roster.Snapshot() {
		c.notify(Notification{Kind: NotifyClientLost, ClientID: rc.ID, Reason: "session reset"})
	}
	c.roster.Clear()
	c.transition(StateJoining, "reset: "+msg.Reason)
	c.highest = StateJoining
	c.sendJoin()
	return nil
}

// HELLO from a companion: check schema compatibility and either deny it or answer with our own
// HELLO and a HELLO_ACK, which moves the client to Setup.
//
// The negotiated schema is always the host's current version. Snapshots are only ever produced at
// that version, so a companion on an older version it can migrate from must read current version
// snapshots. Its enabled features are still limited to the ones its own version knows about.
func (c *Conn) onHello(ctx context.Context, env *protocol.Envelope) error {
	if env.From == "" {
		internal.DecorateLogger(ctx, c.logger.Warn()).Msg("dropping HELLO without sender")
		return nil
	}
	if !c.state.connected() {
		internal.DecorateLogger(ctx, c.logger.Warn()).Str("state", c.state.String()).Msg("dropping HELLO before join completed")
		return nil
	}
	var msg protocol.Hello
	if err := env.Decode(&msg); err != nil {
		return err
	}
	caps := msg.Capabilities
	rc := c.roster.Get(env.From)
	if rc == nil {
		rc = c.roster.Add(env.From, protocol.ClientCompanion, protocol.ClientInfo{
			DeviceModel: caps.DeviceModel,
			AppVersion:  caps.AppVersion,
			Platform:    caps.Platform,
		}, c.now())
		c.notifyClient(NotifyClientJoined, rc, "hello")
	}
	rc.LastActivity = c.now()
	if c.state == StateJoined {
		c.transition(StateInit, "hello from "+rc.ID)
	}
	rc.Phase = StateInit

	registry := c.opts.Registry
	remote := schema.Version(caps.SchemaVersion)
	current := registry.Current()
	if !compatible(registry, remote) {
		rc.Phase = StateRejected
		meta := registry.HandshakeMetadata()
		details := fmt.Sprintf("schema version %d is not supported: host is on %d and can migrate from %v", remote, current, meta.CanMigrateFrom)
		internal.DecorateLogger(ctx, c.logger.Warn()).Int("remote_schema", int(remote)).Msg("denying companion: " + details)
		c.send(rc.ID, protocol.MsgDeny, protocol.Deny{Reason: internal.CodeSchemaMismatch, Details: details})
		c.notifyClient(NotifyClientRejected, rc, details)
		return nil
	}
	rc.SchemaVersion = current
	rc.Features = enabledFeatures(registry, remote, caps.SupportedFeatures)
	c.send(rc.ID, protocol.MsgHello, protocol.Hello{Capabilities: c.capabilities()})
	c.send(rc.ID, protocol.MsgHelloAck, protocol.HelloAck{
		NegotiatedSchema: int(current),
		EnabledFeatures:  rc.Features,
	})
	rc.Phase = StateSetup
	c.notifyClient(NotifyClientPhase, rc, "hello acknowledged")
	if c.state == StateInit {
		c.transition(StateSetup, "hello acknowledged")
	}
	return nil
}

// compatible reports whether a companion on version remote can talk to us: either it is on our
// version, or its snapshots can be migrated to ours.
func compatible(r *schema.Registry, remote schema.Version) bool {
	current := r.Current()
	if remote == current {
		return true
	}
	if _, ok := r.Schema(remote); !ok {
		return false
	}
	return r.CanMigrate(remote, current)
}

// enabledFeatures is what the companion asked for, limited to what the older of the two versions
// supports. Sorted, never nil.
func enabledFeatures(r *schema.Registry, remote schema.Version, requested []string) []string {
	v := r.Current()
	if remote < v {
		v = remote
	}
	out := []string{}
	for _, f := range requested {
		if r.HasFeature(f, v) && !slices.Contains(out, f) {
			out = append(out, f)
		}
	}
	slices.Sort(out)
	return out
}

func (c *Conn) capabilities() protocol.Capabilities {
	meta := c.opts.Registry.HandshakeMetadata()
	return protocol.Capabilities{
		AppVersion:        c.opts.AppVersion,
		SchemaVersion:     int(meta.CurrentVersion),
		Platform:          c.opts.Platform,
		SupportedFeatures: meta.Features,
		Schema:            &meta,
	}
}

func (c *Conn) onRequestState(ctx context.Context, env *protocol.Envelope) error {
	rc := c.knownClient(ctx, env)
	if rc == nil {
		return nil
	}
	c.send(rc.ID, protocol.MsgSendState, protocol.State{
		CurrentState: c.state.String(),
		StateData: map[string]any{
			"clientPhase":      rc.Phase.String(),
			"negotiatedSchema": int(rc.SchemaVersion),
			"enabledFeatures":  rc.Features,
			"actorId":          rc.ActorID,
		},
	})
	return nil
}
