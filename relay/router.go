package relay

import (
	"fmt"
	"log/slog"
)

// Router normalizes inbound envelopes and decides broadcast versus direct
// delivery. It never echoes a message back to its sender: clients render
// their own outgoing messages optimistically.
type Router struct {
	registry *Registry
	log      *slog.Logger
}

// NewRouter creates a router over the given registry.
func NewRouter(registry *Registry, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		registry: registry,
		log:      log.With("component", "router"),
	}
}

// Route handles one envelope from an authenticated sender. The sender field
// is always stamped from the connection identity; whatever the client put
// there is ignored.
func (rt *Router) Route(env Envelope, sender Client) {
	if !IsRoutableKind(env.Kind) {
		rt.deliver(sender, Envelope{
			Kind:      KindError,
			Recipient: sender.Name(),
			Error:     fmt.Sprintf("unknown message type %q", env.Kind),
		})
		return
	}

	env.Normalize()
	env.Sender = sender.Name()
	rt.Dispatch(env)
}

// Dispatch delivers an already-normalized envelope on behalf of env.Sender.
// It is the entry point for server-originated traffic (transfer completion
// announcements, HTTP uploads) that has no live sender connection.
func (rt *Router) Dispatch(env Envelope) {
	if env.Recipient == "" {
		rt.Broadcast(env, env.Sender)
		return
	}
	rt.direct(env)
}

// Broadcast delivers env to every registered identity except exclude.
// Per-recipient failures are swallowed: one unreachable peer never aborts
// delivery to the rest. Failed clients are dropped from the registry.
func (rt *Router) Broadcast(env Envelope, exclude string) {
	for _, client := range rt.registry.Snapshot() {
		if client.Name() == exclude {
			continue
		}
		rt.deliver(client, env)
	}
}

func (rt *Router) direct(env Envelope) {
	recipient, ok := rt.registry.Lookup(env.Recipient)
	if !ok {
		rt.log.Debug("recipient not online", "sender", env.Sender, "recipient", env.Recipient)
		if sender, ok := rt.registry.Lookup(env.Sender); ok {
			rt.deliver(sender, Envelope{
				Kind:      KindError,
				Recipient: env.Sender,
				Error:     fmt.Sprintf("user %q is not online", env.Recipient),
			})
		}
		return
	}
	rt.deliver(recipient, env)
}

func (rt *Router) deliver(client Client, env Envelope) {
	if err := client.Deliver(env); err != nil {
		rt.log.Warn("delivery failed, dropping client",
			"name", client.Name(), "transport", client.Transport(), "error", err)
		if rt.registry.Unregister(client.Name(), client) {
			_ = client.Close()
		}
	}
}

// SendSnapshot delivers the current presence snapshot to one client.
func (rt *Router) SendSnapshot(client Client) {
	rt.deliver(client, Envelope{Kind: KindPresenceSnapshot, Users: rt.registry.Names()})
}

// AnnounceJoin broadcasts a join notice to everyone else and refreshes the
// presence snapshot on every connection, the newcomer included.
func (rt *Router) AnnounceJoin(name string) {
	rt.Broadcast(Envelope{Kind: KindPresenceJoined, Sender: name}, name)
	rt.broadcastSnapshot()
}

// AnnounceLeave broadcasts a leave notice and the updated snapshot.
func (rt *Router) AnnounceLeave(name string) {
	rt.Broadcast(Envelope{Kind: KindPresenceLeft, Sender: name}, name)
	rt.broadcastSnapshot()
}

func (rt *Router) broadcastSnapshot() {
	snapshot := Envelope{Kind: KindPresenceSnapshot, Users: rt.registry.Names()}
	for _, client := range rt.registry.Snapshot() {
		rt.deliver(client, snapshot)
	}
}
