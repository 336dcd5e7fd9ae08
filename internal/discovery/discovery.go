// Package discovery wires the name-advertisement handshake between a
// node's local function table and its peers' remote tables. It is pure
// glue: the sub side announces every locally registered name once a
// reliable channel to a new peer exists, and the pub side records what it
// hears into a RemoteTable.
package discovery

import (
	"log/slog"

	"github.com/jlrdstc/dstc/internal/mcast"
	"github.com/jlrdstc/dstc/internal/symtab"
)

// Announcer is the subscriber-side half: it reacts to newly-established
// peer connections by advertising every locally registered function name.
// Grounded on dstc_subscription_complete (original_source/dstc.c:552-576),
// which walks the local function array and writes one control message per
// entry to the newly subscribed node.
type Announcer struct {
	local  *symtab.LocalTable
	sub    mcast.SubContext
	logger *slog.Logger
}

// NewAnnouncer returns an Announcer bound to local and sub. Call Attach to
// register it as sub's subscription-complete handler.
func NewAnnouncer(local *symtab.LocalTable, sub mcast.SubContext, logger *slog.Logger) *Announcer {
	return &Announcer{local: local, sub: sub, logger: logger}
}

// Attach registers the announcer as sub's subscription-complete callback.
func (a *Announcer) Attach() {
	a.sub.SetSubscriptionCompleteCallback(a.onSubscriptionComplete)
}

func (a *Announcer) onSubscriptionComplete(peer mcast.NodeID) {
	names := a.local.Names()
	for _, name := range names {
		if err := a.sub.WriteControlMessageByNodeID(peer, []byte(name)); err != nil {
			a.logger.Warn("discovery: failed to advertise name to new peer",
				"name", name, "peer", uint64(peer), "err", err)
		}
	}
}

// Listener is the publisher-side half: it records every name it hears
// over a control connection into a RemoteTable. Grounded on
// dstc_subscriber_control_message_cb (original_source/dstc.c:578-604),
// which treats the entire control message payload as one function name.
type Listener struct {
	remote *symtab.RemoteTable
	logger *slog.Logger
}

// NewListener returns a Listener bound to remote.
func NewListener(remote *symtab.RemoteTable, logger *slog.Logger) *Listener {
	return &Listener{remote: remote, logger: logger}
}

// Attach registers the listener as pub's control-message callback.
func (l *Listener) Attach(pub mcast.PubContext) {
	pub.SetControlMessageCallback(l.onControlMessage)
}

func (l *Listener) onControlMessage(sender mcast.NodeID, payload []byte) {
	name := string(payload)
	if name == "" {
		l.logger.Warn("discovery: dropping empty advertisement", "sender", uint64(sender))
		return
	}
	if err := l.remote.Register(name); err != nil {
		l.logger.Warn("discovery: dropping advertisement", "name", name, "sender", uint64(sender), "err", err)
	}
}
