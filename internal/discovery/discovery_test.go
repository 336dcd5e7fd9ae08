package discovery

import (
	"io"
	"log/slog"
	"testing"

	"github.com/jlrdstc/dstc/internal/mcast"
	"github.com/jlrdstc/dstc/internal/symtab"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAnnouncerAdvertisesAllLocalNames(t *testing.T) {
	bus := mcast.NewBus()

	serverLocal := symtab.NewLocalTable(0)
	if err := serverLocal.Register("print_name_and_age", func(uint64, []byte) {}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := serverLocal.Register("print_greeting", func(uint64, []byte) {}); err != nil {
		t.Fatalf("register: %v", err)
	}

	serverPub := mcast.NewMemoryPub(bus, 1)
	serverSub := mcast.NewMemorySub(bus, 1, serverPub)
	announcer := NewAnnouncer(serverLocal, serverSub, discardLogger())
	announcer.Attach()

	clientRemote := symtab.NewRemoteTable(0)
	clientPub := mcast.NewMemoryPub(bus, 2)
	listener := NewListener(clientRemote, discardLogger())
	listener.Attach(clientPub)

	// Joining the client's sub to the bus triggers subscription-complete
	// against the already-present server, which is when the announcer
	// fires (spec §4.8).
	mcast.NewMemorySub(bus, 2, clientPub)

	if got := clientRemote.Count("print_name_and_age"); got != 1 {
		t.Errorf("Count(print_name_and_age) = %d, want 1", got)
	}
	if got := clientRemote.Count("print_greeting"); got != 1 {
		t.Errorf("Count(print_greeting) = %d, want 1", got)
	}
	if got := clientRemote.Count("nonexistent"); got != 0 {
		t.Errorf("Count(nonexistent) = %d, want 0", got)
	}
}

func TestListenerDropsEmptyAdvertisement(t *testing.T) {
	bus := mcast.NewBus()

	remote := symtab.NewRemoteTable(0)
	pub := mcast.NewMemoryPub(bus, 1)
	listener := NewListener(remote, discardLogger())
	listener.Attach(pub)
	mcast.NewMemorySub(bus, 1, pub)

	clientSub := mcast.NewMemorySub(bus, 2, mcast.NewMemoryPub(bus, 2))

	if err := clientSub.WriteControlMessageByNodeID(1, []byte("")); err != nil {
		t.Fatalf("WriteControlMessageByNodeID: %v", err)
	}
	if got := remote.Count(""); got != 0 {
		t.Errorf("Count(\"\") = %d, want 0 (empty advertisement must be dropped)", got)
	}
}
