// Package reactor adapts a single Linux epoll instance into the thin
// add/modify/remove readiness facility spec §4.3 describes, tagging every
// event with the (endpoint-kind, connection-index) pair spec §3 defines.
package reactor

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// Kind distinguishes the pub and sub endpoints sharing one reactor.
type Kind uint8

const (
	// Sub identifies events belonging to the subscriber context.
	Sub Kind = 0
	// Pub identifies events belonging to the publisher context.
	Pub Kind = 1
)

// indexMask and pubFlag reproduce USER_DATA_INDEX_MASK/USER_DATA_PUB_FLAG
// from original_source/dstc.c verbatim: the low 16 bits carry the
// connection index, bit 16 carries the pub/sub flag. No other bits are used.
const (
	indexMask = 0x0000FFFF
	pubFlag   = 0x00010000
)

// EventTag is the 32-bit word a reactor event carries, packing (Kind, index)
// exactly as spec §3 requires.
type EventTag uint32

// NewEventTag packs kind and index into a single tag.
func NewEventTag(kind Kind, index uint16) EventTag {
	tag := EventTag(index) & indexMask
	if kind == Pub {
		tag |= pubFlag
	}
	return tag
}

// Kind unpacks the endpoint kind from the tag.
func (t EventTag) Kind() Kind {
	if t&pubFlag != 0 {
		return Pub
	}
	return Sub
}

// Index unpacks the connection index from the tag.
func (t EventTag) Index() uint16 {
	return uint16(t & indexMask)
}

// Interest is the set of readiness conditions a descriptor is registered
// for, drawn from {Read, Write} per spec §4.3.
type Interest uint8

const (
	// Read expresses interest in read-readiness.
	Read Interest = 1 << iota
	// Write expresses interest in write-readiness.
	Write
)

// Event is one readiness notification returned from Wait.
type Event struct {
	Tag   EventTag
	Read  bool
	Write bool
	Hup   bool
}

// Reactor wraps one epoll instance shared by the pub and sub contexts.
type Reactor struct {
	epfd int
}

// New creates a fresh epoll instance.
func New() (*Reactor, error) {
	fd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, fmt.Errorf("reactor: epoll_create1: %w", err)
	}
	return &Reactor{epfd: fd}, nil
}

// Close releases the underlying epoll descriptor.
func (r *Reactor) Close() error {
	return unix.Close(r.epfd)
}

func toEpollEvents(i Interest) uint32 {
	var ev uint32
	if i&Read != 0 {
		ev |= unix.EPOLLIN
	}
	if i&Write != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}

// Add registers fd for new with the given tag. Per spec §7, failure here
// is fatal — returned to the caller, who is expected to abort the process.
func (r *Reactor) Add(fd int, tag EventTag, new Interest) error {
	ev := unix.EpollEvent{Events: toEpollEvents(new), Fd: int32(fd)}
	// epoll_event.data is a union; Go's unix.EpollEvent exposes its first
	// 32-bit word as Fd, so we pack our tag into Fd and recover it from
	// there in Wait. This mirrors the C source's use of ev.data.u32 as an
	// opaque application tag rather than as a descriptor.
	ev.Fd = int32(tag)
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("reactor: epoll_ctl(add, fd=%d): %w", fd, err)
	}
	return nil
}

// Modify changes fd's registered interest from old to new. It is a no-op
// when old == new, per spec §4.3.
func (r *Reactor) Modify(fd int, tag EventTag, old, new Interest) error {
	if old == new {
		return nil
	}
	ev := unix.EpollEvent{Events: toEpollEvents(new), Fd: int32(tag)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return fmt.Errorf("reactor: epoll_ctl(modify, fd=%d): %w", fd, err)
	}
	return nil
}

// Remove deregisters fd. Failures are not propagated as fatal: per spec
// §4.3/§7 the descriptor is presumed already closed, so the caller should
// log and move on. Remove reports the error for that logging, not for
// escalation.
func (r *Reactor) Remove(fd int) error {
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("reactor: epoll_ctl(delete, fd=%d): %w", fd, err)
	}
	return nil
}

// Wait blocks for up to timeout (negative means indefinitely) and returns
// every ready event, up to maxEvents. Reactor wait failure is fatal per
// spec §7.
func (r *Reactor) Wait(timeout time.Duration, maxEvents int) ([]Event, error) {
	if maxEvents <= 0 {
		maxEvents = 1
	}
	raw := make([]unix.EpollEvent, maxEvents)

	ms := -1
	if timeout >= 0 {
		ms = int(timeout / time.Millisecond)
	}

	n, err := unix.EpollWait(r.epfd, raw, ms)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, fmt.Errorf("reactor: epoll_wait: %w", err)
	}

	events := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		tag := EventTag(raw[i].Fd)
		events = append(events, Event{
			Tag:   tag,
			Read:  raw[i].Events&unix.EPOLLIN != 0,
			Write: raw[i].Events&unix.EPOLLOUT != 0,
			Hup:   raw[i].Events&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0,
		})
	}
	return events, nil
}
