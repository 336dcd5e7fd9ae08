package dstc

import (
	"errors"
	"fmt"

	"github.com/jlrdstc/dstc/internal/neterr"
)

// ErrBusy is returned by Setup/SetupWithReactor when the runtime has
// already been set up once. Maps the original's EBUSY-on-repeat-init
// behavior (spec §9, "module-init registration"/§4.9 state machine) onto a
// sentinel Go error.
var ErrBusy = errors.New("dstc: runtime already set up")

// ErrTimedOut is the expected-signal sentinel of spec §7: ProcessSingleEvent
// returns it when nothing became ready within its budget, and ProcessEvents
// returns it when its whole budget elapses (or ctx is cancelled), whether or
// not events were serviced along the way.
var ErrTimedOut = errors.New("dstc: process-events timed out")

// NetworkError wraps a failure from the transport layer with enough
// context to log or compare against, following the teacher's
// internal/errors.NetworkError shape (operation + wrapped cause + free-form
// details). It is an alias for internal/neterr.NetworkError so that
// internal/mcast — which cannot import this package without a cycle — can
// construct the same error type its PubContext/SubContext Init/Read/Write
// paths return.
type NetworkError = neterr.NetworkError

// ProtocolError marks a malformed frame/envelope/control message: spec §7
// treats these as recoverable (log and drop), never fatal. Also an alias
// for internal/neterr.ProtocolError so internal/mcast can construct it
// directly.
type ProtocolError = neterr.ProtocolError

// FatalError marks a condition spec §7 classifies as process-abort: the
// fatal hook logs it and then exits, but tests substitute a hook that
// panics with a *FatalError instead so test binaries never actually call
// os.Exit.
type FatalError struct {
	Reason string
	Err    error
}

func (e *FatalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("dstc: fatal: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("dstc: fatal: %s", e.Reason)
}

func (e *FatalError) Unwrap() error { return e.Err }
