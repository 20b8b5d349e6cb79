package extprocmux

import (
	"fmt"
	"strconv"
	"strings"
)

// HandleState is the lifecycle state of a stream handle.
type HandleState int

const (
	// HandleOpen handles accept new transactions.
	HandleOpen HandleState = iota
	// HandleDraining handles accept no new transactions but still deliver
	// the responses owed to transactions they already carry.
	HandleDraining
	// HandleClosed handles have released their stream.
	HandleClosed
)

func (s HandleState) String() string {
	switch s {
	case HandleOpen:
		return "open"
	case HandleDraining:
		return "draining"
	case HandleClosed:
		return "closed"
	default:
		return fmt.Sprintf("HandleState(%d)", int(s))
	}
}

// HandleStatus is the part of a handle's state that a ReusePolicy decides on.
type HandleStatus struct {
	State        HandleState
	Transactions int
}

// Decision is the outcome of a ReusePolicy.
type Decision int

const (
	// OpenNew routes the transaction to a newly opened handle.
	OpenNew Decision = iota
	// Reuse routes the transaction to the existing handle.
	Reuse
)

func (d Decision) String() string {
	if d == Reuse {
		return "reuse"
	}
	return "open_new"
}

// ReusePolicy decides whether a transaction may reuse a stream handle.
//
// Decide is given the status of the current target handle, with ok set to
// false if there is none. Exhausted reports whether a handle that has carried
// the given number of transactions must stop accepting new ones. Both must be
// pure functions of their arguments: the multiplexer calls them while holding
// the lock that serializes routing decisions.
type ReusePolicy interface {
	Decide(h HandleStatus, ok bool) Decision
	Exhausted(transactions int) bool
	String() string
}

// NoReuse returns a policy that opens a new stream for every transaction. A
// stream carries exactly one transaction and then closes.
func NoReuse() ReusePolicy {
	return noReuse{}
}

type noReuse struct{}

func (noReuse) Decide(HandleStatus, bool) Decision { return OpenNew }
func (noReuse) Exhausted(int) bool                 { return true }
func (noReuse) String() string                     { return "none" }

// InfiniteReuse returns a policy that carries every transaction on a single
// long-lived stream. A new stream is only opened on first use or after the
// previous one failed.
func InfiniteReuse() ReusePolicy {
	return infiniteReuse{}
}

type infiniteReuse struct{}

func (infiniteReuse) Decide(h HandleStatus, ok bool) Decision {
	if ok && h.State == HandleOpen {
		return Reuse
	}
	return OpenNew
}

func (infiniteReuse) Exhausted(int) bool { return false }
func (infiniteReuse) String() string     { return "infinite" }

// BoundedReuse returns a policy that rotates streams after they have carried
// n transactions. The handle that reaches the limit drains and closes while a
// fresh handle takes subsequent transactions.
//
// BoundedReuse(1) behaves like NoReuse, but goes through the rotation path.
// It panics if n is less than one.
func BoundedReuse(n int) ReusePolicy {
	if n < 1 {
		panic(fmt.Sprintf("bounded reuse limit must be positive, got %d", n))
	}
	return boundedReuse{limit: n}
}

type boundedReuse struct {
	limit int
}

func (b boundedReuse) Decide(h HandleStatus, ok bool) Decision {
	if ok && h.State == HandleOpen && h.Transactions < b.limit {
		return Reuse
	}
	return OpenNew
}

func (b boundedReuse) Exhausted(transactions int) bool {
	return transactions >= b.limit
}

func (b boundedReuse) String() string {
	return "bounded:" + strconv.Itoa(b.limit)
}

// ParsePolicy parses the textual form of a policy, as returned by its String
// method: "none", "infinite", or "bounded:N".
func ParsePolicy(s string) (ReusePolicy, error) {
	switch s = strings.TrimSpace(strings.ToLower(s)); s {
	case "none", "no", "no_reuse":
		return NoReuse(), nil
	case "infinite", "infinite_reuse":
		return InfiniteReuse(), nil
	}
	if rest, ok := strings.CutPrefix(s, "bounded:"); ok {
		n, err := strconv.Atoi(rest)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid bounded reuse limit %q: must be a positive integer", rest)
		}
		return BoundedReuse(n), nil
	}
	return nil, fmt.Errorf("unknown reuse policy %q (want none, infinite, or bounded:N)", s)
}
