package rcx

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/ahrav/go-rcx/alock"
	"github.com/ahrav/go-rcx/mcs"
	"github.com/ahrav/go-rcx/ticket"
)

// FallbackKind names a tier-2 lock implementation.
type FallbackKind string

const (
	// FallbackTicket is a FIFO ticket spin lock (the default).
	FallbackTicket FallbackKind = "ticket"
	// FallbackMCS is an MCS queue lock.
	FallbackMCS FallbackKind = "mcs"
	// FallbackArray is an array lock with one slot per node plus one for the holder.
	FallbackArray FallbackKind = "array"
)

// ErrUnknownFallback is returned by ParseFallback for unknown names.
var ErrUnknownFallback = errors.New("rcx: unknown fallback lock")

// ParseFallback validates a fallback name.
func ParseFallback(s string) (FallbackKind, error) {
	switch k := FallbackKind(strings.ToLower(s)); k {
	case "":
		return FallbackTicket, nil
	case FallbackTicket, FallbackMCS, FallbackArray:
		return k, nil
	}
	return "", errors.Wrapf(ErrUnknownFallback, "%q", s)
}

func (k FallbackKind) factory() func(nodes int) Fallback {
	switch k {
	case FallbackMCS:
		return func(int) Fallback { return mcs.NewLock() }
	case FallbackArray:
		// Tier 2 sees one waiter per node plus the holder, which has already
		// cleared its node flag when it releases the array.
		return func(nodes int) Fallback { return alock.NewArrayLock(uint32(nodes) + 1) }
	default:
		return newTicket
	}
}

func newTicket(int) Fallback { return ticket.NewLock() }
