// Package entitlement decides whether a viewer may receive the playlists and
// keys of a content item.
package entitlement

import (
	"strings"

	"github.com/kenneth/segment-key-gateway/internal/content"
)

// State is a node of the access decision state machine.
type State string

const (
	StateStart                State = "START"
	StateIdentified           State = "IDENTIFIED"
	StateTrailerBypass        State = "TRAILER_BYPASS"
	StateEntitlementChecked   State = "ENTITLEMENT_CHECKED"
	StateNonFreeTierAllow     State = "NON_FREE_TIER_ALLOW"
	StateFreeTierContentCheck State = "FREE_TIER_CONTENT_CHECK"
	StateFreeContentAllow     State = "FREE_CONTENT_ALLOW"
	StateRentalCheck          State = "RENTAL_CHECK"
	StateRentalAllow          State = "RENTAL_ALLOW"
	StateDeny                 State = "DENY"
	StateFailOpenAllow        State = "FAIL_OPEN_ALLOW"
)

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	switch s {
	case StateTrailerBypass, StateNonFreeTierAllow, StateFreeContentAllow,
		StateRentalAllow, StateDeny, StateFailOpenAllow:
		return true
	}
	return false
}

// Allows reports whether s grants access.
func (s State) Allows() bool {
	return s.Terminal() && s != StateDeny
}

// Request is one access check.
type Request struct {
	UserID    string
	RequestID string
	Content   content.Ref
	Variant   content.Variant
}

// Decision is the outcome of an access check together with every state it
// passed through.
type Decision struct {
	State   State   `json:"state"`
	Path    []State `json:"path"`
	Allowed bool    `json:"allowed"`
}

func (d *Decision) advance(s State) {
	d.State = s
	d.Path = append(d.Path, s)
	d.Allowed = s.Allows()
}

// PathString renders the visited states as "A>B>C" for logs.
func (d Decision) PathString() string {
	parts := make([]string, len(d.Path))
	for i, s := range d.Path {
		parts[i] = string(s)
	}
	return strings.Join(parts, ">")
}
