/*
Package lifecycle advances subscription status as wall-clock time passes.

STATE MACHINE:
  PENDING        -> ACTIVE          startDate <= now
  ACTIVE         -> CONTACT_NEEDED  now < endDate <= now + window, contactNeeded false
                                    (sets contactNeeded; never cleared here)
  ACTIVE         -> EXPIRED         endDate < now
  CONTACT_NEEDED -> EXPIRED         endDate < now
  EXPIRED is terminal. autoRenew does not re-activate anything.

PLANNING:
  Plan applies steps until none matches, so a subscription whose start and
  end dates both passed goes PENDING -> EXPIRED in one sweep. Because the
  planned state is a fixpoint, a second sweep at the same instant plans
  nothing.

BINDINGS:
  Expiry changes status only. Profile bindings stay until they are
  unassigned or the subscription is deleted.
*/
package lifecycle

import (
	"time"

	"github.com/warp/profile-engine/model"
)

// DefaultContactWindow is how long before endDate a subscription is flagged.
const DefaultContactWindow = 72 * time.Hour

// Transition groups planned changes by their final effect.
type Transition string

const (
	TransitionActivate    Transition = "activate"
	TransitionFlagContact Transition = "flag_contact"
	TransitionExpire      Transition = "expire"
)

// Transitions in the order a sweep commits them.
var Transitions = []Transition{TransitionActivate, TransitionFlagContact, TransitionExpire}

// Decision is the planned change for one subscription.
type Decision struct {
	Kind   Transition
	Change model.StatusChange
}

// step applies at most one transition.
func step(sub model.Subscription, now time.Time, window time.Duration) (model.Subscription, bool) {
	switch sub.Status {
	case model.StatusPending:
		if !sub.StartDate.After(now) {
			sub.Status = model.StatusActive
			return sub, true
		}
	case model.StatusActive:
		if sub.EndDate.Before(now) {
			sub.Status = model.StatusExpired
			return sub, true
		}
		if !sub.ContactNeeded && now.Before(sub.EndDate) && !sub.EndDate.After(now.Add(window)) {
			sub.Status = model.StatusContactNeeded
			sub.ContactNeeded = true
			return sub, true
		}
	case model.StatusContactNeeded:
		if sub.EndDate.Before(now) {
			sub.Status = model.StatusExpired
			return sub, true
		}
	}
	return sub, false
}

// Advance returns the state the subscription should be in at now.
func Advance(sub model.Subscription, now time.Time, window time.Duration) model.Subscription {
	for {
		next, changed := step(sub, now, window)
		if !changed {
			return sub
		}
		sub = next
	}
}

// Plan returns the change a sweep at now must apply, if any.
func Plan(sub model.Subscription, now time.Time, window time.Duration) (Decision, bool) {
	target := Advance(sub, now, window)
	if target.Status == sub.Status && target.ContactNeeded == sub.ContactNeeded {
		return Decision{}, false
	}

	d := Decision{
		Change: model.StatusChange{
			SubscriptionID:   sub.ID,
			From:             sub.Status,
			To:               target.Status,
			SetContactNeeded: target.ContactNeeded && !sub.ContactNeeded,
		},
	}
	switch target.Status {
	case model.StatusExpired:
		d.Kind = TransitionExpire
	case model.StatusContactNeeded:
		d.Kind = TransitionFlagContact
	default:
		d.Kind = TransitionActivate
	}
	return d, true
}

// PlanAll groups the decisions for a population by transition.
func PlanAll(subs []model.Subscription, now time.Time, window time.Duration) map[Transition][]model.StatusChange {
	groups := make(map[Transition][]model.StatusChange)
	for _, sub := range subs {
		if d, ok := Plan(sub, now, window); ok {
			groups[d.Kind] = append(groups[d.Kind], d.Change)
		}
	}
	return groups
}
