package lifecycle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/warp/profile-engine/model"
)

func TestPlan(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	day := 24 * time.Hour

	tests := []struct {
		name          string
		status        model.SubscriptionStatus
		contactNeeded bool
		start, end    time.Time
		planned       bool
		kind          Transition
		to            model.SubscriptionStatus
		setContact    bool
	}{
		{"pending, start passed", model.StatusPending, false, now.Add(-day), now.Add(30 * day), true, TransitionActivate, model.StatusActive, false},
		{"pending, start exactly now", model.StatusPending, false, now, now.Add(30 * day), true, TransitionActivate, model.StatusActive, false},
		{"pending, start in future", model.StatusPending, false, now.Add(day), now.Add(30 * day), false, "", "", false},
		{"active, ends in 2 days", model.StatusActive, false, now.Add(-day), now.Add(2 * day), true, TransitionFlagContact, model.StatusContactNeeded, true},
		{"active, ends exactly at window edge", model.StatusActive, false, now.Add(-day), now.Add(3 * day), true, TransitionFlagContact, model.StatusContactNeeded, true},
		{"active, ends after window", model.StatusActive, false, now.Add(-day), now.Add(3*day + time.Second), false, "", "", false},
		{"active, ends exactly now", model.StatusActive, false, now.Add(-day), now, false, "", "", false},
		{"active, ended yesterday", model.StatusActive, false, now.Add(-30 * day), now.Add(-day), true, TransitionExpire, model.StatusExpired, false},
		{"contact needed, ended yesterday", model.StatusContactNeeded, true, now.Add(-30 * day), now.Add(-day), true, TransitionExpire, model.StatusExpired, false},
		{"contact needed, still running", model.StatusContactNeeded, true, now.Add(-30 * day), now.Add(day), false, "", "", false},
		{"pending, both dates passed", model.StatusPending, false, now.Add(-30 * day), now.Add(-day), true, TransitionExpire, model.StatusExpired, false},
		{"pending, start passed, ends soon", model.StatusPending, false, now.Add(-day), now.Add(day), true, TransitionFlagContact, model.StatusContactNeeded, true},
		{"expired is terminal", model.StatusExpired, false, now.Add(-30 * day), now.Add(30 * day), false, "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := model.Subscription{
				ID:            "sub",
				Status:        tt.status,
				ContactNeeded: tt.contactNeeded,
				StartDate:     tt.start,
				EndDate:       tt.end,
				AutoRenew:     true,
			}

			d, ok := Plan(sub, now, DefaultContactWindow)
			assert.Equal(t, tt.planned, ok)
			if !tt.planned {
				return
			}
			assert.Equal(t, tt.kind, d.Kind)
			assert.Equal(t, tt.status, d.Change.From)
			assert.Equal(t, tt.to, d.Change.To)
			assert.Equal(t, tt.setContact, d.Change.SetContactNeeded)

			// The planned state is a fixpoint.
			after := Advance(sub, now, DefaultContactWindow)
			_, again := Plan(after, now, DefaultContactWindow)
			assert.False(t, again)
		})
	}
}

func TestPlan_ContactFlagIsSticky(t *testing.T) {
	// An ACTIVE subscription that already carries the flag is not flagged again.
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	sub := model.Subscription{
		ID:            "sub",
		Status:        model.StatusActive,
		ContactNeeded: true,
		StartDate:     now.AddDate(0, 0, -10),
		EndDate:       now.AddDate(0, 0, 1),
	}
	_, ok := Plan(sub, now, DefaultContactWindow)
	assert.False(t, ok)

	// Expiry keeps it set.
	sub.EndDate = now.AddDate(0, 0, -1)
	assert.True(t, Advance(sub, now, DefaultContactWindow).ContactNeeded)
}

func TestPlanAll_GroupsByTransition(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	subs := []model.Subscription{
		{ID: "a", Status: model.StatusPending, StartDate: now.AddDate(0, 0, -1), EndDate: now.AddDate(0, 1, 0)},
		{ID: "b", Status: model.StatusPending, StartDate: now.AddDate(0, 0, -2), EndDate: now.AddDate(0, 1, 0)},
		{ID: "c", Status: model.StatusActive, StartDate: now.AddDate(0, -1, 0), EndDate: now.AddDate(0, 0, -1)},
		{ID: "d", Status: model.StatusActive, StartDate: now.AddDate(0, -1, 0), EndDate: now.AddDate(0, 1, 0)},
	}

	groups := PlanAll(subs, now, 48*time.Hour)
	assert.Len(t, groups[TransitionActivate], 2)
	assert.Len(t, groups[TransitionExpire], 1)
	assert.Empty(t, groups[TransitionFlagContact])
}
