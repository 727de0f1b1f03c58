package recovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/NudgePipe/internal/messaging"
	"github.com/BTreeMap/NudgePipe/internal/models"
)

func TestCheckGuards(t *testing.T) {
	h := newHarness(t, memoryActivity, messaging.NewFakeSender())
	c, _ := h.seed("UTC", "10m")
	version, err := h.activity.RecordActivity(h.ctx, testBot, testUser)
	require.NoError(t, err)
	ok, err := h.activity.TryAllocateEpisode(h.ctx, testBot, testUser, "ep-1")
	require.NoError(t, err)
	require.True(t, ok)

	base := guardInput{
		botID:             testBot,
		userID:            testUser,
		inactivityVersion: version,
		episodeID:         "ep-1",
		campaignID:        c.ID,
		versionSnapshot:   c.Version,
	}

	tests := []struct {
		name      string
		mutate    func(in *guardInput)
		reason    string
		owned     bool
		wantStale bool
	}{
		{name: "current", mutate: func(in *guardInput) {}},
		{name: "activity moved on", mutate: func(in *guardInput) { in.inactivityVersion-- }, reason: reasonInactivityVersion, owned: true, wantStale: true},
		{name: "activity moved on before any episode", mutate: func(in *guardInput) {
			in.inactivityVersion--
			in.episodeID = ""
		}, reason: reasonInactivityVersion, wantStale: true},
		{name: "other episode", mutate: func(in *guardInput) { in.episodeID = "ep-0" }, reason: reasonEpisode, wantStale: true},
		{name: "campaign edited", mutate: func(in *guardInput) { in.versionSnapshot-- }, reason: reasonCampaignVersion, owned: true, wantStale: true},
		{name: "unknown campaign", mutate: func(in *guardInput) { in.campaignID = 9999 }, reason: reasonCampaignMissing, owned: true, wantStale: true},
		{name: "watchdog ignores snapshot", mutate: func(in *guardInput) {
			in.episodeID = ""
			in.campaignID = 0
			in.versionSnapshot = 0
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := base
			tt.mutate(&in)
			got, err := checkGuards(h.ctx, h.store, h.activity, in)
			if !tt.wantStale {
				require.NoError(t, err)
				assert.Equal(t, c.ID, got.ID)
				return
			}
			require.ErrorIs(t, err, ErrStaleGuard)
			reason, owned, stale := guardReason(err)
			assert.True(t, stale)
			assert.Equal(t, tt.reason, reason)
			assert.Equal(t, tt.owned, owned)
		})
	}
}

func TestCheckGuards_PaidAndInactive(t *testing.T) {
	h := newHarness(t, memoryActivity, messaging.NewFakeSender())
	c, _ := h.seed("UTC", "10m")
	version, err := h.activity.RecordActivity(h.ctx, testBot, testUser)
	require.NoError(t, err)
	in := guardInput{botID: testBot, userID: testUser, inactivityVersion: version}

	require.NoError(t, h.store.RecordPayment(h.ctx, testBot, testUser, t0))
	_, err = checkGuards(h.ctx, h.store, h.activity, in)
	reason, owned, _ := guardReason(err)
	assert.Equal(t, reasonPaid, reason)
	assert.False(t, owned)

	_, err = h.store.UpdateCampaignSettings(h.ctx, testBot, models.CampaignSettings{
		IsActive: true, InactivityThresholdSeconds: 3600, Timezone: "UTC", SkipPaidUsers: false,
	})
	require.NoError(t, err)
	got, err := checkGuards(h.ctx, h.store, h.activity, in)
	require.NoError(t, err, "paid users are reached when skipPaidUsers is off")
	assert.Equal(t, c.ID, got.ID)

	_, err = h.store.UpdateCampaignSettings(h.ctx, testBot, models.CampaignSettings{
		IsActive: false, InactivityThresholdSeconds: 3600, Timezone: "UTC",
	})
	require.NoError(t, err)
	_, err = checkGuards(h.ctx, h.store, h.activity, in)
	reason, _, _ = guardReason(err)
	assert.Equal(t, reasonCampaignInactive, reason)
}

func TestWatchdog_OnActivityArmsCheck(t *testing.T) {
	h := newHarness(t, memoryActivity, messaging.NewFakeSender())
	h.seed("UTC", "10m")

	version, err := h.watchdog.OnActivity(h.ctx, testBot, testUser)
	require.NoError(t, err)
	assert.Equal(t, int64(1), version)

	jobs := h.queued(JobKindWatchdog)
	require.Len(t, jobs, 1)
	assert.True(t, jobs[0].RunAt.Equal(t0.Add(time.Hour)), "due after the threshold, got %v", jobs[0].RunAt)
	assert.Equal(t, watchdogDedupeKey(testBot, testUser, 1, t0.Add(time.Hour)), jobs[0].DedupeKey)
}

func TestWatchdog_OnActivityValidatesIDs(t *testing.T) {
	h := newHarness(t, memoryActivity, messaging.NewFakeSender())
	_, err := h.watchdog.OnActivity(h.ctx, "", testUser)
	assert.ErrorIs(t, err, models.ErrEmptyBotID)
	_, err = h.watchdog.OnActivity(h.ctx, testBot, "")
	assert.ErrorIs(t, err, models.ErrEmptyUserID)
}

func TestWatchdog_ScheduleCheckSkipsUnusableCampaigns(t *testing.T) {
	h := newHarness(t, memoryActivity, messaging.NewFakeSender())

	// Lazily created campaigns start inactive.
	_, err := h.watchdog.OnActivity(h.ctx, testBot, testUser)
	require.NoError(t, err)
	assert.Empty(t, h.queued(JobKindWatchdog))

	// Active but without steps.
	_, err = h.store.UpdateCampaignSettings(h.ctx, testBot, models.CampaignSettings{
		IsActive: true, InactivityThresholdSeconds: 3600, Timezone: "UTC",
	})
	require.NoError(t, err)
	_, err = h.watchdog.OnActivity(h.ctx, testBot, testUser)
	require.NoError(t, err)
	assert.Empty(t, h.queued(JobKindWatchdog))
}

func TestWatchdog_StaleVersionIsNoop(t *testing.T) {
	h := newHarness(t, memoryActivity, messaging.NewFakeSender())
	h.seed("UTC", "10m")
	_, err := h.watchdog.OnActivity(h.ctx, testBot, testUser)
	require.NoError(t, err)
	h.now = t0.Add(30 * time.Minute)
	_, err = h.watchdog.OnActivity(h.ctx, testBot, testUser)
	require.NoError(t, err)

	h.now = t0.Add(2 * time.Hour)
	require.NoError(t, h.watchdog.OnCheckFires(h.ctx, WatchdogPayload{BotID: testBot, UserID: testUser, Version: 1}))
	assert.Empty(t, h.episode())
	assert.Empty(t, h.queued(JobKindSequencer))
	assert.Equal(t, float64(1), h.counter("nudgepipe_watchdog_outcomes_total", reasonInactivityVersion))
}

func TestWatchdog_EarlyFireRearms(t *testing.T) {
	h := newHarness(t, memoryActivity, messaging.NewFakeSender())
	h.seed("UTC", "10m")
	version, err := h.activity.RecordActivity(h.ctx, testBot, testUser)
	require.NoError(t, err)

	h.now = t0.Add(20 * time.Minute)
	require.NoError(t, h.watchdog.OnCheckFires(h.ctx, WatchdogPayload{BotID: testBot, UserID: testUser, Version: version}))

	jobs := h.queued(JobKindWatchdog)
	require.Len(t, jobs, 1)
	assert.True(t, jobs[0].RunAt.Equal(t0.Add(time.Hour)), "re-armed for the remaining 40m, got %v", jobs[0].RunAt)
	assert.Empty(t, h.episode())
	assert.Equal(t, float64(1), h.counter("nudgepipe_watchdog_outcomes_total", outcomeRearmed))
}

func TestWatchdog_StartsEpisode(t *testing.T) {
	h := newHarness(t, memoryActivity, messaging.NewFakeSender())
	c, steps := h.seed("UTC", "10m", "amanha 09:00")
	version, err := h.activity.RecordActivity(h.ctx, testBot, testUser)
	require.NoError(t, err)

	h.now = t0.Add(time.Hour + 5*time.Second)
	require.NoError(t, h.watchdog.OnCheckFires(h.ctx, WatchdogPayload{BotID: testBot, UserID: testUser, Version: version}))

	ep := h.episode()
	require.NotEmpty(t, ep)

	ds := h.deliveries()
	require.Len(t, ds, 1)
	assert.Equal(t, models.DeliveryStatusScheduled, ds[0].Status)
	assert.Equal(t, steps[0].ID, ds[0].StepID)
	assert.Equal(t, ep, ds[0].EpisodeID)
	assert.Equal(t, c.Version, ds[0].VersionSnapshot)
	assert.True(t, ds[0].ScheduledFor.Equal(t0.Add(70*time.Minute)), "first step counts from the deadline, got %v", ds[0].ScheduledFor)

	jobs := h.queued(JobKindSequencer)
	require.Len(t, jobs, 1)
	p := decodeSequencer(t, jobs[0])
	assert.Equal(t, SequencerPayload{
		BotID: testBot, UserID: testUser, StepID: steps[0].ID, CampaignID: c.ID,
		EpisodeID: ep, VersionSnapshot: c.Version, InactivityVersionAtArm: version,
	}, p)
	assert.True(t, jobs[0].RunAt.Equal(t0.Add(70*time.Minute)))
	assert.Equal(t, sequencerDedupeKey(testBot, testUser, ep, steps[0].ID), jobs[0].DedupeKey)
}

func TestWatchdog_AllocationConflict(t *testing.T) {
	h := newHarness(t, memoryActivity, messaging.NewFakeSender())
	h.seed("UTC", "10m")
	version, err := h.activity.RecordActivity(h.ctx, testBot, testUser)
	require.NoError(t, err)
	ok, err := h.activity.TryAllocateEpisode(h.ctx, testBot, testUser, "someone-else")
	require.NoError(t, err)
	require.True(t, ok)

	h.now = t0.Add(2 * time.Hour)
	require.NoError(t, h.watchdog.OnCheckFires(h.ctx, WatchdogPayload{BotID: testBot, UserID: testUser, Version: version}))
	assert.Equal(t, "someone-else", h.episode())
	assert.Empty(t, h.deliveries())
	assert.Equal(t, float64(1), h.counter("nudgepipe_watchdog_outcomes_total", outcomeAllocationConflict))
}

type failingDispatcher struct{}

func (failingDispatcher) Enqueue(ctx context.Context, kind string, payload any, delay time.Duration, dedupeKey string) (string, error) {
	return "", errors.New("database is locked")
}

func TestWatchdog_ReleasesEpisodeWhenSchedulingFails(t *testing.T) {
	h := newHarness(t, memoryActivity, messaging.NewFakeSender())
	h.seed("UTC", "10m")
	version, err := h.activity.RecordActivity(h.ctx, testBot, testUser)
	require.NoError(t, err)

	h.now = t0.Add(2 * time.Hour)
	w := NewWatchdog(h.store, h.activity, failingDispatcher{}, WithClock(func() time.Time { return h.now }))
	err = w.OnCheckFires(h.ctx, WatchdogPayload{BotID: testBot, UserID: testUser, Version: version})
	require.Error(t, err)
	assert.Empty(t, h.episode(), "a retried check must be able to allocate again")
}
