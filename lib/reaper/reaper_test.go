/*
 * fleetd
 * Copyright (C) 2025  Openclaw, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package reaper

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/fleetd/lib/runtime"
	"github.com/openclaw/fleetd/lib/storage"
	"github.com/openclaw/fleetd/lib/types"
)

// fakeMailer records notifications and can fail on demand.
type fakeMailer struct {
	mu        sync.Mutex
	reminders map[string]int
	expired   []string
	err       error
}

func newFakeMailer() *fakeMailer {
	return &fakeMailer{reminders: make(map[string]int)}
}

func (f *fakeMailer) SendExpiryReminder(ctx context.Context, recipient string, daysLeft int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.reminders[recipient] = daysLeft
	return nil
}

func (f *fakeMailer) SendSubscriptionExpired(ctx context.Context, recipient string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.expired = append(f.expired, recipient)
	return nil
}

type testReaper struct {
	reaper      *Reaper
	deployments storage.Deployments
	users       storage.Users
	rt          *runtime.FakeRuntime
	mailer      *fakeMailer
	clock       *clockwork.FakeClock
}

func newTestReaper(t *testing.T) *testReaper {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	backend := storage.NewMemoryBackend(clock)
	rt := runtime.NewFakeRuntime()
	mailer := newFakeMailer()

	r, err := New(Config{
		Deployments:     backend.Deployments(),
		Users:           backend.Users(),
		Runtime:         rt,
		Mailer:          mailer,
		StopGracePeriod: time.Millisecond,
		Clock:           clock,
	})
	require.NoError(t, err)

	return &testReaper{
		reaper:      r,
		deployments: backend.Deployments(),
		users:       backend.Users(),
		rt:          rt,
		mailer:      mailer,
		clock:       clock,
	}
}

// stopped returns the IDs of deployments the reaper has parked in the stopped
// state.
func (tr *testReaper) stopped(t *testing.T) []string {
	t.Helper()
	deployments, err := tr.deployments.List(context.Background(), storage.DeploymentFilter{
		Statuses: []types.DeploymentStatus{types.StatusStopped},
	})
	require.NoError(t, err)
	ids := make([]string, 0, len(deployments))
	for _, d := range deployments {
		ids = append(ids, d.ID)
	}
	return ids
}

func (tr *testReaper) createDeployment(t *testing.T, id, subdomain string, status types.DeploymentStatus, containerID string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, tr.deployments.Create(ctx, &types.Deployment{
		ID: id, UserID: "u-" + id, Subdomain: subdomain, Status: status,
	}))
	if containerID != "" {
		require.NoError(t, tr.deployments.Update(ctx, id, storage.DeploymentUpdate{
			ContainerID: storage.Ptr(containerID),
		}))
	}
}

func TestReconcileZombies(t *testing.T) {
	ctx := context.Background()
	tr := newTestReaper(t)

	// d1's container is alive, d2's died, d3 never had one.
	liveID, err := tr.rt.CreateContainer(ctx, runtime.ContainerSpec{Name: "openclaw-agent-d1", HostPort: 20000})
	require.NoError(t, err)
	require.NoError(t, tr.rt.StartContainer(ctx, liveID))
	deadID, err := tr.rt.CreateContainer(ctx, runtime.ContainerSpec{Name: "openclaw-agent-d2", HostPort: 20001})
	require.NoError(t, err)
	require.NoError(t, tr.rt.StartContainer(ctx, deadID))
	tr.rt.Kill(deadID)

	tr.createDeployment(t, "d1", "alice", types.StatusHealthy, liveID)
	tr.createDeployment(t, "d2", "bob", types.StatusHealthy, deadID)
	tr.createDeployment(t, "d3", "carol", types.StatusIdle, "")

	tr.reaper.RunOnce(ctx)

	d1, err := tr.deployments.Get(ctx, "d1")
	require.NoError(t, err)
	require.Equal(t, types.StatusHealthy, d1.Status)

	d2, err := tr.deployments.Get(ctx, "d2")
	require.NoError(t, err)
	require.Equal(t, types.StatusError, d2.Status)
	require.Equal(t, "Container died unexpectedly", d2.ErrorMessage)
	require.Empty(t, d2.ContainerID)

	d3, err := tr.deployments.Get(ctx, "d3")
	require.NoError(t, err)
	require.Equal(t, types.StatusIdle, d3.Status)
}

func TestHibernateIdle(t *testing.T) {
	ctx := context.Background()
	tr := newTestReaper(t)
	now := tr.clock.Now()

	idleContainer, err := tr.rt.CreateContainer(ctx, runtime.ContainerSpec{Name: "openclaw-agent-d1", HostPort: 20010})
	require.NoError(t, err)
	require.NoError(t, tr.rt.StartContainer(ctx, idleContainer))
	tr.createDeployment(t, "d1", "alice", types.StatusHealthy, idleContainer)
	require.NoError(t, tr.deployments.Update(ctx, "d1", storage.DeploymentUpdate{
		LastRequestAt: storage.Ptr(now.Add(-11 * time.Minute)),
		InternalPort:  storage.Ptr(20010),
	}))
	tr.createDeployment(t, "d2", "bob", types.StatusHealthy, "")
	require.NoError(t, tr.deployments.Update(ctx, "d2", storage.DeploymentUpdate{
		LastRequestAt: storage.Ptr(now.Add(-time.Minute)),
	}))

	tr.reaper.RunOnce(ctx)

	d1, err := tr.deployments.Get(ctx, "d1")
	require.NoError(t, err)
	require.Equal(t, types.StatusStopped, d1.Status)
	require.Empty(t, d1.ContainerID)
	require.Zero(t, d1.InternalPort)
	require.Nil(t, tr.rt.Container("openclaw-agent-d1"))

	d2, err := tr.deployments.Get(ctx, "d2")
	require.NoError(t, err)
	require.Equal(t, types.StatusHealthy, d2.Status)
}

func TestHibernateFallsBackToHeartbeat(t *testing.T) {
	ctx := context.Background()
	tr := newTestReaper(t)
	now := tr.clock.Now()

	// Never had a request; the heartbeat decides.
	tr.createDeployment(t, "d1", "alice", types.StatusHealthy, "")
	require.NoError(t, tr.deployments.Update(ctx, "d1", storage.DeploymentUpdate{
		LastHeartbeat: storage.Ptr(now.Add(-time.Hour)),
	}))

	tr.reaper.RunOnce(ctx)
	require.Equal(t, []string{"d1"}, tr.stopped(t))
}

func TestHibernatePacing(t *testing.T) {
	ctx := context.Background()
	tr := newTestReaper(t)
	now := tr.clock.Now()

	for _, d := range []struct{ id, subdomain string }{
		{"d1", "alice"}, {"d2", "bob"},
	} {
		tr.createDeployment(t, d.id, d.subdomain, types.StatusHealthy, "")
		require.NoError(t, tr.deployments.Update(ctx, d.id, storage.DeploymentUpdate{
			LastRequestAt: storage.Ptr(now.Add(-time.Hour)),
		}))
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		tr.reaper.RunOnce(ctx)
	}()

	// The first stop is immediate, the second waits out the pacing delay.
	require.Eventually(t, func() bool {
		return len(tr.stopped(t)) == 1
	}, 2*time.Second, 5*time.Millisecond)

	tr.clock.BlockUntil(1)
	tr.clock.Advance(time.Second)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("reaper run did not finish")
	}
	require.ElementsMatch(t, []string{"d1", "d2"}, tr.stopped(t))
}

func TestExpireSubscriptions(t *testing.T) {
	ctx := context.Background()
	tr := newTestReaper(t)
	now := tr.clock.Now()

	require.NoError(t, tr.users.Create(ctx, &types.User{
		ID: "u1", Email: "expired@example.com",
		MaxAgents:             3,
		SubscriptionStatus:    types.SubscriptionActive,
		SubscriptionExpiresAt: now.Add(-time.Hour),
	}))
	require.NoError(t, tr.users.Create(ctx, &types.User{
		ID: "u2", Email: "current@example.com",
		MaxAgents:             3,
		SubscriptionStatus:    types.SubscriptionActive,
		SubscriptionExpiresAt: now.Add(30 * 24 * time.Hour),
	}))

	containerID, err := tr.rt.CreateContainer(ctx, runtime.ContainerSpec{Name: "openclaw-agent-d1", HostPort: 20020})
	require.NoError(t, err)
	require.NoError(t, tr.rt.StartContainer(ctx, containerID))
	require.NoError(t, tr.deployments.Create(ctx, &types.Deployment{
		ID: "d1", UserID: "u1", Subdomain: "alice", Status: types.StatusHealthy,
	}))
	require.NoError(t, tr.deployments.Update(ctx, "d1", storage.DeploymentUpdate{
		ContainerID: storage.Ptr(containerID), InternalPort: storage.Ptr(20020),
	}))
	// Mid-provisioning deployments go down with the subscription too.
	require.NoError(t, tr.deployments.Create(ctx, &types.Deployment{
		ID: "d2", UserID: "u1", Subdomain: "alice2", Status: types.StatusProvisioning,
	}))

	tr.reaper.RunOnce(ctx)

	u1, err := tr.users.Get(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, types.SubscriptionExpired, u1.SubscriptionStatus)
	require.Zero(t, u1.MaxAgents)

	u2, err := tr.users.Get(ctx, "u2")
	require.NoError(t, err)
	require.Equal(t, types.SubscriptionActive, u2.SubscriptionStatus)
	require.Equal(t, 3, u2.MaxAgents)

	for _, id := range []string{"d1", "d2"} {
		d, err := tr.deployments.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, types.StatusStopped, d.Status, id)
		require.Empty(t, d.ContainerID, id)
		require.Equal(t, "Subscription expired", d.ErrorMessage, id)
	}
	require.Nil(t, tr.rt.Container("openclaw-agent-d1"))

	require.Equal(t, []string{"expired@example.com"}, tr.mailer.expired)
}

func TestSendReminders(t *testing.T) {
	ctx := context.Background()
	tr := newTestReaper(t)
	now := tr.clock.Now()

	require.NoError(t, tr.users.Create(ctx, &types.User{
		ID: "u1", Email: "soon@example.com",
		SubscriptionStatus:    types.SubscriptionActive,
		SubscriptionExpiresAt: now.Add(60 * time.Hour), // 2.5 days
	}))
	require.NoError(t, tr.users.Create(ctx, &types.User{
		ID: "u2", Email: "later@example.com",
		SubscriptionStatus:    types.SubscriptionActive,
		SubscriptionExpiresAt: now.Add(20 * 24 * time.Hour),
	}))

	tr.reaper.RunOnce(ctx)

	require.Equal(t, map[string]int{"soon@example.com": 3}, tr.mailer.reminders)
	u1, err := tr.users.Get(ctx, "u1")
	require.NoError(t, err)
	require.True(t, u1.ExpiryReminderSent)

	// The flag keeps the next run quiet.
	tr.mailer.reminders = map[string]int{}
	tr.reaper.RunOnce(ctx)
	require.Empty(t, tr.mailer.reminders)
}

func TestReminderFailureRetries(t *testing.T) {
	ctx := context.Background()
	tr := newTestReaper(t)
	now := tr.clock.Now()

	require.NoError(t, tr.users.Create(ctx, &types.User{
		ID: "u1", Email: "soon@example.com",
		SubscriptionStatus:    types.SubscriptionActive,
		SubscriptionExpiresAt: now.Add(24 * time.Hour),
	}))

	tr.mailer.err = trace.ConnectionProblem(nil, "smtp down")
	tr.reaper.RunOnce(ctx)

	u1, err := tr.users.Get(ctx, "u1")
	require.NoError(t, err)
	require.False(t, u1.ExpiryReminderSent, "failed sends must not set the flag")

	tr.mailer.err = nil
	tr.reaper.RunOnce(ctx)
	require.Equal(t, map[string]int{"soon@example.com": 1}, tr.mailer.reminders)
}

func TestPassesAreIsolated(t *testing.T) {
	ctx := context.Background()
	tr := newTestReaper(t)
	now := tr.clock.Now()

	// The zombie pass fails outright, the reminder pass must still run.
	tr.rt.ListError = trace.ConnectionProblem(nil, "daemon unavailable")
	require.NoError(t, tr.users.Create(ctx, &types.User{
		ID: "u1", Email: "soon@example.com",
		SubscriptionStatus:    types.SubscriptionActive,
		SubscriptionExpiresAt: now.Add(24 * time.Hour),
	}))

	tr.reaper.RunOnce(ctx)
	require.Equal(t, map[string]int{"soon@example.com": 1}, tr.mailer.reminders)
}

func TestDaysUntil(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name   string
		expiry time.Time
		want   int
	}{
		{name: "exactly one day", expiry: now.Add(24 * time.Hour), want: 1},
		{name: "partial rounds up", expiry: now.Add(60 * time.Hour), want: 3},
		{name: "under a day", expiry: now.Add(2 * time.Hour), want: 1},
		{name: "already past", expiry: now.Add(-time.Hour), want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, daysUntil(now, tt.expiry))
		})
	}
}
