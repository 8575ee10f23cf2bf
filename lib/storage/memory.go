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

package storage

import (
	"context"
	"sync"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/openclaw/fleetd/lib/types"
)

// MemoryBackend is a mutex-guarded in-memory Backend. It enforces the same
// unique indexes as the MongoDB backend (deployment subdomain, non-zero
// internalPort, user email) and is used by tests and the development mode.
type MemoryBackend struct {
	deployments *memoryDeployments
	users       *memoryUsers
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend(clock clockwork.Clock) *MemoryBackend {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryBackend{
		deployments: &memoryDeployments{clock: clock, records: make(map[string]types.Deployment)},
		users:       &memoryUsers{clock: clock, records: make(map[string]types.User)},
	}
}

func (b *MemoryBackend) Deployments() Deployments    { return b.deployments }
func (b *MemoryBackend) Users() Users                { return b.users }
func (b *MemoryBackend) Ping(context.Context) error  { return nil }
func (b *MemoryBackend) Close(context.Context) error { return nil }

type memoryDeployments struct {
	mu      sync.RWMutex
	clock   clockwork.Clock
	records map[string]types.Deployment
}

func (m *memoryDeployments) Create(ctx context.Context, d *types.Deployment) error {
	if err := d.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[d.ID]; ok {
		return trace.AlreadyExists("deployment %q already exists", d.ID)
	}
	for _, other := range m.records {
		if other.Subdomain == d.Subdomain {
			return trace.AlreadyExists("subdomain %q is taken", d.Subdomain)
		}
	}
	now := m.clock.Now().UTC()
	d.CreatedAt, d.UpdatedAt = now, now
	m.records[d.ID] = *d
	return nil
}

func (m *memoryDeployments) Get(ctx context.Context, id string) (*types.Deployment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.records[id]
	if !ok {
		return nil, trace.NotFound("deployment %q not found", id)
	}
	return &d, nil
}

func (m *memoryDeployments) GetBySubdomain(ctx context.Context, subdomain string) (*types.Deployment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, d := range m.records {
		if d.Subdomain == subdomain {
			return &d, nil
		}
	}
	return nil, trace.NotFound("deployment for subdomain %q not found", subdomain)
}

func (m *memoryDeployments) List(ctx context.Context, filter DeploymentFilter) ([]types.Deployment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.Deployment
	for _, d := range m.records {
		if filter.Matches(d) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *memoryDeployments) Count(ctx context.Context, filter DeploymentFilter) (int, error) {
	list, err := m.List(ctx, filter)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	return len(list), nil
}

// checkPortIndex enforces the partial unique index on internalPort. Caller
// holds the write lock.
func (m *memoryDeployments) checkPortIndex(id string, port int) error {
	if port == 0 {
		return nil
	}
	for otherID, other := range m.records {
		if otherID != id && other.InternalPort == port {
			return trace.AlreadyExists("internal port %d is taken by deployment %q", port, otherID)
		}
	}
	return nil
}

func (m *memoryDeployments) Update(ctx context.Context, id string, u DeploymentUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.records[id]
	if !ok {
		return trace.NotFound("deployment %q not found", id)
	}
	if u.InternalPort != nil {
		if err := m.checkPortIndex(id, *u.InternalPort); err != nil {
			return trace.Wrap(err)
		}
	}
	u.apply(&d, m.clock.Now().UTC())
	m.records[id] = d
	return nil
}

func (m *memoryDeployments) UpdateWhenStatus(ctx context.Context, id string, expect types.DeploymentStatus, u DeploymentUpdate) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.records[id]
	if !ok || d.Status != expect {
		return false, nil
	}
	if u.InternalPort != nil {
		if err := m.checkPortIndex(id, *u.InternalPort); err != nil {
			return false, trace.Wrap(err)
		}
	}
	u.apply(&d, m.clock.Now().UTC())
	m.records[id] = d
	return true, nil
}

func (m *memoryDeployments) UpdateAndGet(ctx context.Context, id string, u DeploymentUpdate) (*types.Deployment, error) {
	if err := m.Update(ctx, id, u); err != nil {
		return nil, trace.Wrap(err)
	}
	return m.Get(ctx, id)
}

func (m *memoryDeployments) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[id]; !ok {
		return trace.NotFound("deployment %q not found", id)
	}
	delete(m.records, id)
	return nil
}

type memoryUsers struct {
	mu      sync.RWMutex
	clock   clockwork.Clock
	records map[string]types.User
}

func (m *memoryUsers) Create(ctx context.Context, u *types.User) error {
	if err := u.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[u.ID]; ok {
		return trace.AlreadyExists("user %q already exists", u.ID)
	}
	for _, other := range m.records {
		if other.Email == u.Email {
			return trace.AlreadyExists("email %q is taken", u.Email)
		}
	}
	now := m.clock.Now().UTC()
	u.CreatedAt, u.UpdatedAt = now, now
	m.records[u.ID] = *u
	return nil
}

func (m *memoryUsers) Get(ctx context.Context, id string) (*types.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.records[id]
	if !ok {
		return nil, trace.NotFound("user %q not found", id)
	}
	return &u, nil
}

func (m *memoryUsers) GetByEmail(ctx context.Context, email string) (*types.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.records {
		if u.Email == email {
			return &u, nil
		}
	}
	return nil, trace.NotFound("user with email %q not found", email)
}

func (m *memoryUsers) GetByGoogleID(ctx context.Context, googleID string) (*types.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.records {
		if u.GoogleID == googleID {
			return &u, nil
		}
	}
	return nil, trace.NotFound("user with google id %q not found", googleID)
}

func (m *memoryUsers) List(ctx context.Context, filter UserFilter) ([]types.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.User
	for _, u := range m.records {
		if filter.Matches(u) {
			out = append(out, u)
		}
	}
	return out, nil
}

func (m *memoryUsers) Update(ctx context.Context, id string, u UserUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.records[id]
	if !ok {
		return trace.NotFound("user %q not found", id)
	}
	u.apply(&user, m.clock.Now().UTC())
	m.records[id] = user
	return nil
}
