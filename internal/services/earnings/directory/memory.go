package directory

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"canopy-ledger/internal/services/earnings/commission"
)

// Memory implements every directory port in process.
type Memory struct {
	mu          sync.RWMutex
	users       map[string]User
	dispensary  map[string]Dispensary
	staff       map[string][]string
	influencers map[string]Influencer
	orders      map[string]Order
	recorded    map[string]decimal.Decimal
	campaigns   []commission.Campaign
}

func NewMemory() *Memory {
	return &Memory{
		users:       map[string]User{},
		dispensary:  map[string]Dispensary{},
		staff:       map[string][]string{},
		influencers: map[string]Influencer{},
		orders:      map[string]Order{},
		recorded:    map[string]decimal.Decimal{},
	}
}

func (m *Memory) PutUser(u User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
}

func (m *Memory) PutDispensary(d Dispensary) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dispensary[d.ID] = d
}

func (m *Memory) PutStaff(dispensaryID string, userIDs ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.staff[dispensaryID] = append(m.staff[dispensaryID], userIDs...)
}

func (m *Memory) PutInfluencer(i Influencer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.influencers[i.ReferralCode] = i
}

func (m *Memory) PutOrder(o Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[o.ID] = o
}

func (m *Memory) PutCampaign(c commission.Campaign) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.campaigns = append(m.campaigns, c)
}

func (m *Memory) Lookup(_ context.Context, userID string) (User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[userID]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (m *Memory) Dispensary(_ context.Context, id string) (Dispensary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.dispensary[id]
	if !ok {
		return Dispensary{}, ErrNotFound
	}
	return d, nil
}

func (m *Memory) StaffOf(_ context.Context, dispensaryID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.staff[dispensaryID]...), nil
}

func (m *Memory) ResolveReferral(_ context.Context, code string) (Influencer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i, ok := m.influencers[code]
	if !ok {
		return Influencer{}, ErrNotFound
	}
	return i, nil
}

func (m *Memory) Order(_ context.Context, id string) (Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return Order{}, ErrNotFound
	}
	return o, nil
}

func (m *Memory) MarkEarningsRecorded(_ context.Context, id string, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return ErrNotFound
	}
	o.EarningsRecorded = true
	m.orders[id] = o
	m.recorded[id] = amount
	return nil
}

// RecordedEarnings returns the amount written back for an order.
func (m *Memory) RecordedEarnings(id string) (decimal.Decimal, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.recorded[id]
	return v, ok
}

func (m *Memory) Campaigns(_ context.Context, at time.Time) ([]commission.Campaign, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []commission.Campaign
	for _, c := range m.campaigns {
		if c.ActiveAt(at) {
			out = append(out, c)
		}
	}
	return out, nil
}
