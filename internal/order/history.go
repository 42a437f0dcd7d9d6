package order

import (
	"context"
	"sort"
	"time"

	"bot-otp/internal/apperr"
	"bot-otp/internal/store"
)

const (
	// TableHistory holds the completed orders of each user, newest first.
	TableHistory = "history"
	// TableCache holds derived, rebuildable records.
	TableCache = "cache"

	historyLimit   = 20
	topServicesKey = "top_services"
)

// HistoryEntry is one completed order.
type HistoryEntry struct {
	OrderID     string    `json:"order_id"`
	Number      string    `json:"number"`
	ServiceName string    `json:"service_name"`
	Country     string    `json:"country"`
	Price       int64     `json:"price"`
	SMSCode     string    `json:"sms_code"`
	CompletedAt time.Time `json:"completed_at"`
}

// TopService counts completed orders of one service.
type TopService struct {
	ServiceID string `json:"service_id"`
	Name      string `json:"name"`
	Count     int    `json:"count"`
}

// History returns the user's completed orders, newest first.
func (m *Manager) History(ctx context.Context, userID string) ([]HistoryEntry, error) {
	var entries []HistoryEntry
	if _, err := m.store.Read(ctx, historyKey(userID), &entries); err != nil {
		return nil, apperr.System("read history", err)
	}
	return entries, nil
}

// TopServices returns up to n services ordered by completed orders.
func (m *Manager) TopServices(ctx context.Context, n int) ([]TopService, error) {
	counts := map[string]TopService{}
	if _, err := m.store.Read(ctx, store.Key(TableCache, topServicesKey), &counts); err != nil {
		return nil, apperr.System("read top services", err)
	}
	top := make([]TopService, 0, len(counts))
	for _, s := range counts {
		top = append(top, s)
	}
	sort.Slice(top, func(i, j int) bool {
		if top[i].Count == top[j].Count {
			return top[i].ServiceID < top[j].ServiceID
		}
		return top[i].Count > top[j].Count
	})
	if n > 0 && len(top) > n {
		top = top[:n]
	}
	return top, nil
}

func (m *Manager) appendHistory(ctx context.Context, userID string, e HistoryEntry) error {
	var entries []HistoryEntry
	return m.store.Update(ctx, historyKey(userID), &entries, func(bool) (store.Mutation, error) {
		entries = append([]HistoryEntry{e}, entries...)
		if len(entries) > historyLimit {
			entries = entries[:historyLimit]
		}
		return store.Save, nil
	})
}

func (m *Manager) bumpTopService(ctx context.Context, serviceID, name string) error {
	counts := map[string]TopService{}
	return m.store.Update(ctx, store.Key(TableCache, topServicesKey), &counts, func(bool) (store.Mutation, error) {
		if counts == nil {
			counts = map[string]TopService{}
		}
		s := counts[serviceID]
		s.ServiceID = serviceID
		if name != "" {
			s.Name = name
		}
		s.Count++
		counts[serviceID] = s
		return store.Save, nil
	})
}

func historyKey(userID string) string {
	return store.Key(TableHistory, userID)
}
