package webhook

import (
	"fmt"
	"sync"
)

// Store manages webhook subscriptions.
type Store struct {
	mu            sync.RWMutex
	subscriptions map[string]*Subscription
}

// NewStore creates a new webhook Store.
func NewStore() *Store {
	return &Store{
		subscriptions: make(map[string]*Subscription),
	}
}

// CreateSubscription creates or idempotently returns a subscription.
// Returns the subscription, whether it was newly created, and any error.
func (s *Store) CreateSubscription(subscriptionID, pattern, webhook string, description string) (*Subscription, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.subscriptions[subscriptionID]; ok {
		if existing.Pattern == pattern && existing.Webhook == webhook {
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("subscription already exists with different configuration")
	}

	sub := &Subscription{
		SubscriptionID: subscriptionID,
		Pattern:        pattern,
		Webhook:        webhook,
		WebhookSecret:  GenerateWebhookSecret(),
		Description:    description,
	}

	s.subscriptions[subscriptionID] = sub
	return sub, true, nil
}

// GetSubscription returns a subscription by ID, or nil if not found.
func (s *Store) GetSubscription(subscriptionID string) *Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.subscriptions[subscriptionID]
}

// ListSubscriptions returns all subscriptions, optionally filtered by pattern.
func (s *Store) ListSubscriptions(pattern string) []*Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Subscription
	for _, sub := range s.subscriptions {
		if pattern == "" || pattern == "/**" || sub.Pattern == pattern {
			result = append(result, sub)
		}
	}
	return result
}

// DeleteSubscription removes a subscription.
func (s *Store) DeleteSubscription(subscriptionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subscriptions[subscriptionID]; !ok {
		return false
	}
	delete(s.subscriptions, subscriptionID)
	return true
}

// FindMatchingSubscriptions returns subscriptions whose pattern matches a stream path.
func (s *Store) FindMatchingSubscriptions(streamPath string) []*Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Subscription
	for _, sub := range s.subscriptions {
		if GlobMatch(sub.Pattern, streamPath) {
			result = append(result, sub)
		}
	}
	return result
}

// AdvanceCursor records the offset of the last successfully delivered event.
func (s *Store) AdvanceCursor(subscriptionID, offset string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub, ok := s.subscriptions[subscriptionID]; ok {
		sub.Cursor = offset
	}
}
