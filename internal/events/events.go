// Package events delivers escrow and dispute lifecycle notifications to
// external services over signed webhooks.
//
// Parties can register webhook URLs to receive notifications about:
// - Escrow state changes (held, released, refunded, cancelled)
// - Dispute lifecycle (opened, mediator assigned, proposals, resolution)
// - Settlement progress (pending settlements awaiting the sweep)
package events

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/mversen/custodia/internal/security"
)

// ErrSubscriptionNotFound is returned when no subscription has the given ID.
var ErrSubscriptionNotFound = errors.New("subscription not found")

// EventType represents the type of webhook event
type EventType string

const (
	EventEscrowHeld              EventType = "escrow.held"
	EventEscrowReleased          EventType = "escrow.released"
	EventEscrowRefunded          EventType = "escrow.refunded"
	EventEscrowPartiallyRefunded EventType = "escrow.partially_refunded"
	EventEscrowCancelled         EventType = "escrow.cancelled"
	EventEscrowSettlementPending EventType = "escrow.settlement_pending"

	EventDisputeOpened           EventType = "dispute.opened"
	EventDisputeMediatorAssigned EventType = "dispute.mediator_assigned"
	EventDisputeProposalCreated  EventType = "dispute.proposal_created"
	EventDisputeProposalRejected EventType = "dispute.proposal_rejected"
	EventDisputeResolved         EventType = "dispute.resolved"
	EventDisputeAbandoned        EventType = "dispute.abandoned"
	EventDisputeEscalated        EventType = "dispute.escalated_legal"
)

// KnownEventTypes lists every event type a subscription may register for.
var KnownEventTypes = []EventType{
	EventEscrowHeld, EventEscrowReleased, EventEscrowRefunded,
	EventEscrowPartiallyRefunded, EventEscrowCancelled, EventEscrowSettlementPending,
	EventDisputeOpened, EventDisputeMediatorAssigned, EventDisputeProposalCreated,
	EventDisputeProposalRejected, EventDisputeResolved, EventDisputeAbandoned,
	EventDisputeEscalated,
}

// IsKnownEventType reports whether t names a deliverable event.
func IsKnownEventType(t EventType) bool {
	for _, k := range KnownEventTypes {
		if k == t {
			return true
		}
	}
	return false
}

// Event represents a webhook event
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscription represents a webhook subscription
type Subscription struct {
	ID                  string      `json:"id"`
	PartyID             string      `json:"partyId"`
	URL                 string      `json:"url"`
	Secret              string      `json:"-"` // Used for HMAC signing
	Events              []EventType `json:"events"`
	Active              bool        `json:"active"`
	CreatedAt           time.Time   `json:"createdAt"`
	LastSuccess         *time.Time  `json:"lastSuccess,omitempty"`
	LastError           string      `json:"lastError,omitempty"`
	ConsecutiveFailures int         `json:"-"`
}

// Store persists webhook subscriptions
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	GetByParty(ctx context.Context, partyID string) ([]*Subscription, error)
	GetByEvent(ctx context.Context, eventType EventType) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// RetryConfig controls delivery retries and auto-deactivation.
type RetryConfig struct {
	MaxAttempts int           // delivery attempts per event
	BaseDelay   time.Duration // first retry delay, doubled per attempt
	MaxDelay    time.Duration // backoff ceiling
	MaxFailures int           // consecutive failures before the subscription is deactivated
}

func defaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		MaxFailures: 20,
	}
}

// Dispatcher sends webhook events
type Dispatcher struct {
	store  Store
	client *http.Client
	retry  RetryConfig

	// urlValidator guards against SSRF; replaced in tests to allow loopback.
	urlValidator func(string) error
}

// NewDispatcher creates a new webhook dispatcher with default retry settings
func NewDispatcher(store Store) *Dispatcher {
	return NewDispatcherWithRetry(store, defaultRetryConfig())
}

// NewDispatcherWithRetry creates a dispatcher with explicit retry settings
func NewDispatcherWithRetry(store Store, retry RetryConfig) *Dispatcher {
	if retry.MaxAttempts < 1 {
		retry.MaxAttempts = 1
	}
	return &Dispatcher{
		store: store,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		retry:        retry,
		urlValidator: security.ValidateEndpointURL,
	}
}

// ValidateURL checks a subscription URL against the dispatcher's SSRF policy.
func (d *Dispatcher) ValidateURL(rawURL string) error {
	return d.urlValidator(rawURL)
}

// Dispatch sends an event to all relevant subscribers
func (d *Dispatcher) Dispatch(ctx context.Context, event *Event) error {
	subs, err := d.store.GetByEvent(ctx, event.Type)
	if err != nil {
		return fmt.Errorf("failed to get subscribers: %w", err)
	}

	for _, sub := range subs {
		if !sub.Active {
			continue
		}

		// Send async to avoid blocking
		go d.send(sub, event)
	}

	return nil
}

// DispatchToParty sends an event to a specific party's webhooks
func (d *Dispatcher) DispatchToParty(ctx context.Context, partyID string, event *Event) error {
	subs, err := d.store.GetByParty(ctx, partyID)
	if err != nil {
		return fmt.Errorf("failed to get subscriptions: %w", err)
	}

	for _, sub := range subs {
		if !sub.Active {
			continue
		}

		// Check if subscribed to this event type
		for _, et := range sub.Events {
			if et == event.Type {
				go d.send(sub, event)
				break
			}
		}
	}

	return nil
}

func (d *Dispatcher) send(sub *Subscription, event *Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	if err := d.urlValidator(sub.URL); err != nil {
		d.updateError(ctx, sub, fmt.Sprintf("blocked URL: %v", err))
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		d.updateError(ctx, sub, "failed to marshal event")
		return
	}

	var lastErr string
	delay := d.retry.BaseDelay
	for attempt := 0; attempt < d.retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				d.updateError(ctx, sub, lastErr)
				return
			case <-time.After(delay):
			}
			delay *= 2
			if d.retry.MaxDelay > 0 && delay > d.retry.MaxDelay {
				delay = d.retry.MaxDelay
			}
		}

		ok, errMsg := d.deliver(ctx, sub, event, payload)
		if ok {
			d.updateSuccess(ctx, sub)
			return
		}
		lastErr = errMsg
	}

	d.updateError(ctx, sub, lastErr)
}

func (d *Dispatcher) deliver(ctx context.Context, sub *Subscription, event *Event, payload []byte) (bool, string) {
	req, err := http.NewRequestWithContext(ctx, "POST", sub.URL, bytes.NewReader(payload))
	if err != nil {
		return false, "failed to create request"
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Custodia-Event", string(event.Type))
	req.Header.Set("X-Custodia-Timestamp", fmt.Sprintf("%d", event.Timestamp.Unix()))

	// Sign the payload if secret is set
	if sub.Secret != "" {
		signature := d.sign(payload, sub.Secret)
		req.Header.Set("X-Custodia-Signature", signature)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return false, fmt.Sprintf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return true, ""
	}
	return false, fmt.Sprintf("status %d", resp.StatusCode)
}

func (d *Dispatcher) sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func (d *Dispatcher) updateSuccess(ctx context.Context, sub *Subscription) {
	now := time.Now()
	sub.LastSuccess = &now
	sub.LastError = ""
	sub.ConsecutiveFailures = 0
	d.store.Update(ctx, sub)
}

func (d *Dispatcher) updateError(ctx context.Context, sub *Subscription, errMsg string) {
	sub.LastError = errMsg
	sub.ConsecutiveFailures++
	if d.retry.MaxFailures > 0 && sub.ConsecutiveFailures >= d.retry.MaxFailures {
		sub.Active = false
	}
	d.store.Update(ctx, sub)
}

// MemoryStore is an in-memory implementation for testing
type MemoryStore struct {
	subs map[string]*Subscription
	mu   sync.RWMutex
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs: make(map[string]*Subscription),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Create(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = sub
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sub, ok := m.subs[id]; ok {
		return sub, nil
	}
	return nil, ErrSubscriptionNotFound
}

func (m *MemoryStore) GetByParty(ctx context.Context, partyID string) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Subscription
	for _, sub := range m.subs {
		if sub.PartyID == partyID {
			result = append(result, sub)
		}
	}
	return result, nil
}

func (m *MemoryStore) GetByEvent(ctx context.Context, eventType EventType) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Subscription
	for _, sub := range m.subs {
		for _, et := range sub.Events {
			if et == eventType {
				result = append(result, sub)
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) Update(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = sub
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, id)
	return nil
}
