// Package webhooks delivers lifecycle notifications to HTTP endpoints
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/cloud-shuttle/taskwatch/internal/events"
)

// NotificationEvents are the lifecycle events forwarded by default
var NotificationEvents = []events.EventType{
	events.EventPlanReady,
	events.EventPRReady,
	events.EventTaskDone,
	events.EventTaskBlocked,
	events.EventRunFailed,
}

// Webhook is a configured notification endpoint
type Webhook struct {
	ID      string             `json:"id"`
	URL     string             `json:"url"`
	Secret  string             `json:"secret,omitempty"`
	Events  []events.EventType `json:"events"` // empty means all
	Headers map[string]string  `json:"headers,omitempty"`
}

// Payload is the JSON body posted to endpoints
type Payload struct {
	Event      events.EventType `json:"event"`
	Timestamp  int64            `json:"timestamp"`
	WebhookID  string           `json:"webhookId"`
	DeliveryID string           `json:"deliveryId"`
	TaskID     string           `json:"taskId,omitempty"`
	RunID      string           `json:"runId,omitempty"`
	Data       map[string]any   `json:"data,omitempty"`
}

// DeliveryResult records one delivery attempt
type DeliveryResult struct {
	WebhookID  string
	DeliveryID string
	Event      events.EventType
	StatusCode int
	Success    bool
	Error      string
	DurationMS int64
	Timestamp  int64
}

type delivery struct {
	webhook *Webhook
	payload *Payload
}

// Manager fans bus events out to registered webhooks through a worker pool
type Manager struct {
	mu       sync.RWMutex
	webhooks map[string]*Webhook
	logger   *log.Logger
	client   *http.Client
	queue    chan *delivery
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}

	historyMu   sync.Mutex
	history     []*DeliveryResult
	historySize int
	historyPos  int
}

// NewManager creates a webhook manager
func NewManager(logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Manager{
		webhooks:    make(map[string]*Webhook),
		logger:      logger,
		client:      &http.Client{Timeout: 30 * time.Second},
		queue:       make(chan *delivery, 1000),
		stopCh:      make(chan struct{}),
		history:     make([]*DeliveryResult, 0, 100),
		historySize: 100,
	}
}

// FromConfig registers one webhook per URL, all sharing secret and
// subscribed to NotificationEvents
func FromConfig(logger *log.Logger, urls []string, secret string) (*Manager, error) {
	m := NewManager(logger)
	for i, u := range urls {
		if err := m.Register(&Webhook{
			ID:     "hook-" + strconv.Itoa(i+1),
			URL:    u,
			Secret: secret,
			Events: NotificationEvents,
		}); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// SetTimeout sets the HTTP client timeout
func (m *Manager) SetTimeout(timeout time.Duration) {
	m.client.Timeout = timeout
}

// Register adds a webhook
func (m *Manager) Register(webhook *Webhook) error {
	if webhook.ID == "" {
		return fmt.Errorf("webhook ID is required")
	}
	if webhook.URL == "" {
		return fmt.Errorf("webhook URL is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.webhooks[webhook.ID] = webhook
	m.logger.Debug("registered webhook", "id", webhook.ID, "url", webhook.URL)
	return nil
}

// Unregister removes a webhook
func (m *Manager) Unregister(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.webhooks[id]; !ok {
		return fmt.Errorf("webhook %s not found", id)
	}
	delete(m.webhooks, id)
	return nil
}

// Len returns the number of registered webhooks
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.webhooks)
}

// Start launches the delivery workers
func (m *Manager) Start(workers int) {
	for i := 0; i < workers; i++ {
		m.wg.Add(1)
		go m.worker()
	}
}

// Run subscribes to the bus and enqueues deliveries until ctx is done or
// the bus closes.
func (m *Manager) Run(ctx context.Context, bus *events.Bus) error {
	sub, err := bus.Subscribe("webhooks", events.Filter{})
	if err != nil {
		return fmt.Errorf("subscribe to events: %w", err)
	}
	defer sub.Close()

	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				return nil
			}
			m.Emit(ev)
		case <-ctx.Done():
			return nil
		}
	}
}

// Stop waits for in-flight deliveries to finish
func (m *Manager) Stop(ctx context.Context) error {
	m.stopOnce.Do(func() { close(m.stopCh) })

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Emit queues the event for every subscribed webhook. Deliveries are
// dropped when the queue is full.
func (m *Manager) Emit(ev *events.Event) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, webhook := range m.webhooks {
		if len(webhook.Events) > 0 && !slices.Contains(webhook.Events, ev.Type) {
			continue
		}

		payload := &Payload{
			Event:      ev.Type,
			Timestamp:  ev.Timestamp,
			WebhookID:  webhook.ID,
			DeliveryID: uuid.NewString(),
			TaskID:     ev.TaskID,
			RunID:      ev.RunID,
			Data:       ev.Data,
		}

		select {
		case m.queue <- &delivery{webhook: webhook, payload: payload}:
		default:
			m.logger.Warn("delivery queue full, dropping", "webhook", webhook.ID, "event", ev.Type)
		}
	}
}

// History returns up to limit recent delivery results, oldest first
func (m *Manager) History(limit int) []*DeliveryResult {
	m.historyMu.Lock()
	defer m.historyMu.Unlock()

	n := len(m.history)
	if limit <= 0 || limit > n {
		limit = n
	}
	if n == 0 {
		return nil
	}

	result := make([]*DeliveryResult, limit)
	start := (m.historyPos - limit + n) % n
	for i := 0; i < limit; i++ {
		result[i] = m.history[(start+i)%n]
	}
	return result
}

func (m *Manager) worker() {
	defer m.wg.Done()

	for {
		select {
		case d := <-m.queue:
			m.deliver(d)
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) deliver(d *delivery) {
	start := time.Now()
	result := &DeliveryResult{
		WebhookID:  d.webhook.ID,
		DeliveryID: d.payload.DeliveryID,
		Event:      d.payload.Event,
		Timestamp:  start.Unix(),
	}
	defer m.record(result)

	body, err := json.Marshal(d.payload)
	if err != nil {
		result.Error = fmt.Sprintf("marshal payload: %v", err)
		m.logger.Error("webhook payload", "err", err)
		return
	}

	req, err := http.NewRequest(http.MethodPost, d.webhook.URL, bytes.NewReader(body))
	if err != nil {
		result.Error = fmt.Sprintf("create request: %v", err)
		m.logger.Error("webhook request", "err", err)
		return
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "TaskWatch-Webhooks/1.0")
	req.Header.Set("X-Webhook-ID", d.webhook.ID)
	req.Header.Set("X-Webhook-Delivery-ID", d.payload.DeliveryID)
	req.Header.Set("X-Webhook-Timestamp", strconv.FormatInt(d.payload.Timestamp, 10))
	req.Header.Set("X-Webhook-Event", string(d.payload.Event))
	for k, v := range d.webhook.Headers {
		req.Header.Set(k, v)
	}
	if d.webhook.Secret != "" {
		req.Header.Set("X-Webhook-Signature", "sha256="+Sign(body, d.webhook.Secret))
	}

	resp, err := m.client.Do(req)
	if err != nil {
		result.Error = fmt.Sprintf("request failed: %v", err)
		m.logger.Warn("webhook delivery failed", "event", d.payload.Event, "url", d.webhook.URL, "err", err)
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	result.StatusCode = resp.StatusCode
	result.Success = resp.StatusCode >= 200 && resp.StatusCode < 300
	result.DurationMS = time.Since(start).Milliseconds()

	if !result.Success {
		result.Error = fmt.Sprintf("HTTP %d", resp.StatusCode)
		m.logger.Warn("webhook delivery rejected", "event", d.payload.Event, "url", d.webhook.URL, "status", resp.StatusCode)
		return
	}
	m.logger.Debug("webhook delivered", "event", d.payload.Event, "url", d.webhook.URL, "ms", result.DurationMS)
}

func (m *Manager) record(result *DeliveryResult) {
	m.historyMu.Lock()
	defer m.historyMu.Unlock()

	if len(m.history) < m.historySize {
		m.history = append(m.history, result)
		m.historyPos = len(m.history) % m.historySize
		return
	}
	m.history[m.historyPos] = result
	m.historyPos = (m.historyPos + 1) % m.historySize
}

// Sign returns the hex HMAC-SHA256 of payload
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// VerifySignature checks a "sha256=<hex>" or bare hex signature
func VerifySignature(payload []byte, signature, secret string) bool {
	if len(signature) > 7 && signature[:7] == "sha256=" {
		signature = signature[7:]
	}
	return hmac.Equal([]byte(signature), []byte(Sign(payload, secret)))
}
