package honeypot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultWebhookQueueSize    = 256
	defaultWebhookTimeout      = 5 * time.Second
	defaultWebhookDrainTimeout = 5 * time.Second
)

var (
	_ AlertSink = SinkFunc(nil)
	_ AlertSink = MultiSink(nil)
	_ AlertSink = (*WebhookSink)(nil)
)

type SinkFunc func(ConnectionEvent)

func (f SinkFunc) Alert(ev ConnectionEvent) {
	f(ev)
}

// MultiSink forwards every event to each of its sinks in order.
type MultiSink []AlertSink

func (m MultiSink) Alert(ev ConnectionEvent) {
	for _, s := range m {
		s.Alert(ev)
	}
}

type WebhookConfig struct {
	URL       string
	QueueSize int
	Timeout   time.Duration
	// DrainTimeout bounds how long Close keeps delivering queued events.
	DrainTimeout time.Duration
	// ErrFunc is called from the delivery goroutine for every failed POST.
	ErrFunc func(ev ConnectionEvent, err error)
}

// WebhookSink POSTs events as JSON to a single endpoint. Alert never blocks:
// when the queue is full the event is dropped and counted.
type WebhookSink struct {
	url     string
	client  *http.Client
	queue   chan ConnectionEvent
	errFunc func(ConnectionEvent, error)
	drain   time.Duration
	dropped atomic.Int64

	mu     sync.RWMutex
	closed bool
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewWebhookSink(config WebhookConfig) *WebhookSink {
	if config.QueueSize <= 0 {
		config.QueueSize = defaultWebhookQueueSize
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultWebhookTimeout
	}
	if config.DrainTimeout <= 0 {
		config.DrainTimeout = defaultWebhookDrainTimeout
	}
	if config.ErrFunc == nil {
		config.ErrFunc = func(ConnectionEvent, error) {}
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &WebhookSink{
		url:     config.URL,
		client:  &http.Client{Timeout: config.Timeout},
		queue:   make(chan ConnectionEvent, config.QueueSize),
		errFunc: config.ErrFunc,
		drain:   config.DrainTimeout,
		ctx:     ctx,
		cancel:  cancel,
	}
	s.wg.Add(1)
	go s.worker()
	return s
}

func (s *WebhookSink) Alert(ev ConnectionEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.dropped.Add(1)
		return
	}
	select {
	case s.queue <- ev:
	default:
		s.dropped.Add(1)
	}
}

// Dropped returns the number of events discarded, either because the queue
// was full or because Close gave up on them.
func (s *WebhookSink) Dropped() int64 {
	return s.dropped.Load()
}

// Close delivers the events already queued and stops the worker. Once the
// drain timeout passes, the request in flight is aborted and the rest of
// the queue is dropped.
func (s *WebhookSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	timer := time.AfterFunc(s.drain, s.cancel)
	defer timer.Stop()
	s.wg.Wait()
	s.cancel()
	return nil
}

func (s *WebhookSink) worker() {
	defer s.wg.Done()
	for ev := range s.queue {
		if s.ctx.Err() != nil {
			s.dropped.Add(1)
			continue
		}
		if err := s.deliver(ev); err != nil {
			s.errFunc(ev, err)
		}
	}
}

type webhookPayload struct {
	Type string `json:"type"`
	ConnectionEvent
}

func (s *WebhookSink) deliver(ev ConnectionEvent) error {
	body, err := json.Marshal(webhookPayload{Type: "honeypot.alert", ConnectionEvent: ev})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	req, err := http.NewRequestWithContext(s.ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
