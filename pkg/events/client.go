package events

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"sync/atomic"
	"time"
)

// BackoffConfig parameterizes the reconnect delay: min(base*2^min(attempts,10), max).
type BackoffConfig struct {
	Base time.Duration
	Max  time.Duration
}

var DefaultBackoff = BackoffConfig{Base: 500 * time.Millisecond, Max: 30 * time.Second}

func (c BackoffConfig) delay(attempts int) time.Duration {
	n := attempts
	if n > 10 {
		n = 10
	}
	d := time.Duration(float64(c.Base) * math.Pow(2, float64(n)))
	if d > c.Max {
		d = c.Max
	}
	return d
}

// DispatchFunc receives a successfully-decoded Event from the stream.
type DispatchFunc func(Event)

// ReconnectingClient maintains a long-lived SSE connection to a Loom event
// stream, reconnecting with exponential backoff on disconnect. Safe for a
// single background goroutine to drive via Run.
type ReconnectingClient struct {
	url      string
	sdkKey   string
	http     *http.Client
	backoff  BackoffConfig
	logger   *slog.Logger
	dispatch DispatchFunc

	maxAttempts int // 0 means unlimited

	connected        atomic.Bool
	reconnectAttempt atomic.Int64
	eventsReceived   atomic.Int64
}

func NewReconnectingClient(url, sdkKey string, dispatch DispatchFunc, logger *slog.Logger) *ReconnectingClient {
	return &ReconnectingClient{
		url:      url,
		sdkKey:   sdkKey,
		http:     &http.Client{},
		backoff:  DefaultBackoff,
		logger:   logger,
		dispatch: dispatch,
	}
}

func (c *ReconnectingClient) WithMaxReconnectAttempts(n int) *ReconnectingClient {
	c.maxAttempts = n
	return c
}

func (c *ReconnectingClient) WithBackoff(b BackoffConfig) *ReconnectingClient {
	c.backoff = b
	return c
}

func (c *ReconnectingClient) Connected() bool       { return c.connected.Load() }
func (c *ReconnectingClient) EventsReceived() int64 { return c.eventsReceived.Load() }

// Run connects and reconnects until ctx is canceled or, when
// maxAttempts > 0, consecutive failures reach it.
func (c *ReconnectingClient) Run(ctx context.Context) error {
	attempts := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := c.connectOnce(ctx)
		c.connected.Store(false)

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil {
			// A clean stream close still counts as a disconnect needing
			// reconnect, but resets the failure streak.
			attempts = 0
			continue
		}

		attempts++
		c.reconnectAttempt.Store(int64(attempts))
		if c.maxAttempts > 0 && attempts >= c.maxAttempts {
			return fmt.Errorf("event stream: exceeded %d reconnect attempts: %w", c.maxAttempts, err)
		}

		delay := c.backoff.delay(attempts)
		c.logger.Warn("event stream disconnected, reconnecting", "error", err, "attempt", attempts, "delay", delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (c *ReconnectingClient) connectOnce(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.sdkKey)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("event stream: unexpected status %s", resp.Status)
	}

	c.connected.Store(true)
	c.logger.Info("event stream connected", "url", c.url)

	decoder := NewSSEDecoder(resp.Body)
	for {
		frame, err := decoder.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		var event Event
		if uerr := unmarshalFrame(frame, &event); uerr != nil {
			c.logger.Warn("dropping unparseable event stream frame", "error", uerr, "event", frame.Event)
			continue
		}
		c.eventsReceived.Add(1)
		c.dispatch(event)
	}
}

func unmarshalFrame(frame SSEFrame, event *Event) error {
	if frame.Data == "" {
		return fmt.Errorf("empty data for event %q", frame.Event)
	}
	return event.UnmarshalJSON([]byte(frame.Data))
}
