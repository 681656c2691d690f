// Package gateway maintains the streaming connection to the agent gateway
// and feeds reassembled tool calls into the analyzer. This path is advisory:
// it flags high-risk calls as they start but never blocks agent execution.
package gateway

import (
	"context"
	"encoding/json"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/guardclaw/guardclaw/internal/analyzer"
	"github.com/guardclaw/guardclaw/internal/events"
	"github.com/guardclaw/guardclaw/internal/history"
	"github.com/guardclaw/guardclaw/internal/safeguard"
)

const (
	baseReconnectDelay = 1 * time.Second
	maxReconnectDelay  = time.Minute
	reconnectJitter    = 0.1

	wsHandshakeWait  = 10 * time.Second
	wsPongWait       = 70 * time.Second
	wsPingInterval   = 25 * time.Second
	wsMaxMessageSize = 1 << 20

	// staleCallTimeout drops reassembly state for calls whose result never
	// arrived (agent crash, dropped frames).
	staleCallTimeout = 10 * time.Minute
)

// wireEvent is one decoded gateway frame. Tool calls stream in three phases
// keyed by ToolCallID: start carries the tool and initial params, updates
// merge further params, result carries the output.
type wireEvent struct {
	Type       string         `json:"type"`
	Phase      string         `json:"phase"`
	ToolCallID string         `json:"toolCallId"`
	SessionKey string         `json:"sessionKey"`
	Tool       string         `json:"tool"`
	Params     map[string]any `json:"params"`
	Result     any            `json:"result"`
}

type pendingCall struct {
	sessionKey string
	tool       string
	params     map[string]any
	startedAt  time.Time
}

// Client is the reconnecting gateway consumer.
type Client struct {
	url      string
	analyzer *analyzer.Analyzer
	tracker  *history.Tracker
	events   *events.Store

	mu      sync.Mutex
	calls   map[string]*pendingCall
	dialer  *websocket.Dialer
	running bool
}

// NewClient creates a gateway client. url is the gateway WebSocket endpoint.
func NewClient(url string, a *analyzer.Analyzer, tracker *history.Tracker, ev *events.Store) *Client {
	return &Client{
		url:      url,
		analyzer: a,
		tracker:  tracker,
		events:   ev,
		calls:    make(map[string]*pendingCall),
		dialer: &websocket.Dialer{
			HandshakeTimeout: wsHandshakeWait,
		},
	}
}

// Run blocks, reconnecting with exponential backoff until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	consecutiveFailures := 0

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := c.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil {
			consecutiveFailures = 0
			continue
		}

		consecutiveFailures++
		delay := backoffDelay(consecutiveFailures)
		if consecutiveFailures >= 3 {
			log.Warn().Err(err).Int("failures", consecutiveFailures).Dur("retry_in", delay).
				Msg("Gateway connection failed repeatedly")
		} else {
			log.Debug().Err(err).Dur("retry_in", delay).
				Msg("Gateway connection interrupted, reconnecting")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (c *Client) connectAndRead(ctx context.Context) error {
	conn, resp, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return err
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	defer conn.Close()
	log.Info().Str("url", c.url).Msg("Connected to agent gateway")

	// In-flight analyses die with the connection.
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	conn.SetReadLimit(wsMaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-connCtx.Done():
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}

		var ev wireEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			log.Debug().Err(err).Msg("Skipping undecodable gateway frame")
			continue
		}
		c.handle(connCtx, ev)
	}
}

func (c *Client) handle(ctx context.Context, ev wireEvent) {
	if ev.Type != "tool_call" || ev.ToolCallID == "" {
		return
	}

	switch ev.Phase {
	case "start":
		c.mu.Lock()
		c.calls[ev.ToolCallID] = &pendingCall{
			sessionKey: ev.SessionKey,
			tool:       ev.Tool,
			params:     cloneParams(ev.Params),
			startedAt:  time.Now(),
		}
		c.mu.Unlock()
		go c.analyzeStart(ctx, ev.ToolCallID)

	case "update":
		c.mu.Lock()
		if call, ok := c.calls[ev.ToolCallID]; ok {
			for k, v := range ev.Params {
				call.params[k] = v
			}
		}
		c.mu.Unlock()

	case "result":
		c.mu.Lock()
		call, ok := c.calls[ev.ToolCallID]
		delete(c.calls, ev.ToolCallID)
		c.mu.Unlock()
		if !ok {
			return
		}
		c.tracker.Record(call.sessionKey, call.tool, call.params, ev.Result)
	}
}

// analyzeStart flags a starting tool call. The hot cache is checked first so
// a call the hook path already judged costs nothing here.
func (c *Client) analyzeStart(ctx context.Context, toolCallID string) {
	// The params snapshot must be taken under the lock: update frames mutate
	// the same map while the analysis is in flight.
	c.mu.Lock()
	call, ok := c.calls[toolCallID]
	var action safeguard.Action
	if ok {
		action = safeguard.NewAction(call.tool, cloneParams(call.params), call.sessionKey)
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	verdict, hit := c.analyzer.HotGet(action)
	if !hit {
		// Nothing is gated on this path, so the memory auto-approve shortcut
		// is off and the event log gets the real verdict.
		verdict = c.analyzer.Classify(ctx, action, nil, false)
		c.analyzer.HotPut(action, verdict)
	}
	if ctx.Err() != nil {
		return
	}

	c.events.RecordVerdict(action, verdict, events.SubTypeStream)
	if verdict.Tier == safeguard.TierBlock {
		log.Warn().
			Str("summary", action.Summary).
			Int("score", verdict.Score).
			Str("reason", verdict.Reason).
			Msg("High-risk tool call started (advisory, not blocked)")
	}
}

// SweepStale drops reassembly state for calls that never completed. Called
// by the background cleanup timer.
func (c *Client) SweepStale() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := time.Now().Add(-staleCallTimeout)
	dropped := 0
	for id, call := range c.calls {
		if call.startedAt.Before(cutoff) {
			delete(c.calls, id)
			dropped++
		}
	}
	return dropped
}

// Pending returns the number of tool calls awaiting their result phase.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func backoffDelay(failures int) time.Duration {
	delay := baseReconnectDelay * time.Duration(math.Pow(2, float64(failures-1)))
	if delay > maxReconnectDelay {
		delay = maxReconnectDelay
	}
	jitter := time.Duration(float64(delay) * reconnectJitter * (rand.Float64()*2 - 1))
	return delay + jitter
}

func cloneParams(params map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}
