package supabase

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	heartbeatInterval = 30 * time.Second
	realtimeTopic     = "realtime:reportsync"
)

// phoenixMsg is the wire frame of the realtime protocol (Phoenix channels).
type phoenixMsg struct {
	Topic   string         `json:"topic"`
	Event   string         `json:"event"`
	Payload map[string]any `json:"payload"`
	Ref     string         `json:"ref"`
}

// Realtime subscribes to postgres change notifications over the realtime
// websocket. It is the change-push counterpart of the polling loop: the
// daemon registers a callback that triggers a pull when any watched table
// changes.
type Realtime struct {
	baseURL string
	apiKey  string
	log     *slog.Logger

	conn *websocket.Conn
	ref  atomic.Int64
}

// NewRealtime creates a Realtime listener for the project at baseURL.
func NewRealtime(baseURL, apiKey string, logger *slog.Logger) *Realtime {
	return &Realtime{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		log:     logger,
	}
}

// Connect dials the realtime websocket.
func (r *Realtime) Connect(ctx context.Context) error {
	wsURL := strings.Replace(r.baseURL, "http", "ws", 1) +
		"/realtime/v1/websocket?apikey=" + r.apiKey + "&vsn=1.0.0"

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dialling realtime websocket: %w", err)
	}
	conn.SetReadLimit(1 << 20)
	r.conn = conn
	return nil
}

// Close tears down the websocket connection.
func (r *Realtime) Close() error {
	if r.conn == nil {
		return nil
	}
	return r.conn.Close(websocket.StatusNormalClosure, "shutting down")
}

// SubscribeChanges joins a channel watching the given tables and invokes
// callback with the table name for every change event. It blocks until ctx is
// cancelled or the connection fails.
func (r *Realtime) SubscribeChanges(ctx context.Context, tables []string, callback func(table string)) error {
	if r.conn == nil {
		return fmt.Errorf("realtime: not connected")
	}

	changes := make([]map[string]any, 0, len(tables))
	for _, t := range tables {
		changes = append(changes, map[string]any{
			"event":  "*",
			"schema": "public",
			"table":  t,
		})
	}
	join := phoenixMsg{
		Topic: realtimeTopic,
		Event: "phx_join",
		Payload: map[string]any{
			"config": map[string]any{"postgres_changes": changes},
		},
		Ref: r.nextRef(),
	}
	if err := wsjson.Write(ctx, r.conn, join); err != nil {
		return fmt.Errorf("joining realtime channel: %w", err)
	}

	// Heartbeats keep the channel alive; the server drops silent clients.
	go r.heartbeat(ctx)

	for {
		var msg phoenixMsg
		if err := wsjson.Read(ctx, r.conn, &msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("reading realtime message: %w", err)
		}

		switch msg.Event {
		case "postgres_changes":
			table := changedTable(msg.Payload)
			if table == "" {
				continue
			}
			r.log.Debug("realtime change received", "table", table)
			callback(table)
		case "phx_reply", "presence_state", "system":
			// Channel bookkeeping, nothing to do.
		}
	}
}

// heartbeat sends the Phoenix keepalive frame until ctx is cancelled.
func (r *Realtime) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hb := phoenixMsg{
				Topic:   "phoenix",
				Event:   "heartbeat",
				Payload: map[string]any{},
				Ref:     r.nextRef(),
			}
			if err := wsjson.Write(ctx, r.conn, hb); err != nil {
				r.log.Error("realtime heartbeat failed", "error", err)
				return
			}
		}
	}
}

func (r *Realtime) nextRef() string {
	return strconv.FormatInt(r.ref.Add(1), 10)
}

// changedTable digs the table name out of a postgres_changes payload.
func changedTable(payload map[string]any) string {
	data, ok := payload["data"].(map[string]any)
	if !ok {
		return ""
	}
	table, _ := data["table"].(string)
	return table
}
