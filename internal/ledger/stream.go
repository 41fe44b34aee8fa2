package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/perparb/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings to the peer at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// Streamer subscribes to account notifications over the node's WebSocket
// endpoint. Each Stream call owns one connection; reconnecting is the
// caller's job, since every reconnect must be followed by a full resync.
type Streamer struct {
	wsURL      string
	commitment string
	logger     *slog.Logger
}

// NewStreamer creates a Streamer for the given WebSocket URL.
func NewStreamer(wsURL, commitment string, logger *slog.Logger) *Streamer {
	if commitment == "" {
		commitment = "confirmed"
	}
	return &Streamer{
		wsURL:      wsURL,
		commitment: commitment,
		logger:     logger.With(slog.String("component", "ledger_stream")),
	}
}

type wsMessage struct {
	ID     *uint64         `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
	Method string          `json:"method"`
	Params *struct {
		Subscription uint64 `json:"subscription"`
		Result       struct {
			Context rpcContext  `json:"context"`
			Value   *rpcAccount `json:"value"`
		} `json:"result"`
	} `json:"params"`
}

// Stream subscribes to every account and calls onUpdate for each
// notification, with the notification slot as sequence number. It blocks
// until ctx is done, returning ctx.Err(), or until the connection drops,
// returning an error wrapping domain.ErrStreamDisconnect.
func (s *Streamer) Stream(ctx context.Context, accounts []domain.AccountID, onUpdate func(domain.AccountUpdate)) error {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.wsURL, nil)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("ledger: stream connect: %w: %v", domain.ErrStreamDisconnect, err)
	}

	var (
		writeMu sync.Mutex
		done    = make(chan struct{})
	)
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			writeMu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			writeMu.Unlock()
			conn.Close()
		case <-done:
			conn.Close()
		}
	}()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	pending := make(map[uint64]domain.AccountID, len(accounts))
	writeMu.Lock()
	for i, a := range accounts {
		id := uint64(i + 1)
		pending[id] = a
		req := rpcRequest{
			JSONRPC: "2.0",
			ID:      id,
			Method:  "accountSubscribe",
			Params:  []any{string(a), map[string]any{"encoding": "base64", "commitment": s.commitment}},
		}
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(req); err != nil {
			writeMu.Unlock()
			return fmt.Errorf("ledger: subscribe %s: %w: %v", a, domain.ErrStreamDisconnect, err)
		}
	}
	writeMu.Unlock()

	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				writeMu.Lock()
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
				writeMu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()

	s.logger.Info("stream connected", slog.Int("accounts", len(accounts)))
	subs := make(map[uint64]domain.AccountID, len(accounts))
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("ledger: stream read: %w: %v", domain.ErrStreamDisconnect, err)
		}

		var msg wsMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.logger.Debug("drop unparseable message", slog.String("error", err.Error()))
			continue
		}

		switch {
		case msg.ID != nil:
			account, ok := pending[*msg.ID]
			if !ok {
				continue
			}
			delete(pending, *msg.ID)
			if msg.Error != nil {
				return fmt.Errorf("ledger: subscribe %s: %w: %v", account, domain.ErrStreamDisconnect, msg.Error)
			}
			var subID uint64
			if err := json.Unmarshal(msg.Result, &subID); err != nil {
				return fmt.Errorf("ledger: subscribe %s: bad subscription id: %w", account, err)
			}
			subs[subID] = account

		case msg.Method == "accountNotification" && msg.Params != nil:
			account, ok := subs[msg.Params.Subscription]
			if !ok {
				continue
			}
			v := msg.Params.Result.Value
			if v == nil {
				s.logger.Warn("tracked account closed", slog.String("account", string(account)))
				continue
			}
			data, err := decodeData(v.Data)
			if err != nil {
				s.logger.Warn("bad notification data",
					slog.String("account", string(account)),
					slog.String("error", err.Error()),
				)
				continue
			}
			onUpdate(domain.AccountUpdate{
				Account:    account,
				Sequence:   msg.Params.Result.Context.Slot,
				Data:       data,
				ReceivedAt: time.Now(),
			})
		}
	}
}

var _ domain.AccountStreamer = (*Streamer)(nil)
