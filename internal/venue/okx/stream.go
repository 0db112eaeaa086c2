package okx

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"funding-arb/internal/venue"
	"funding-arb/pkg/types"
)

const (
	reconnectWait    = 5 * time.Second
	maxReconnectWait = 60 * time.Second
	pingEvery        = 20 * time.Second // venue drops idle connections after 30s
	readTimeout      = 40 * time.Second
)

// SubscribeStream runs the public WebSocket: funding-rate and mark-price
// channels for every USDT swap. The instrument list is fetched over REST on
// each (re)connect so newly listed contracts are picked up. Reconnects use
// jittered exponential backoff until ctx ends.
func (a *Adapter) SubscribeStream(ctx context.Context, handler venue.StreamHandler) error {
	wait := reconnectWait
	for {
		err := a.connectAndRead(ctx, handler)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		jittered := wait + time.Duration(rand.Int63n(int64(wait/5)+1))
		a.log.Warn().Err(err).Dur("backoff", jittered).Msg("stream disconnected, reconnecting")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jittered):
		}
		if wait *= 2; wait > maxReconnectWait {
			wait = maxReconnectWait
		}
	}
}

// instruments lists the tradable USDT swap instruments.
func (a *Adapter) instruments(ctx context.Context) ([]string, error) {
	var rows []struct {
		InstID string `json:"instId"`
		State  string `json:"state"`
	}
	if err := a.get(ctx, "/api/v5/public/instruments?instType=SWAP", &rows); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(rows))
	for _, row := range rows {
		if row.State == "live" && SymbolOf(row.InstID) != "" {
			out = append(out, row.InstID)
		}
	}
	return out, nil
}

type wsArg struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId"`
}

type wsFrame struct {
	Event string          `json:"event,omitempty"`
	Code  string          `json:"code,omitempty"`
	Msg   string          `json:"msg,omitempty"`
	Arg   wsArg           `json:"arg,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func (a *Adapter) connectAndRead(ctx context.Context, handler venue.StreamHandler) error {
	instIDs, err := a.instruments(ctx)
	if err != nil {
		return fmt.Errorf("instrument list: %w", err)
	}
	if len(instIDs) == 0 {
		return fmt.Errorf("no live USDT swaps to subscribe")
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, a.wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	args := make([]wsArg, 0, 2*len(instIDs))
	for _, instID := range instIDs {
		args = append(args,
			wsArg{Channel: "funding-rate", InstID: instID},
			wsArg{Channel: "mark-price", InstID: instID},
		)
	}
	if err := conn.WriteJSON(map[string]any{"op": "subscribe", "args": args}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	a.log.Info().Int("instruments", len(instIDs)).Msg("public stream connected")

	pingCtx, cancelPing := context.WithCancel(ctx)
	defer cancelPing()
	go pingLoop(pingCtx, conn)

	for {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if string(msg) == "pong" {
			continue
		}

		var frame wsFrame
		if err := json.Unmarshal(msg, &frame); err != nil {
			continue
		}
		if frame.Event == "error" {
			a.log.Warn().Str("code", frame.Code).Str("msg", frame.Msg).Msg("stream error frame")
			continue
		}
		if len(frame.Data) == 0 {
			continue
		}
		a.dispatch(frame, handler)
	}
}

func (a *Adapter) dispatch(frame wsFrame, handler venue.StreamHandler) {
	symbol := SymbolOf(frame.Arg.InstID)
	if symbol == "" {
		return
	}

	switch frame.Arg.Channel {
	case "funding-rate":
		var rows []fundingRow
		if err := json.Unmarshal(frame.Data, &rows); err != nil {
			a.log.Debug().Err(err).Msg("bad funding frame")
			return
		}
		for _, row := range rows {
			if obs, ok := row.observation(a.now().UTC()); ok {
				handler(types.StreamEvent{
					Kind:            types.StreamFunding,
					Venue:           Name,
					Symbol:          obs.Symbol,
					Rate:            obs.Rate,
					NextFundingTime: obs.NextFundingTime,
					At:              obs.ObservedAt,
				})
			}
		}
	case "mark-price":
		var rows []struct {
			MarkPx decimal.Decimal `json:"markPx"`
			TS     msTime          `json:"ts"`
		}
		if err := json.Unmarshal(frame.Data, &rows); err != nil {
			a.log.Debug().Err(err).Msg("bad mark price frame")
			return
		}
		for _, row := range rows {
			at := row.TS.Time()
			if at.IsZero() {
				at = a.now().UTC()
			}
			handler(types.StreamEvent{
				Kind:      types.StreamTicker,
				Venue:     Name,
				Symbol:    symbol,
				MarkPrice: row.MarkPx,
				At:        at,
			})
		}
	}
}

func pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
				return
			}
		}
	}
}
