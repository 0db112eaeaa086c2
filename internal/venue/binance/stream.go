package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"funding-arb/internal/venue"
	"funding-arb/pkg/types"
)

const (
	reconnectWait    = 5 * time.Second
	maxReconnectWait = 60 * time.Second
	readTimeout      = 90 * time.Second
	keepAliveEvery   = 30 * time.Minute // listenKey refresh cadence
)

// SubscribeStream runs the combined market stream (mark price + 24h ticker
// for all symbols) and, when credentials are configured, the user-data
// stream for position pushes. Both reconnect with jittered exponential
// backoff until ctx ends.
func (a *Adapter) SubscribeStream(ctx context.Context, handler venue.StreamHandler) error {
	var wg sync.WaitGroup
	if a.key != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.runWithBackoff(ctx, "user", func(ctx context.Context) error {
				return a.readUserStream(ctx, handler)
			})
		}()
	}

	a.runWithBackoff(ctx, "market", func(ctx context.Context) error {
		return a.readMarketStream(ctx, handler)
	})
	wg.Wait()
	return ctx.Err()
}

// runWithBackoff re-invokes connect until ctx ends, with 5s → 60s backoff
// plus up to 20% jitter so both adapters never reconnect in lockstep.
func (a *Adapter) runWithBackoff(ctx context.Context, stream string, connect func(context.Context) error) {
	wait := reconnectWait
	for {
		err := connect(ctx)
		if ctx.Err() != nil {
			return
		}
		jittered := wait + time.Duration(rand.Int63n(int64(wait/5)+1))
		a.log.Warn().Str("stream", stream).Err(err).Dur("backoff", jittered).Msg("stream disconnected, reconnecting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(jittered):
		}
		if wait *= 2; wait > maxReconnectWait {
			wait = maxReconnectWait
		}
	}
}

// ————————————————————————————————————————————————————————————————————————
// Market stream
// ————————————————————————————————————————————————————————————————————————

type markPriceUpdate struct {
	Symbol          string          `json:"s"`
	MarkPrice       decimal.Decimal `json:"p"`
	FundingRate     decimal.Decimal `json:"r"`
	NextFundingTime int64           `json:"T"`
	EventTime       int64           `json:"E"`
}

type tickerUpdate struct {
	Symbol    string          `json:"s"`
	LastPrice decimal.Decimal `json:"c"`
	Volume    decimal.Decimal `json:"v"`
	EventTime int64           `json:"E"`
}

func (a *Adapter) readMarketStream(ctx context.Context, handler venue.StreamHandler) error {
	url := a.wsURL + "/stream?streams=!markPrice@arr/!ticker@arr"
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()
	go closeOnCancel(ctx, conn)

	a.log.Info().Msg("market stream connected")

	for {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		var envelope struct {
			Stream string          `json:"stream"`
			Data   json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(msg, &envelope); err != nil {
			continue
		}

		switch envelope.Stream {
		case "!markPrice@arr":
			var rows []markPriceUpdate
			if err := json.Unmarshal(envelope.Data, &rows); err != nil {
				a.log.Debug().Err(err).Msg("bad mark price frame")
				continue
			}
			for _, row := range rows {
				handler(types.StreamEvent{
					Kind:            types.StreamFunding,
					Venue:           Name,
					Symbol:          row.Symbol,
					Rate:            row.FundingRate,
					NextFundingTime: time.UnixMilli(row.NextFundingTime).UTC(),
					MarkPrice:       row.MarkPrice,
					At:              time.UnixMilli(row.EventTime).UTC(),
				})
			}
		case "!ticker@arr":
			var rows []tickerUpdate
			if err := json.Unmarshal(envelope.Data, &rows); err != nil {
				a.log.Debug().Err(err).Msg("bad ticker frame")
				continue
			}
			for _, row := range rows {
				handler(types.StreamEvent{
					Kind:      types.StreamTicker,
					Venue:     Name,
					Symbol:    row.Symbol,
					MarkPrice: row.LastPrice,
					Volume:    row.Volume,
					At:        time.UnixMilli(row.EventTime).UTC(),
				})
			}
		}
	}
}

// ————————————————————————————————————————————————————————————————————————
// User-data stream
// ————————————————————————————————————————————————————————————————————————

type accountUpdate struct {
	EventTime int64 `json:"E"`
	Account   struct {
		Positions []struct {
			Symbol        string          `json:"s"`
			PositionAmt   decimal.Decimal `json:"pa"`
			EntryPrice    decimal.Decimal `json:"ep"`
			UnrealizedPnl decimal.Decimal `json:"up"`
		} `json:"P"`
	} `json:"a"`
}

// readUserStream obtains a listenKey, keeps it alive, and forwards position
// pushes. Position events are informational; the risk loop re-reads venue
// positions on its own cadence.
func (a *Adapter) readUserStream(ctx context.Context, handler venue.StreamHandler) error {
	listenKey, err := a.startUserStream(ctx)
	if err != nil {
		return err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, a.wsURL+"/ws/"+listenKey, nil)
	if err != nil {
		return fmt.Errorf("dial user stream: %w", err)
	}
	defer conn.Close()
	go closeOnCancel(ctx, conn)
	go a.keepAliveLoop(ctx)

	a.log.Info().Msg("user stream connected")

	for {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read user stream: %w", err)
		}

		var envelope struct {
			EventType string `json:"e"`
		}
		if err := json.Unmarshal(msg, &envelope); err != nil || envelope.EventType != "ACCOUNT_UPDATE" {
			continue
		}
		var update accountUpdate
		if err := json.Unmarshal(msg, &update); err != nil {
			continue
		}
		for _, p := range update.Account.Positions {
			side := types.BUY
			if p.PositionAmt.IsNegative() {
				side = types.SELL
			}
			handler(types.StreamEvent{
				Kind:   types.StreamPosition,
				Venue:  Name,
				Symbol: p.Symbol,
				Position: &types.Position{
					Symbol:        p.Symbol,
					Side:          side,
					Size:          p.PositionAmt.Abs(),
					EntryPrice:    p.EntryPrice,
					UnrealizedPnl: p.UnrealizedPnl,
				},
				At: time.UnixMilli(update.EventTime).UTC(),
			})
		}
	}
}

func (a *Adapter) startUserStream(ctx context.Context) (string, error) {
	var body struct {
		ListenKey string `json:"listenKey"`
	}
	resp, err := a.read.R().
		SetContext(ctx).
		SetResult(&body).
		Post("/fapi/v1/listenKey")
	if err := a.apiErr("listen key", resp, err); err != nil {
		return "", err
	}
	return body.ListenKey, nil
}

func (a *Adapter) keepAliveLoop(ctx context.Context) {
	ticker := time.NewTicker(keepAliveEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			resp, err := a.read.R().SetContext(ctx).Put("/fapi/v1/listenKey")
			if err := a.apiErr("listen key keepalive", resp, err); err != nil {
				a.log.Warn().Err(err).Msg("listen key keepalive failed")
			}
		}
	}
}

// closeOnCancel unblocks the read loop when ctx ends.
func closeOnCancel(ctx context.Context, conn *websocket.Conn) {
	<-ctx.Done()
	conn.Close()
}
