package risk

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"funding-arb/pkg/types"
)

// dailyResetWindow is how long after local midnight the daily PnL reset may
// fire. Outside the window a missed reset waits for the next day, matching
// the once-per-day latch semantics.
const dailyResetWindow = 10 * time.Minute

// maybeResetDaily resets the daily PnL counter exactly once when the wall
// clock enters the first minutes of a new local day. The lastResetDay latch
// prevents a double reset within the window.
func (e *Engine) maybeResetDaily() {
	now := e.now()
	today := now.Format("2006-01-02")
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	e.mu.Lock()
	if e.lastResetDay == today || now.Sub(midnight) >= dailyResetWindow {
		e.mu.Unlock()
		return
	}
	closedDay := e.pnl.Daily
	e.pnl.Daily = decimal.Zero
	e.lastResetDay = today
	e.lossTripped = false
	e.mu.Unlock()

	e.metrics.SetDailyPnl(0)
	e.log.Info().Str("pnl", closedDay.String()).Msg("daily pnl closed")
	e.bus.Publish(types.EventDailyPnl, types.DailyPnlEvent{Value: closedDay})
}

// checkProtection runs the account-level stop conditions against the current
// equity. Order matters: drawdown is the hardest stop and wins.
func (e *Engine) checkProtection(ctx context.Context, totalValue decimal.Decimal) {
	if !totalValue.IsPositive() {
		return
	}

	e.mu.Lock()
	if totalValue.GreaterThan(e.peakEquity) {
		e.peakEquity = totalValue
	}
	peak := e.peakEquity
	daily := e.pnl.Daily
	lossTripped := e.lossTripped
	e.mu.Unlock()

	if e.p.MaxDrawdown.IsPositive() && peak.IsPositive() {
		floor := peak.Mul(decimal.NewFromInt(1).Sub(e.p.MaxDrawdown))
		if totalValue.LessThan(floor) {
			e.log.Error().
				Str("equity", totalValue.String()).
				Str("peak", peak.String()).
				Msg("max drawdown breached")
			if e.onDrawdown != nil {
				e.onDrawdown(ctx)
			} else {
				e.EmergencyShutdown(ctx, "max drawdown breached")
			}
			return
		}
	}

	if e.p.MaxDailyLoss.IsPositive() && !lossTripped {
		limit := e.p.MaxDailyLoss.Mul(totalValue).Neg()
		if daily.LessThan(limit) {
			e.mu.Lock()
			e.lossTripped = true
			e.mu.Unlock()
			e.controls.SetAutoHedge(false)
			e.alert(fmt.Sprintf("daily loss %s beyond limit %s, hedging disabled", daily, limit))
		}
	}

	if e.p.MinBalance.IsPositive() && totalValue.LessThan(e.p.MinBalance) {
		e.controls.SetAutoHedge(false)
		e.alert(fmt.Sprintf("portfolio value %s below balance floor %s, opens disabled", totalValue, e.p.MinBalance))
	}
}

func (e *Engine) alert(msg string) {
	e.log.Error().Msg(msg)
	e.metrics.CountAlert(string(types.AlertCritical))
	e.bus.Publish(types.EventAlert, types.AlertEvent{
		Level:   types.AlertCritical,
		Message: msg,
	})
}
