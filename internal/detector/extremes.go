package detector

import (
	"math"
	"sync"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/stat"

	"funding-arb/internal/bus"
	"funding-arb/internal/config"
	"funding-arb/pkg/types"
)

// extremeTracker watches per-(venue,symbol) price and volume series for
// anomalies: single-interval price moves beyond the return limit, volume
// collapse against the rolling mean, and realized-volatility spikes against
// the rolling volatility mean.
//
// Money stays decimal; the rolling statistics operate on float64 because
// stdev of log returns is an indicator, not an accounting value. Baselines
// must be fully warmed (one window of samples) before they can flag.
type extremeTracker struct {
	window      int
	returnLimit decimal.Decimal
	volumeFloor float64
	volSpike    float64

	bus *bus.Bus
	log zerolog.Logger

	mu     sync.Mutex
	series map[string]*symbolSeries // venue|symbol
}

type symbolSeries struct {
	lastPrice  decimal.Decimal
	hasPrice   bool
	logReturns []float64
	volHistory []float64
	volumes    []float64
}

func newExtremeTracker(cfg config.ExtremesConfig, b *bus.Bus, log zerolog.Logger) *extremeTracker {
	window := cfg.Window
	if window <= 0 {
		window = 20
	}
	return &extremeTracker{
		window:      window,
		returnLimit: decimal.NewFromFloat(cfg.ReturnLimit),
		volumeFloor: cfg.VolumeFloor,
		volSpike:    cfg.VolSpike,
		bus:         b,
		log:         log.With().Str("comp", "extremes").Logger(),
		series:      make(map[string]*symbolSeries),
	}
}

func (t *extremeTracker) observe(venueName, symbol string, price, volume decimal.Decimal) {
	if !price.IsPositive() {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	key := venueName + "|" + symbol
	s := t.series[key]
	if s == nil {
		s = &symbolSeries{}
		t.series[key] = s
	}

	if s.hasPrice {
		t.checkReturn(venueName, symbol, s.lastPrice, price)

		lr := math.Log(price.InexactFloat64() / s.lastPrice.InexactFloat64())
		s.logReturns = pushBounded(s.logReturns, lr, t.window)
		if len(s.logReturns) == t.window {
			vol := stat.StdDev(s.logReturns, nil)
			t.checkVolatility(venueName, symbol, vol, s.volHistory)
			s.volHistory = pushBounded(s.volHistory, vol, t.window)
		}
	}
	s.lastPrice = price
	s.hasPrice = true

	if volume.IsPositive() {
		v := volume.InexactFloat64()
		t.checkVolume(venueName, symbol, v, s.volumes)
		s.volumes = pushBounded(s.volumes, v, t.window)
	}
}

func (t *extremeTracker) checkReturn(venueName, symbol string, prev, price decimal.Decimal) {
	ret := price.Sub(prev).Div(prev)
	var kind types.ExtremeKind
	switch {
	case ret.GreaterThanOrEqual(t.returnLimit):
		kind = types.ExtremePriceSurge
	case ret.LessThanOrEqual(t.returnLimit.Neg()):
		kind = types.ExtremePriceCrash
	default:
		return
	}
	t.emit(kind, venueName, symbol, ret, map[string]string{
		"price": price.String(),
		"prev":  prev.String(),
	})
}

func (t *extremeTracker) checkVolume(venueName, symbol string, v float64, window []float64) {
	if len(window) < t.window {
		return
	}
	mean := stat.Mean(window, nil)
	if mean <= 0 || v >= t.volumeFloor*mean {
		return
	}
	t.emit(types.ExtremeLiquidityDrop, venueName, symbol,
		decimal.NewFromFloat(v/mean), map[string]string{
			"volume":      decimal.NewFromFloat(v).String(),
			"window_mean": decimal.NewFromFloat(mean).String(),
		})
}

func (t *extremeTracker) checkVolatility(venueName, symbol string, vol float64, history []float64) {
	if len(history) < t.window {
		return
	}
	mean := stat.Mean(history, nil)
	if mean <= 0 || vol <= t.volSpike*mean {
		return
	}
	t.emit(types.ExtremeVolatilitySpike, venueName, symbol,
		decimal.NewFromFloat(vol/mean), map[string]string{
			"volatility":  decimal.NewFromFloat(vol).String(),
			"window_mean": decimal.NewFromFloat(mean).String(),
		})
}

func (t *extremeTracker) emit(kind types.ExtremeKind, venueName, symbol string, change decimal.Decimal, data map[string]string) {
	t.log.Warn().
		Str("type", string(kind)).
		Str("venue", venueName).
		Str("symbol", symbol).
		Str("change", change.String()).
		Msg("extreme market event")
	t.bus.Publish(types.EventExtreme, types.ExtremeEvent{
		Type:   kind,
		Venue:  venueName,
		Symbol: symbol,
		Change: change,
		Data:   data,
	})
}

func pushBounded(s []float64, v float64, limit int) []float64 {
	s = append(s, v)
	if len(s) > limit {
		s = s[1:]
	}
	return s
}
