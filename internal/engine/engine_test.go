package engine

import (
	"testing"

	"github.com/rs/zerolog"

	"funding-arb/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		TradeAsset:          "USDT",
		DataDir:             t.TempDir(),
		PollingIntervalMs:   30000,
		MonitorIntervalMs:   10000,
		RebalanceIntervalMs: 60000,
		ShutdownGraceMs:     1000,
		HistoryCap:          50,
		StopLoss:            0.05,
		TakeProfit:          0.10,
		SizeFactor:          0.5,
		LegSizing:           "equal_notional",
		MaxExposure:         0.1,
		RebalanceThreshold:  0.03,
		Thresholds:          config.ThresholdsConfig{Warning: 0.0005, Critical: 0.001, Arbitrage: 0.002},
		Extremes:            config.ExtremesConfig{Window: 10, ReturnLimit: 0.05, VolumeFloor: 0.3, VolSpike: 3},
		Venues: map[string]config.VenueConfig{
			"binance": {},
			"okx":     {},
		},
	}
}

func TestNewWiresConfiguredVenues(t *testing.T) {
	t.Parallel()

	eng, err := New(testConfig(t), zerolog.Nop())
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	status := eng.Status()
	if len(status.Venues) != 2 || status.Venues[0] != "binance" || status.Venues[1] != "okx" {
		t.Errorf("venues = %v", status.Venues)
	}
	if status.ActiveHedges != 0 {
		t.Errorf("active hedges = %d, want 0", status.ActiveHedges)
	}
}

func TestNewRejectsUnknownVenue(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Venues["bitmex"] = config.VenueConfig{}
	if _, err := New(cfg, zerolog.Nop()); err == nil {
		t.Fatal("expected error for unknown venue")
	}
}

func TestHedgingToggle(t *testing.T) {
	t.Parallel()

	eng, err := New(testConfig(t), zerolog.Nop())
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	eng.StartHedging()
	if !eng.Status().AutoHedge {
		t.Error("start did not enable hedging")
	}
	eng.StopHedging()
	if eng.Status().AutoHedge {
		t.Error("stop did not disable hedging")
	}
}

func TestStartRefusedAfterEmergencyStop(t *testing.T) {
	t.Parallel()

	eng, err := New(testConfig(t), zerolog.Nop())
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	eng.hedger.SetEmergencyStop()
	eng.StartHedging()
	if eng.Status().AutoHedge {
		t.Error("start enabled hedging despite emergency stop")
	}
}
