package volatility

import (
	"math"
	"testing"
)

// --- Provider ---

func TestProvider_Lookup(t *testing.T) {
	p := NewProvider(map[string]float64{"spy": 0.01, "TSLA": 0.04}, 0)

	if vol, ok := p.Lookup("SPY"); !ok || vol != 0.01 {
		t.Errorf("Lookup(SPY) = %v, %v", vol, ok)
	}
	if vol, ok := p.Lookup("tsla"); !ok || vol != 0.04 {
		t.Errorf("Lookup(tsla) = %v, %v", vol, ok)
	}
	if _, ok := p.Lookup("QQQ"); ok {
		t.Error("unknown symbol without a default must miss")
	}
}

func TestProvider_DefaultFallback(t *testing.T) {
	p := NewProvider(nil, 0.02)
	if vol, ok := p.Lookup("ANYTHING"); !ok || vol != 0.02 {
		t.Errorf("Lookup with default = %v, %v", vol, ok)
	}
}

func TestProvider_Set(t *testing.T) {
	p := NewProvider(nil, 0)
	p.Set("nvda", 0.05)
	if vol, ok := p.Lookup("NVDA"); !ok || vol != 0.05 {
		t.Errorf("Lookup after Set = %v, %v", vol, ok)
	}
}

// --- DailyVol ---

func TestDailyVol_Percentile(t *testing.T) {
	// Closes producing absolute returns 0.01 .. 0.10; the 90th percentile
	// over 10 samples is the 9th smallest, 0.09.
	closes := []float64{100}
	price := 100.0
	for i := 1; i <= 10; i++ {
		price = price * (1 + float64(i)/100)
		closes = append(closes, price)
	}
	vol, ok := DailyVol(closes)
	if !ok {
		t.Fatal("DailyVol failed")
	}
	if math.Abs(vol-0.09) > 1e-9 {
		t.Errorf("vol = %v, want 0.09", vol)
	}
}

func TestDailyVol_AbsoluteReturns(t *testing.T) {
	// Down moves count by magnitude.
	vol, ok := DailyVol([]float64{100, 90, 99})
	if !ok {
		t.Fatal("DailyVol failed")
	}
	if math.Abs(vol-0.1) > 1e-9 {
		t.Errorf("vol = %v, want 0.1", vol)
	}
}

func TestDailyVol_InsufficientHistory(t *testing.T) {
	if _, ok := DailyVol(nil); ok {
		t.Error("nil series must fail")
	}
	if _, ok := DailyVol([]float64{100}); ok {
		t.Error("single close must fail")
	}
}

func TestDailyVol_BadPrices(t *testing.T) {
	if _, ok := DailyVol([]float64{100, 0, 99}); ok {
		t.Error("zero close must fail")
	}
	if _, ok := DailyVol([]float64{100, -5}); ok {
		t.Error("negative close must fail")
	}
	if _, ok := DailyVol([]float64{100, math.NaN()}); ok {
		t.Error("NaN close must fail")
	}
}
