package evo

import (
	"time"

	"github.com/sawpanic/genepool/internal/domain/gene"
)

// seedTemplate is one entry in the fixed diversity seed library.
type seedTemplate struct {
	name    string
	formula string
}

// diversitySeeds spans the five indicator families so a rescue always
// reintroduces structurally distinct lineages.
var diversitySeeds = []seedTemplate{
	// Trend following
	{"seed_trend_golden_cross", "SMA(close, 50) CROSS_ABOVE SMA(close, 200)"},
	{"seed_trend_adx_breakout", "(ADX(14) > 25) AND (close > EMA(close, 20))"},

	// Mean reversion
	{"seed_meanrev_zscore", "ZSCORE(close, 20) < -2"},
	{"seed_meanrev_band_snap", "(close < BBLOWER(close, 20)) AND (RSI(14) < 35)"},

	// Momentum
	{"seed_momentum_rsi_thrust", "(RSI(14) > 55) AND (ROC(close, 10) > 0.02)"},
	{"seed_momentum_macd", "MACD(12, 26, 9) CROSS_ABOVE 0"},

	// Volatility
	{"seed_vol_compression", "(RANK(ATR(14), 60) < 0.2) AND (close > SMA(close, 20))"},
	{"seed_vol_expansion", "ATR(14) > MA(ATR(14), 50)"},

	// Volume
	{"seed_volume_obv_confirm", "(OBV(close, volume) > LAG(OBV(close, volume), 5)) AND (close > vwap)"},
	{"seed_volume_mfi_dip", "(MFI(14) < 20) AND (volume > MA(volume, 20))"},
}

// SeedLibrary materializes the diversity seed templates as generation-0
// genes ready for insertion.
func SeedLibrary(author string) []gene.Gene {
	out := make([]gene.Gene, 0, len(diversitySeeds))
	for _, tpl := range diversitySeeds {
		out = append(out, gene.Gene{
			ID:               gene.NewID(),
			Name:             tpl.name,
			Formula:          tpl.formula,
			Source:           gene.SourceSeed,
			Author:           author,
			Generation:       0,
			CreatedAt:        time.Now().UTC(),
			ValidationStatus: gene.ValidationPending,
		})
	}
	return out
}

// EmergencySeeds is the small fixed set injected after an extinction so
// the population never reaches zero.
func EmergencySeeds(author string) []gene.Gene {
	all := SeedLibrary(author)
	// One seed per family: indexes into the library above.
	picks := []int{0, 2, 4, 6, 8}
	out := make([]gene.Gene, 0, len(picks))
	for _, i := range picks {
		out = append(out, all[i])
	}
	return out
}
