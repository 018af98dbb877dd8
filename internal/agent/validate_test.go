package agent

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/seantuckercm/spytradr2.0-sub001/internal/risk"
	"github.com/seantuckercm/spytradr2.0-sub001/internal/strategy"
)

var now = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

func validInput() Input {
	return Input{
		Name:       "  BTC scanner ",
		StrategyID: "momentum",
		Symbols:    []string{"btc/usdt", "ETH/USDT", "BTC/USDT"},
		Timeframe:  "1h",
		Schedule:   "  5m ",
		RiskParameters: risk.Params{
			risk.StopLossPct: decimal.NewFromInt(5),
			risk.Leverage:    decimal.NewFromInt(3),
		},
	}
}

func fieldCodes(t *testing.T, err error) map[string][]string {
	t.Helper()
	var verr *ValidationError
	require.True(t, errors.As(err, &verr), "want *ValidationError, got %v", err)
	out := map[string][]string{}
	for _, f := range verr.Fields {
		out[f.Field] = append(out[f.Field], f.Code)
	}
	return out
}

func TestValidateNormalizes(t *testing.T) {
	v := NewValidator(strategy.Default())
	def, err := v.Validate(validInput(), now)
	require.NoError(t, err)

	assert.Equal(t, "BTC scanner", def.Name)
	assert.Equal(t, []string{"BTC/USDT", "ETH/USDT"}, def.Symbols)
	assert.Equal(t, "5m", def.Schedule)
	assert.Equal(t, StatusDraft, def.Status)
	assert.True(t, def.RiskParameters[risk.StopLossPct].Equal(decimal.NewFromInt(5)))
}

// An empty name is reported alongside every other problem, not instead of it.
func TestValidateEmptyNameReportsEverything(t *testing.T) {
	v := NewValidator(strategy.Default())
	in := Input{
		Name:       "",
		StrategyID: "astrology",
		Symbols:    []string{"BTCUSDT"},
		Timeframe:  "2h",
		Schedule:   "whenever",
	}
	_, err := v.Validate(in, now)
	assert.ErrorIs(t, err, ErrValidation)

	codes := fieldCodes(t, err)
	assert.Equal(t, []string{CodeRequired}, codes["name"])
	assert.Equal(t, []string{CodeUnknown}, codes["strategy"])
	assert.Equal(t, []string{CodeInvalidFormat}, codes["symbols"])
	assert.Equal(t, []string{CodeUnsupported}, codes["timeframe"])
	assert.Equal(t, []string{CodeUnparseable}, codes["schedule"])
}

func TestValidateFieldRules(t *testing.T) {
	v := NewValidator(strategy.Default())
	tests := []struct {
		name   string
		mutate func(*Input)
		field  string
		code   string
	}{
		{"whitespace name", func(in *Input) { in.Name = "   " }, "name", CodeRequired},
		{"long name", func(in *Input) { in.Name = strings.Repeat("é", MaxNameLength+1) }, "name", CodeTooLong},
		{"no symbols", func(in *Input) { in.Symbols = nil }, "symbols", CodeEmpty},
		{"bad symbol", func(in *Input) { in.Symbols = []string{"BTC/USDT", "B/USDT"} }, "symbols", CodeInvalidFormat},
		{"timeframe", func(in *Input) { in.Timeframe = "3m" }, "timeframe", CodeUnsupported},
		{"sub-minute interval", func(in *Input) { in.Schedule = "30s" }, "schedule", CodeUnparseable},
		{"bad cron", func(in *Input) { in.Schedule = "61 * * * *" }, "schedule", CodeUnparseable},
		{"feb 30", func(in *Input) { in.Schedule = "0 0 30 2 *" }, "schedule", CodeNeverFires},
		{"overflowing day count", func(in *Input) { in.Schedule = "213504d" }, "schedule", CodeUnparseable},
		{"interval past horizon", func(in *Input) { in.Schedule = "400d" }, "schedule", CodeNeverFires},
		{"stop loss", func(in *Input) { in.RiskParameters[risk.StopLossPct] = decimal.Zero }, "risk.stopLossPct", CodeOutOfRange},
		{"unknown risk", func(in *Input) { in.RiskParameters["martingale"] = decimal.NewFromInt(1) }, "risk.martingale", risk.CodeUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := validInput()
			tt.mutate(&in)
			_, err := v.Validate(in, now)
			codes := fieldCodes(t, err)
			assert.Contains(t, codes[tt.field], tt.code)
			assert.Len(t, codes, 1, "only %s should fail: %v", tt.field, codes)
		})
	}
}

func TestValidateAcceptsMaxNameLength(t *testing.T) {
	v := NewValidator(strategy.Default())
	in := validInput()
	in.Name = strings.Repeat("界", MaxNameLength)
	_, err := v.Validate(in, now)
	assert.NoError(t, err)
}

func TestValidateAcceptsCronAndDescriptors(t *testing.T) {
	v := NewValidator(strategy.Default())
	for _, spec := range []string{"*/15 * * * *", "@hourly", "@every 2h", "1d", "0 9 * * MON-FRI"} {
		in := validInput()
		in.Schedule = spec
		_, err := v.Validate(in, now)
		assert.NoError(t, err, spec)
	}
}

// Whatever Validate accepts resolves against the same catalog.
func TestPropertyValidatedStrategyResolves(t *testing.T) {
	catalog := strategy.Default()
	ids := make([]string, 0)
	for _, d := range catalog.List() {
		ids = append(ids, d.ID)
	}
	v := NewValidator(catalog)

	rapid.Check(t, func(rt *rapid.T) {
		in := validInput()
		in.StrategyID = rapid.OneOf(
			rapid.SampledFrom(ids),
			rapid.StringMatching(`[a-z_]{0,16}`),
		).Draw(rt, "strategy")
		in.Name = rapid.StringMatching(`[ A-Za-z0-9]{0,120}`).Draw(rt, "name")

		def, err := v.Validate(in, now)
		if err != nil {
			return
		}
		if _, err := catalog.Resolve(def.StrategyID); err != nil {
			rt.Fatalf("validated strategy %q does not resolve: %v", def.StrategyID, err)
		}
	})
}
