package agent

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/seantuckercm/spytradr2.0-sub001/internal/risk"
	"github.com/seantuckercm/spytradr2.0-sub001/internal/schedule"
	"github.com/seantuckercm/spytradr2.0-sub001/internal/strategy"
)

// MaxNameLength is the longest accepted agent name, in characters.
const MaxNameLength = 100

// Field error codes.
const (
	CodeRequired      = "required"
	CodeTooLong       = "too_long"
	CodeUnknown       = "unknown"
	CodeEmpty         = "empty"
	CodeInvalidFormat = "invalid_format"
	CodeUnsupported   = "unsupported"
	CodeUnparseable   = "unparseable"
	CodeNeverFires    = "never_fires"
	CodeOutOfRange    = risk.CodeOutOfRange
)

// Timeframes lists the supported candle timeframes.
var Timeframes = []string{"1m", "5m", "15m", "1h", "4h", "1d"}

var symbolPattern = regexp.MustCompile(`^[A-Z0-9]{2,10}/[A-Z0-9]{2,10}$`)

// FieldError is one rejected field.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidationError carries every field rejected by Validate.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.Field + ": " + f.Message
	}
	return fmt.Sprintf("%s: %s", ErrValidation, strings.Join(parts, "; "))
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Validator turns an Input into a normalized draft Definition.
type Validator struct {
	catalog *strategy.Catalog
}

// NewValidator creates a validator resolving strategies against catalog.
func NewValidator(catalog *strategy.Catalog) *Validator {
	return &Validator{catalog: catalog}
}

// Validate checks every rule, collecting all violations. now anchors the
// "schedule fires within a year" check. On success the returned Definition
// is normalized and in draft status; identity and timestamps are left to the
// caller.
func (v *Validator) Validate(in Input, now time.Time) (Definition, error) {
	var errs []FieldError
	add := func(field, code, msg string) {
		errs = append(errs, FieldError{Field: field, Code: code, Message: msg})
	}

	name := strings.TrimSpace(in.Name)
	switch {
	case name == "":
		add("name", CodeRequired, "name is required")
	case utf8.RuneCountInString(name) > MaxNameLength:
		add("name", CodeTooLong, fmt.Sprintf("name must be at most %d characters", MaxNameLength))
	}

	strategyID := strings.TrimSpace(in.StrategyID)
	if _, err := v.catalog.Resolve(strategyID); err != nil {
		add("strategy", CodeUnknown, fmt.Sprintf("unknown strategy %q", strategyID))
	}

	symbols := make([]string, 0, len(in.Symbols))
	seen := make(map[string]bool, len(in.Symbols))
	for _, raw := range in.Symbols {
		sym := strings.ToUpper(strings.TrimSpace(raw))
		if !symbolPattern.MatchString(sym) {
			add("symbols", CodeInvalidFormat, fmt.Sprintf("symbol %q is not a BASE/QUOTE pair", raw))
			continue
		}
		if !seen[sym] {
			seen[sym] = true
			symbols = append(symbols, sym)
		}
	}
	if len(in.Symbols) == 0 {
		add("symbols", CodeEmpty, "at least one symbol is required")
	}

	timeframe := strings.TrimSpace(in.Timeframe)
	if !supportedTimeframe(timeframe) {
		add("timeframe", CodeUnsupported, fmt.Sprintf("timeframe %q is not one of %s", in.Timeframe, strings.Join(Timeframes, ", ")))
	}

	sched, err := schedule.Parse(in.Schedule)
	if err != nil {
		add("schedule", CodeUnparseable, err.Error())
	} else if err := sched.CheckFires(now); err != nil {
		code := CodeUnparseable
		if errors.Is(err, schedule.ErrNeverFires) {
			code = CodeNeverFires
		}
		add("schedule", code, err.Error())
	}

	for _, viol := range risk.Check(in.RiskParameters) {
		add("risk."+viol.Key, viol.Code, viol.Reason)
	}

	if len(errs) > 0 {
		return Definition{}, &ValidationError{Fields: errs}
	}

	params := make(risk.Params, len(in.RiskParameters))
	for k, val := range in.RiskParameters {
		params[k] = val
	}
	return Definition{
		Name:           name,
		StrategyID:     strategyID,
		Symbols:        symbols,
		Timeframe:      timeframe,
		Schedule:       sched.String(),
		RiskParameters: params,
		Status:         StatusDraft,
	}, nil
}

func supportedTimeframe(tf string) bool {
	for _, t := range Timeframes {
		if t == tf {
			return true
		}
	}
	return false
}
