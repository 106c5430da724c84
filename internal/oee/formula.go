package oee

import (
	"fmt"
	"strings"

	"github.com/savegress/oeesense/internal/config"
)

// Mode selects how a metric is computed
type Mode int

const (
	ModeStandard Mode = iota
	ModeDynamic
	ModeCustom
)

func (m Mode) String() string {
	switch m {
	case ModeDynamic:
		return "dynamic"
	case ModeCustom:
		return "custom"
	default:
		return "standard"
	}
}

// Formula is a compiled metric definition. Custom formulas carry their
// parsed expression so nothing is re-parsed per calculation.
type Formula struct {
	Mode Mode
	expr *Expression
}

// Standard returns the standard formula
func Standard() Formula { return Formula{Mode: ModeStandard} }

// Dynamic returns the dynamic formula
func Dynamic() Formula { return Formula{Mode: ModeDynamic} }

// Custom compiles a custom expression formula
func Custom(expression string) (Formula, error) {
	expr, err := CompileExpression(expression)
	if err != nil {
		return Formula{}, err
	}
	return Formula{Mode: ModeCustom, expr: expr}, nil
}

// ParseFormula builds a formula from its configured mode name
func ParseFormula(fc config.FormulaConfig) (Formula, error) {
	switch strings.ToLower(strings.TrimSpace(fc.Mode)) {
	case "", "standard":
		return Standard(), nil
	case "dynamic":
		return Dynamic(), nil
	case "custom":
		return Custom(fc.Expression)
	default:
		return Formula{}, fmt.Errorf("unknown formula mode %q", fc.Mode)
	}
}

// Expression returns the compiled custom expression, nil for other modes
func (f Formula) Expression() *Expression {
	return f.expr
}
