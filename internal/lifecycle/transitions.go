package lifecycle

import (
	"errors"
	"fmt"
	"math"

	"autopilot/internal/models"
)

var (
	ErrInvalidTransition = errors.New("invalid strategy transition")
	ErrNotPending        = errors.New("strategy is not awaiting approval")
	ErrInvalidWeights    = errors.New("composition weights must sum to 1")
)

// allowed lists the forward edges; every non-terminal status may also retire.
var allowed = map[string]string{
	models.StrategyGenerated:    models.StrategyBacktested,
	models.StrategyBacktested:   models.StrategyPaperTrading,
	models.StrategyPaperTrading: models.StrategyLive,
}

// CanTransition reports whether from -> to is a legal lifecycle edge.
func CanTransition(from, to string) bool {
	if from == models.StrategyRetired {
		return false
	}
	if to == models.StrategyRetired {
		switch from {
		case models.StrategyGenerated, models.StrategyBacktested, models.StrategyPaperTrading, models.StrategyLive:
			return true
		}
		return false
	}
	next, ok := allowed[from]
	return ok && next == to
}

func checkTransition(from, to string) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// Criteria are strict lower bounds: both must be exceeded.
type Criteria struct {
	MinWinRate      float64
	MinProfitFactor float64
}

func (c Criteria) Passes(p models.Performance) bool {
	return p.WinRate > c.MinWinRate && p.ProfitFactor > c.MinProfitFactor
}

const weightTolerance = 1e-6

func validateComposition(components []models.StrategyComponent) error {
	if len(components) == 0 {
		return nil
	}
	sum := 0.0
	for _, c := range components {
		if c.Weight < 0 {
			return fmt.Errorf("%w: negative weight for %s", ErrInvalidWeights, c.StrategyID)
		}
		sum += c.Weight
	}
	if math.Abs(sum-1) > weightTolerance {
		return fmt.Errorf("%w: got %g", ErrInvalidWeights, sum)
	}
	return nil
}
