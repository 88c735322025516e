package domain

import "fmt"

// StrategyFactory instantiates the appropriate strategy implementation
// from a user-provided spec.
type StrategyFactory interface {
	RolloutStrategy(spec StrategySpec) (RolloutStrategy, error)
}

// DefaultStrategyFactory creates built-in strategy implementations. The
// switch is the single place new strategy kinds are added, so every kind
// is handled statically rather than dispatched by name lookup.
type DefaultStrategyFactory struct{}

func (f DefaultStrategyFactory) RolloutStrategy(spec StrategySpec) (RolloutStrategy, error) {
	switch spec.Type {
	case StrategyRolling:
		if spec.Params.WaveSize < 0 {
			return nil, fmt.Errorf("%w: wave size must be non-negative, got %d", ErrValidation, spec.Params.WaveSize)
		}
		return &RollingStrategy{}, nil
	case StrategyBlueGreen:
		return &BlueGreenStrategy{}, nil
	case StrategyCanary:
		if err := spec.Params.validateCanarySteps(); err != nil {
			return nil, err
		}
		return &CanaryStrategy{}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported rollout strategy type %q", ErrValidation, spec.Type)
	}
}
