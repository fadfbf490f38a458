package settlement

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// Settings is a read-only snapshot of the commission plan and the point rate.
// The engine reads one snapshot per operation and passes it down.
type Settings struct {
	// CommissionLevels is how many upline levels receive a commission.
	CommissionLevels int

	// LevelPercentages[i] is the whole percentage paid at level i+1.
	// Missing entries mean zero.
	LevelPercentages []int

	// PointRate is the currency value of one point.
	PointRate decimal.Decimal
}

// PercentageFor returns the percentage for a 1-based level.
func (s Settings) PercentageFor(level int) int {
	if level < 1 || level > len(s.LevelPercentages) {
		return 0
	}
	return s.LevelPercentages[level-1]
}

// Validate rejects snapshots that could create money or divide by zero.
func (s Settings) Validate() error {
	if s.CommissionLevels < 0 {
		return fmt.Errorf("%w: commission levels %d is negative", ErrInvalidSettings, s.CommissionLevels)
	}
	sum := 0
	for i, p := range s.LevelPercentages {
		if p < 0 {
			return fmt.Errorf("%w: level %d percentage %d is negative", ErrInvalidSettings, i+1, p)
		}
		if i < s.CommissionLevels {
			sum += p
		}
	}
	if sum > 100 {
		return fmt.Errorf("%w: level percentages sum to %d", ErrInvalidSettings, sum)
	}
	if !s.PointRate.IsPositive() {
		return fmt.Errorf("%w: point rate must be positive, got %s", ErrInvalidSettings, s.PointRate)
	}
	return nil
}

// Clone returns a copy that shares no memory with s.
func (s Settings) Clone() Settings {
	out := s
	out.LevelPercentages = append([]int(nil), s.LevelPercentages...)
	return out
}

// SettingsProvider supplies the current settings snapshot.
type SettingsProvider interface {
	Settings(ctx context.Context) (Settings, error)
}

// SettingsFunc adapts a function to SettingsProvider.
type SettingsFunc func(ctx context.Context) (Settings, error)

func (f SettingsFunc) Settings(ctx context.Context) (Settings, error) { return f(ctx) }
