/*
Package settings provides settlement.SettingsProvider implementations.

PURPOSE:
  Commission plans are configuration, not code. An operator describes the
  plan as JSON (or environment variables) and this package turns it into a
  validated settlement.Settings snapshot.

JSON SCHEMA:
  {
    "commission_levels": 2,
    "level_percentages": [10, 5],
    "point_rate": "1000"
  }

  point_rate accepts a JSON string or number; strings keep every digit.

PROVIDERS:
  Static:      in-process snapshot, editable with SaveSettings
  RedisCache:  read-through cache in front of another SettingsStore

USAGE:
  plan, err := settings.ParsePlan(`{"commission_levels":2,"level_percentages":[10,5],"point_rate":"1000"}`)
  provider := settings.NewStatic(plan)

  engine := settlement.NewEngine(store, provider, settlement.Options{})

SEE ALSO:
  - settlement/settings.go: Settings and validation rules
  - store/sqlite, store/postgres: persisted settings row
*/
package settings

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/warp/settlement-engine/config"
	"github.com/warp/settlement-engine/settlement"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// PlanJSON is the JSON representation of a commission plan.
type PlanJSON struct {
	CommissionLevels int             `json:"commission_levels"`
	LevelPercentages []int           `json:"level_percentages"`
	PointRate        decimal.Decimal `json:"point_rate"`
}

// ToPlanJSON converts a snapshot to its JSON form.
func ToPlanJSON(s settlement.Settings) PlanJSON {
	pcts := s.LevelPercentages
	if pcts == nil {
		pcts = []int{}
	}
	return PlanJSON{
		CommissionLevels: s.CommissionLevels,
		LevelPercentages: pcts,
		PointRate:        s.PointRate,
	}
}

// Settings converts the JSON form to a snapshot. It does not validate.
func (p PlanJSON) Settings() settlement.Settings {
	return settlement.Settings{
		CommissionLevels: p.CommissionLevels,
		LevelPercentages: append([]int(nil), p.LevelPercentages...),
		PointRate:        p.PointRate,
	}
}

// =============================================================================
// PARSING
// =============================================================================

// ParsePlan parses and validates a JSON commission plan.
func ParsePlan(jsonStr string) (settlement.Settings, error) {
	return decodePlan([]byte(jsonStr))
}

func decodePlan(data []byte) (settlement.Settings, error) {
	var pj PlanJSON
	if err := json.Unmarshal(data, &pj); err != nil {
		return settlement.Settings{}, fmt.Errorf("failed to parse plan JSON: %w", err)
	}
	s := pj.Settings()
	if err := s.Validate(); err != nil {
		return settlement.Settings{}, err
	}
	return s, nil
}

func encodePlan(s settlement.Settings) ([]byte, error) {
	return json.Marshal(ToPlanJSON(s))
}

// FromConfig builds the default plan from environment configuration.
func FromConfig(cfg *config.Config) (settlement.Settings, error) {
	s := settlement.Settings{
		CommissionLevels: cfg.CommissionLevels,
		LevelPercentages: append([]int(nil), cfg.LevelPercentages...),
		PointRate:        cfg.PointRate,
	}
	if err := s.Validate(); err != nil {
		return settlement.Settings{}, fmt.Errorf("commission plan from environment: %w", err)
	}
	return s, nil
}
