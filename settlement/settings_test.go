package settlement_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/warp/settlement-engine/settlement"
)

func TestSettings_Validate(t *testing.T) {
	tests := []struct {
		name    string
		s       settlement.Settings
		wantErr bool
	}{
		{"two levels", plan(2, 1000, 20, 5), false},
		{"no levels", plan(0, 1000), false},
		{"exactly 100", plan(3, 1, 50, 30, 20), false},
		{"over 100", plan(2, 1000, 80, 21), true},
		{"extra percentages beyond levels ignored", plan(1, 1000, 90, 90), false},
		{"negative levels", plan(-1, 1000), true},
		{"negative percentage", plan(2, 1000, 20, -5), true},
		{"zero rate", plan(2, 0, 20, 5), true},
		{"negative rate", settlement.Settings{CommissionLevels: 1, LevelPercentages: []int{5}, PointRate: decimal.NewFromInt(-1)}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.s.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, settlement.ErrInvalidSettings)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSettings_PercentageFor(t *testing.T) {
	s := plan(3, 1000, 20, 5)

	assert.Equal(t, 20, s.PercentageFor(1))
	assert.Equal(t, 5, s.PercentageFor(2))
	assert.Equal(t, 0, s.PercentageFor(3), "missing level is zero")
	assert.Equal(t, 0, s.PercentageFor(0))
}

func TestSettings_CloneIsIndependent(t *testing.T) {
	s := plan(2, 1000, 20, 5)
	c := s.Clone()
	c.LevelPercentages[0] = 99

	assert.Equal(t, 20, s.LevelPercentages[0])
}
