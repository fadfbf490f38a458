package settings

import (
	"context"
	"sync"

	"github.com/warp/settlement-engine/settlement"
)

// Static holds a snapshot in process. SaveSettings swaps it atomically, so
// every reader sees either the old plan or the new one.
type Static struct {
	mu sync.RWMutex
	s  settlement.Settings
}

var _ settlement.SettingsStore = (*Static)(nil)

func NewStatic(s settlement.Settings) *Static {
	return &Static{s: s.Clone()}
}

func (p *Static) Settings(_ context.Context) (settlement.Settings, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.s.Clone(), nil
}

// SaveSettings replaces the snapshot after validating it.
func (p *Static) SaveSettings(_ context.Context, s settlement.Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.s = s.Clone()
	return nil
}
