package bootstrap

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"missionloop/internal/shared/logging"
)

// BootstrapStage is one step of container assembly.
type BootstrapStage struct {
	Name string
	// Required stages abort startup on failure. Optional ones leave the
	// service running without the component.
	Required bool
	// Timeout bounds Init. Zero means no bound beyond the parent context.
	Timeout time.Duration
	Init    func(ctx context.Context) error
}

// DegradedComponents records optional components that failed to start,
// keyed by stage name.
type DegradedComponents struct {
	mu         sync.RWMutex
	components map[string]string
}

func NewDegradedComponents() *DegradedComponents {
	return &DegradedComponents{components: make(map[string]string)}
}

func (d *DegradedComponents) Record(name, reason string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.components[name] = reason
}

// Map returns a copy of the recorded components and their failure reasons.
func (d *DegradedComponents) Map() map[string]string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]string, len(d.components))
	for k, v := range d.components {
		out[k] = v
	}
	return out
}

// Names lists the degraded components in sorted order.
func (d *DegradedComponents) Names() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.components))
	for name := range d.components {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (d *DegradedComponents) IsEmpty() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.components) == 0
}

// RunStages runs stages in order and stops at the first failed required
// stage. A cancelled ctx fails every remaining stage.
func RunStages(ctx context.Context, stages []BootstrapStage, degraded *DegradedComponents, logger logging.Logger) error {
	logger = logging.OrNop(logger)
	for _, stage := range stages {
		started := time.Now()
		err := runStage(ctx, stage)
		elapsed := time.Since(started).Round(time.Millisecond)
		if err == nil {
			logger.Debug("[Bootstrap] Stage %s ready in %s", stage.Name, elapsed)
			continue
		}
		if stage.Required {
			return fmt.Errorf("required stage %q failed: %w", stage.Name, err)
		}
		logger.Warn("[Bootstrap] Optional stage %s failed after %s: %v", stage.Name, elapsed, err)
		if degraded != nil {
			degraded.Record(stage.Name, err.Error())
		}
	}
	return nil
}

func runStage(ctx context.Context, stage BootstrapStage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if stage.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, stage.Timeout)
		defer cancel()
	}
	return stage.Init(ctx)
}
