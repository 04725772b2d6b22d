package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/melodydashora/vecto-pilot/internal/store"
)

const prewarmTimeout = 6 * time.Second

// prewarm collects briefing raw material in detached fetches. The
// briefer consumes whatever is ready when it runs; nothing blocks on a
// straggler beyond the briefer's own deadline.
type prewarm struct {
	mu      sync.Mutex
	traffic []string
	flow    string
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// startPrewarm kicks off the traffic sub-fetches. The returned prewarm
// must be stopped when the pipeline run ends.
func (o *Orchestrator) startPrewarm(snap *store.Snapshot) *prewarm {
	p := &prewarm{}
	ctx, cancel := context.WithTimeout(context.Background(), prewarmTimeout)
	p.cancel = cancel

	if o.tomtom == nil {
		return p
	}

	p.wg.Add(2)
	go func() {
		defer p.wg.Done()
		const span = 0.15 // ~10 mile box around the driver
		incidents, err := o.tomtom.Incidents(ctx,
			snap.Lng-span, snap.Lat-span, snap.Lng+span, snap.Lat+span)
		if err != nil {
			o.log.Debug("incident prewarm failed", zap.Error(err))
			return
		}
		lines := make([]string, 0, len(incidents))
		for _, inc := range incidents {
			if inc.Category == "" {
				continue
			}
			line := inc.Category
			if inc.Road != "" {
				line += " on " + inc.Road
			}
			if inc.DelaySeconds >= 60 {
				line += fmt.Sprintf(" (+%d min)", int(inc.DelaySeconds/60))
			}
			lines = append(lines, line)
		}
		p.mu.Lock()
		p.traffic = lines
		p.mu.Unlock()
	}()

	go func() {
		defer p.wg.Done()
		flow, err := o.tomtom.FlowSegment(ctx, snap.Lat, snap.Lng)
		if err != nil {
			o.log.Debug("flow prewarm failed", zap.Error(err))
			return
		}
		ratio := flow.CongestionRatio()
		var summary string
		switch {
		case ratio < 0.5:
			summary = "heavy congestion near driver"
		case ratio < 0.8:
			summary = "moderate congestion near driver"
		default:
			summary = "traffic flowing freely near driver"
		}
		p.mu.Lock()
		p.flow = summary
		p.mu.Unlock()
	}()

	return p
}

// trafficLines returns whatever the sub-fetches have produced so far.
func (p *prewarm) trafficLines() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := append([]string(nil), p.traffic...)
	if p.flow != "" {
		out = append(out, p.flow)
	}
	return out
}

func (p *prewarm) stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}
