package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// mlProbe caches the model-service liveness result so health checks do not
// hammer the service on every scrape.
type mlProbe struct {
	mu      sync.Mutex
	checked time.Time
	alive   bool
	loaded  bool
}

const probeTTL = 30 * time.Second

func (p *mlProbe) status(ctx context.Context, client mlAPI, now time.Time) (alive, loaded bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if now.Sub(p.checked) < probeTTL {
		return p.alive, p.loaded
	}
	p.checked = now
	p.alive, p.loaded = false, false
	if client != nil && client.Enabled() {
		if health, err := client.Health(ctx); err == nil {
			p.alive = true
			p.loaded = health.ModelLoaded
		}
	}
	return p.alive, p.loaded
}

// Health serves GET /healthz: process uptime, cache shape, advisory bundle
// summary, model-service reachability, and a coarse cpu/mem snapshot.
func (g *Gateway) Health(w http.ResponseWriter, r *http.Request) {
	now := g.now().UTC()
	payload := map[string]any{
		"status":  "ok",
		"uptime":  now.Sub(g.started).Round(time.Second).String(),
		"checked": now.Format(time.RFC3339),
	}

	cacheInfo := map[string]any{"backend": g.cacheBackend}
	if g.cache != nil {
		if size, err := g.cache.Size(r.Context()); err == nil {
			cacheInfo["entries"] = size
		} else {
			cacheInfo["error"] = err.Error()
		}
	}
	payload["cache"] = cacheInfo

	if g.advisor != nil {
		stats := g.advisor.Stats()
		payload["advisory"] = map[string]any{
			"topics":  stats.Topics,
			"skipped": len(stats.Skipped),
			"sources": stats.Sources,
		}
	}

	mlInfo := map[string]any{"configured": g.ml != nil && g.ml.Enabled()}
	if g.ml != nil && g.ml.Enabled() {
		alive, loaded := g.probe.status(r.Context(), g.ml, now)
		mlInfo["reachable"] = alive
		mlInfo["modelLoaded"] = loaded
	}
	payload["ml"] = mlInfo

	payload["system"] = systemSnapshot(r.Context())

	g.writeJSON(w, http.StatusOK, payload)
}

// systemSnapshot reads coarse host metrics. Failures degrade to omitted
// fields; the health endpoint never fails because of gopsutil.
func systemSnapshot(ctx context.Context) map[string]any {
	snapshot := map[string]any{}
	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		snapshot["cpuPercent"] = percents[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		snapshot["memUsedPercent"] = vm.UsedPercent
		snapshot["memTotalBytes"] = vm.Total
	}
	return snapshot
}
