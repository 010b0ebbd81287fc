package browser

import (
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/browsergrid/browsergrid/internal/config"
)

// Recycler scoring weights and bounds. The score is a 0-100 blend of
// age, wear, error signals, and load; instances over the threshold are
// drained, worst first, a few per sweep so the pool never loses most of
// its capacity at once.
const (
	weightTime      = 0.25
	weightUsage     = 0.25
	weightHealth    = 0.30
	weightResources = 0.20

	recycleThreshold = 80.0
	recycleCooldown  = 5 * time.Minute
	recycleBatchMax  = 3

	// maxInstanceAge is the age at which the time component saturates.
	maxInstanceAge = 30 * time.Minute
)

// Recycler decides which pool instances to retire.
type Recycler struct {
	pool *Pool
	cfg  *config.Config

	lastRecycle time.Time
}

func NewRecycler(p *Pool, cfg *config.Config) *Recycler {
	return &Recycler{pool: p, cfg: cfg}
}

// Score computes the recycle score for an instance. Exposed on the
// snapshot path so operators can see why an instance is about to go.
func (r *Recycler) Score(in *Instance, now time.Time) float64 {
	timeScore := clamp(float64(now.Sub(in.createdAt)) / float64(maxInstanceAge) * 100)

	var usageScore float64
	if r.cfg.RecycleAfterUses > 0 {
		usageScore = clamp(float64(in.useCount) / float64(r.cfg.RecycleAfterUses) * 100)
	}

	healthScore := clamp(in.Stats.ErrorRate()*70 +
		float64(min(in.Stats.ConsecutiveFailures.Load(), consecutiveFailureLimit))/
			float64(consecutiveFailureLimit)*30)

	resourceScore := clamp(float64(in.pages) / float64(r.cfg.MaxPagesPerBrowser) * 100)

	return weightTime*timeScore +
		weightUsage*usageScore +
		weightHealth*healthScore +
		weightResources*resourceScore
}

// Sweep drains the worst-scoring instances over the threshold. At most
// recycleBatchMax go per sweep, and sweeps that recycled something start
// a cooldown so capacity has time to recover.
func (r *Recycler) Sweep(now time.Time) {
	if now.Sub(r.lastRecycle) < recycleCooldown {
		return
	}

	type scored struct {
		in    *Instance
		score float64
	}

	r.pool.mu.Lock()
	candidates := make([]scored, 0, len(r.pool.instances))
	for _, in := range r.pool.instances {
		if in.state != StateActive {
			continue
		}
		if s := r.Score(in, now); s >= recycleThreshold {
			candidates = append(candidates, scored{in, s})
		}
	}
	floor := r.cfg.PoolMinSize
	live := len(r.pool.instances)
	r.pool.mu.Unlock()

	if len(candidates) == 0 {
		return
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})

	// Never drain the pool below its floor in a single sweep; draining
	// replaces instances, but replacements take time to launch.
	budget := min(recycleBatchMax, max(live-floor, 1))

	recycled := 0
	for _, c := range candidates {
		if recycled >= budget {
			break
		}
		log.Info().
			Str("instance_id", c.in.ID).
			Float64("score", c.score).
			Msg("Recycler retiring instance")
		r.pool.Drain(c.in, "score")
		recycled++
	}
	if recycled > 0 {
		r.lastRecycle = now
	}
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
