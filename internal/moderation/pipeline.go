package moderation

import (
	"context"
	"log"
	"time"

	"github.com/ConderL/conder-blog-sub001/internal/metrics"
	"github.com/ConderL/conder-blog-sub001/internal/settings"
)

// RemoteClient is the remote censorship surface the pipeline depends on.
// *CensorClient implements it; tests substitute counting fakes.
type RemoteClient interface {
	Censor(ctx context.Context, text string) (Verdict, error)
}

// SettingsSource yields the live site settings. Reads must be fresh per
// call since an operator may toggle them at runtime.
type SettingsSource interface {
	Current(ctx context.Context) settings.Settings
}

// Pipeline orchestrates moderation for one message: site settings decide
// whether remote moderation applies at all, the breaker decides whether a
// remote call is worth attempting, and any remote failure degrades to the
// local word filter for that call. Moderate never returns an error — a
// message is always deliverable after moderation.
type Pipeline struct {
	local    *LocalFilter
	remote   RemoteClient
	breaker  *Breaker
	settings SettingsSource
}

// NewPipeline wires the moderation pipeline from its collaborators.
func NewPipeline(local *LocalFilter, remote RemoteClient, breaker *Breaker, src SettingsSource) *Pipeline {
	return &Pipeline{local: local, remote: remote, breaker: breaker, settings: src}
}

// Moderate computes the safety verdict for text. Publication policy (manual
// review) is the caller's concern; this only computes text safety.
func (p *Pipeline) Moderate(ctx context.Context, text string) Verdict {
	st := p.settings.Current(ctx)
	if !st.RemoteModeration {
		return p.local.Filter(text)
	}

	if !p.breaker.Available() {
		return p.local.Filter(text)
	}

	start := time.Now()
	verdict, err := p.remote.Censor(ctx, text)
	metrics.CensorLatency.Observe(time.Since(start).Seconds())

	if err != nil {
		p.breaker.Failure()
		log.Printf("moderation: remote censor failed, falling back to local filter: %v", err)
		verdict = p.local.Filter(text)
	} else {
		p.breaker.Success()
	}

	// A failure may have just tripped the breaker; re-evaluating here lets
	// the next caller skip a doomed remote attempt.
	p.breaker.Available()
	if p.breaker.Open() {
		metrics.BreakerOpen.Set(1)
	} else {
		metrics.BreakerOpen.Set(0)
	}

	return verdict
}
