// Package antidetect turns a declarative pacing table into randomized delays
// and lightweight browsing behavior. A Policy owns its random source and is
// meant to be used by one crawl session at a time.
package antidetect

import (
	"math/rand/v2"
	"sort"
	"time"
)

// DelayKind names a row in the delay table.
type DelayKind string

// Delay kinds.
const (
	DelayInitial        DelayKind = "initial"
	DelaySettle         DelayKind = "settle"
	DelayInterPage      DelayKind = "inter_page"
	DelayInterCategory  DelayKind = "inter_category"
	DelayInterRequest   DelayKind = "inter_request"
	DelayErrorBackoff   DelayKind = "error_backoff"
	DelayChallengeWait  DelayKind = "challenge_wait"
	DelayChallengeExtra DelayKind = "challenge_extra"
	DelayPeriodicExtra  DelayKind = "periodic_extra"
)

// fallbackRange applies to kinds missing from the table.
var fallbackRange = Range{Min: time.Second, Max: 3 * time.Second}

// Range is an inclusive duration window.
type Range struct {
	Min time.Duration
	Max time.Duration
}

// Config is the declarative table.
type Config struct {
	Delays            map[DelayKind]Range
	StayPatterns      map[string]Range
	ScrollProbability float64
	HoverProbability  float64
	ClickProbability  float64
	RotateProbability float64
	UserAgents        []string
}

// DefaultConfig mirrors the production pacing table.
func DefaultConfig() Config {
	return Config{
		Delays: map[DelayKind]Range{
			DelayInitial:        {10 * time.Second, 30 * time.Second},
			DelaySettle:         {3 * time.Second, 8 * time.Second},
			DelayInterPage:      {8 * time.Second, 15 * time.Second},
			DelayInterCategory:  {15 * time.Second, 45 * time.Second},
			DelayInterRequest:   {1 * time.Second, 3 * time.Second},
			DelayErrorBackoff:   {30 * time.Second, 60 * time.Second},
			DelayChallengeWait:  {60 * time.Second, 120 * time.Second},
			DelayChallengeExtra: {5 * time.Second, 10 * time.Second},
			DelayPeriodicExtra:  {8 * time.Second, 15 * time.Second},
		},
		StayPatterns: map[string]Range{
			"short":  {2 * time.Second, 5 * time.Second},
			"medium": {4 * time.Second, 8 * time.Second},
			"long":   {6 * time.Second, 12 * time.Second},
		},
		ScrollProbability: 0.7,
		HoverProbability:  0.4,
		ClickProbability:  0.3,
		RotateProbability: 0.3,
	}
}

// BehaviorPlan is one sampled set of page interactions.
type BehaviorPlan struct {
	Scroll      bool
	ScrollSteps int
	Hover       bool
	Click       bool
	StayPattern string
	Stay        time.Duration
}

// Pacing labels used by InterPageDelay.
const (
	PaceNormal  = "normal"
	PaceCareful = "careful"
	PaceRelaxed = "relaxed"
)

// Policy samples from a Config. Calls draw independently from rng.
type Policy struct {
	cfg       Config
	rng       *rand.Rand
	stayNames []string
}

// New builds a Policy. A nil rng gets a fresh randomly seeded source.
func New(cfg Config, rng *rand.Rand) *Policy {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	names := make([]string, 0, len(cfg.StayPatterns))
	for name := range cfg.StayPatterns {
		names = append(names, name)
	}
	sort.Strings(names)
	return &Policy{cfg: cfg, rng: rng, stayNames: names}
}

// NewSeeded builds a Policy whose sequence is reproducible.
func NewSeeded(cfg Config, seed uint64) *Policy {
	return New(cfg, rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)))
}

// Delay samples a duration for kind.
func (p *Policy) Delay(kind DelayKind) time.Duration {
	r, ok := p.cfg.Delays[kind]
	if !ok {
		r = fallbackRange
	}
	return p.uniform(r)
}

// InterPageDelay samples the pause after page. Once a challenge has been
// seen, every fifth page adds an extra cool-down; every tenth page adds a
// periodic extra. A random pace then stretches or shrinks the total.
func (p *Policy) InterPageDelay(page, challenges int) (time.Duration, string) {
	d := p.Delay(DelayInterPage)
	if challenges > 0 && (page-1)%5 == 0 {
		d += p.Delay(DelayChallengeExtra)
	}
	if page%10 == 0 {
		d += p.Delay(DelayPeriodicExtra)
	}
	switch p.rng.IntN(3) {
	case 1:
		return scale(d, 1.1+0.2*p.rng.Float64()), PaceCareful
	case 2:
		return scale(d, 0.8+0.2*p.rng.Float64()), PaceRelaxed
	default:
		return d, PaceNormal
	}
}

// BehaviorPlan samples scroll, hover, click, and stay independently.
func (p *Policy) BehaviorPlan() BehaviorPlan {
	plan := BehaviorPlan{
		Scroll: p.chance(p.cfg.ScrollProbability),
		Hover:  p.chance(p.cfg.HoverProbability),
		Click:  p.chance(p.cfg.ClickProbability),
	}
	if plan.Scroll {
		plan.ScrollSteps = 2 + p.rng.IntN(4)
	}
	if len(p.stayNames) > 0 {
		plan.StayPattern = p.stayNames[p.rng.IntN(len(p.stayNames))]
		plan.Stay = p.uniform(p.cfg.StayPatterns[plan.StayPattern])
	}
	return plan
}

// ShouldRotateIdentity reports whether to switch the browser's user agent
// before the next page.
func (p *Policy) ShouldRotateIdentity() bool {
	return p.chance(p.cfg.RotateProbability)
}

// UserAgent picks one configured user agent, or "" when none are configured.
func (p *Policy) UserAgent() string {
	if len(p.cfg.UserAgents) == 0 {
		return ""
	}
	return p.cfg.UserAgents[p.rng.IntN(len(p.cfg.UserAgents))]
}

// Float64 exposes the policy's random source for small jitter decisions.
func (p *Policy) Float64() float64 {
	return p.rng.Float64()
}

func (p *Policy) chance(prob float64) bool {
	if prob <= 0 {
		return false
	}
	if prob >= 1 {
		return true
	}
	return p.rng.Float64() < prob
}

func (p *Policy) uniform(r Range) time.Duration {
	if r.Max <= r.Min {
		return r.Min
	}
	return r.Min + time.Duration(p.rng.Int64N(int64(r.Max-r.Min)+1))
}

func scale(d time.Duration, f float64) time.Duration {
	return time.Duration(float64(d) * f)
}
