package strategy

import (
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/signalbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CONFLUENCE - Quorum of member strategies
// ═══════════════════════════════════════════════════════════════════════════════
//
// Members are resolved by name through the same registry. For every timestamp
// at which members fire, the first action (in the order it was first seen)
// with at least `required` votes is emitted at the mean of the voting prices.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Confluence is a meta-strategy that emits only when enough members agree
type Confluence struct {
	registry *Registry
	members  []string
	required int
}

// NewConfluence creates a confluence strategy resolving members in registry
func NewConfluence(registry *Registry, d Defaults) *Confluence {
	return &Confluence{
		registry: registry,
		members:  d.ConfluenceMembers,
		required: d.ConfluenceRequired,
	}
}

func (c *Confluence) Name() string { return "confluence" }

type vote struct {
	count int
	sum   decimal.Decimal
}

type bucket struct {
	ts     time.Time
	order  []types.Action
	votes  map[types.Action]*vote
	voters map[types.Action]map[string]bool
}

func (c *Confluence) Generate(candles []types.Candle, params Params) ([]types.Signal, error) {
	members := params.Strings("members", c.members)
	required := params.Int("required", c.required)
	if required <= 0 {
		return nil, fmt.Errorf("confluence required must be positive, got %d", required)
	}
	if len(candles) == 0 {
		log.Warn().Str("strategy", c.Name()).Msg("Empty candle series, no signals")
		return nil, nil
	}

	buckets := make(map[int64]*bucket)
	var keys []int64

	for _, name := range members {
		if name == c.Name() {
			log.Warn().Msg("Confluence cannot include itself, skipping")
			continue
		}
		member, meta, err := c.registry.Lookup(name)
		if err != nil {
			log.Warn().Str("member", name).Msg("Unknown confluence member, skipping")
			continue
		}
		signals, err := member.Generate(candles, params.Merge(meta.Defaults))
		if err != nil {
			log.Warn().Err(err).Str("member", name).Msg("Confluence member failed, skipping")
			continue
		}

		for _, s := range signals {
			key := s.Timestamp.UnixNano()
			b, ok := buckets[key]
			if !ok {
				b = &bucket{
					ts:     s.Timestamp,
					votes:  make(map[types.Action]*vote),
					voters: make(map[types.Action]map[string]bool),
				}
				buckets[key] = b
				keys = append(keys, key)
			}
			// One vote per member per action per timestamp
			if b.voters[s.Action] == nil {
				b.voters[s.Action] = make(map[string]bool)
			}
			if b.voters[s.Action][name] {
				continue
			}
			b.voters[s.Action][name] = true

			v, ok := b.votes[s.Action]
			if !ok {
				v = &vote{}
				b.votes[s.Action] = v
				b.order = append(b.order, s.Action)
			}
			v.count++
			v.sum = v.sum.Add(s.Price)
		}
	}

	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	var out []types.Signal
	for _, key := range keys {
		b := buckets[key]
		for _, action := range b.order {
			v := b.votes[action]
			if v.count >= required {
				out = append(out, types.Signal{
					Timestamp: b.ts,
					Action:    action,
					Price:     v.sum.Div(decimal.NewFromInt(int64(v.count))),
					Strategy:  c.Name(),
				})
				break
			}
		}
	}
	log.Debug().Int("signals", len(out)).Int("required", required).Msg("Generated confluence signals")
	return out, nil
}
