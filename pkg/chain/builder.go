// Package chain walks one patient group through every level of a study,
// matching each level against the chain built so far.
package chain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/synaptica-ai/eventchain/pkg/cohort"
	"github.com/synaptica-ai/eventchain/pkg/common/logger"
	"github.com/synaptica-ai/eventchain/pkg/events"
	"github.com/synaptica-ai/eventchain/pkg/experiment"
	"github.com/synaptica-ai/eventchain/pkg/output"
	"github.com/synaptica-ai/eventchain/pkg/store"
	"github.com/synaptica-ai/eventchain/pkg/terminology"
	"github.com/synaptica-ai/eventchain/pkg/timeline"
)

var (
	ErrEmptyLevel = errors.New("level resolved no events")
	ErrNoMatch    = errors.New("level matched nothing in the chain")
)

// IsNoData reports whether err is a no-data outcome rather than a failure.
func IsNoData(err error) bool {
	return errors.Is(err, ErrEmptyLevel) || errors.Is(err, ErrNoMatch)
}

type Builder struct {
	events  *events.Resolver
	catalog terminology.Catalog
	writer  output.Writer
	paths   output.Paths
	now     func() time.Time
}

type Option func(*Builder)

// WithClock fixes "today", the end of windows without an upper bound.
func WithClock(now func() time.Time) Option {
	return func(b *Builder) { b.now = now }
}

func NewBuilder(resolver *events.Resolver, catalog terminology.Catalog, writer output.Writer, paths output.Paths, opts ...Option) *Builder {
	b := &Builder{
		events:  resolver,
		catalog: catalog,
		writer:  writer,
		paths:   paths,
		now:     time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Result counts what one group produced.
type Result struct {
	Group          string `json:"group"`
	LevelRows      []int  `json:"level_rows"`
	TransitionRows []int  `json:"transition_rows"`
	ChainRows      int    `json:"chain_rows"`
}

// Build runs the group through every level. Each level's slice and each
// transition is persisted as soon as it exists; an empty level or match
// stops the group with ErrEmptyLevel or ErrNoMatch.
func (b *Builder) Build(ctx context.Context, cfg *experiment.Config, group cohort.Group, includeICD9 bool) (*Result, error) {
	log := logger.Log.WithFields(map[string]interface{}{
		"study": cfg.Name,
		"group": group.Key,
	})
	res := &Result{Group: group.Key}

	windows, err := timeline.Cohort(group.Patients, cfg.TimeFrame)
	if err != nil {
		return res, err
	}
	layouts := make([]layout, len(cfg.Levels))
	for i, lvl := range cfg.Levels {
		layouts[i] = layoutFor(b.catalog, lvl)
	}

	var chain []Row
	var level0 []Row
	var transitions [][]Row
	for i, lvl := range cfg.Levels {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		rows, err := b.events.ResolveLevel(ctx, lvl, windows, events.Options{
			TimeFrame:   cfg.TimeFrame,
			IncludeICD9: includeICD9,
			FirstMatch:  lvl.FirstMatch(),
		})
		if err != nil {
			return res, fmt.Errorf("level %d: %w", lvl.Level, err)
		}
		rows = store.Dedup(rows)
		if len(rows) == 0 {
			log.WithField("chain_level", lvl.Level).Warn("Level resolved no events")
			return res, fmt.Errorf("level %d: %w", lvl.Level, ErrEmptyLevel)
		}

		if i < len(cfg.Levels)-1 {
			windows, err = timeline.FromAnchors(anchors(rows), cfg.Levels[i+1].Period, cfg.TimeFrame, b.now())
			if err != nil {
				return res, err
			}
		}

		if i == 0 {
			chain = single(lvl.Level, rows)
			level0 = chain
		} else {
			matched := Match(project(chain), rows, lvl)
			if matched == nil {
				log.WithField("chain_level", lvl.Level).Warn("Level matched nothing in the chain")
				return res, fmt.Errorf("level %d: %w", lvl.Level, ErrNoMatch)
			}
			transitions = append(transitions, matched)
			if err := b.write(b.paths.Transition(lvl.Level, group.Key), matched, layouts[i-1:i+1], false); err != nil {
				return res, err
			}
			res.TransitionRows = append(res.TransitionRows, len(matched))
			chain = tails(matched, lvl.Level)
		}

		if err := b.write(b.paths.Level(lvl.Level, group.Key), chain, layouts[i:i+1], false); err != nil {
			return res, err
		}
		res.LevelRows = append(res.LevelRows, len(chain))
		log.WithFields(map[string]interface{}{
			"chain_level": lvl.Level,
			"rows":        len(chain),
		}).Info("Level merged into chain")
	}

	final := Assemble(level0, transitions)
	if err := b.write(b.paths.Chain(group.Key), final, layouts, true); err != nil {
		return res, err
	}
	res.ChainRows = len(final)
	log.WithField("rows", len(final)).Info("Chain assembled")
	return res, nil
}

func (b *Builder) write(path string, rows []Row, layouts []layout, withTotal bool) error {
	t, err := toTable(rows, layouts, withTotal)
	if err != nil {
		return fmt.Errorf("rendering %s: %w", path, err)
	}
	if err := b.writer.WriteTable(path, t); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

func anchors(rows []store.Record) []timeline.Anchor {
	out := make([]timeline.Anchor, len(rows))
	for i, r := range rows {
		out[i] = timeline.Anchor{PatientID: r.PatientID, Date: r.Date}
	}
	return out
}

// project returns the deepest-level event of every chain row.
func project(chain []Row) []store.Record {
	out := make([]store.Record, len(chain))
	for i, r := range chain {
		out[i] = r.Last()
	}
	return out
}

// tails narrows matched pairs to their target level, without duplicates.
func tails(matched []Row, level int) []Row {
	rows := make([]Row, len(matched))
	for i, r := range matched {
		rows[i] = Row{First: level, Cells: []store.Record{r.Last()}}
	}
	return dedupRows(rows)
}
