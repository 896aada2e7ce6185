package cohort

import (
	"context"
	"fmt"
	"strings"

	"github.com/synaptica-ai/eventchain/pkg/experiment"
	"github.com/synaptica-ai/eventchain/pkg/store"
	"github.com/synaptica-ai/eventchain/pkg/terminology"
)

const NoDescription = "No Description"

// EventCode describes one code of one configured event.
type EventCode struct {
	Code        string
	Category    string
	Description string
	EventName   string
	EventID     string
	Level       string
}

// BuildEventsMetadata lists the description of every code of every top-level
// event. A negated event gets a single row carrying its absence code.
func BuildEventsMetadata(ctx context.Context, gw store.Gateway, catalog terminology.Catalog, cfg *experiment.Config) ([]EventCode, error) {
	var out []EventCode
	seen := make(map[EventCode]struct{})
	add := func(ec EventCode) {
		if _, ok := seen[ec]; ok {
			return
		}
		seen[ec] = struct{}{}
		out = append(out, ec)
	}

	for _, lvl := range cfg.Levels {
		for _, ev := range lvl.Events {
			descriptions, err := describe(ctx, gw, catalog, ev)
			if err != nil {
				return nil, fmt.Errorf("describing event %s: %w", ev.ID, err)
			}
			row := EventCode{
				Category:  string(ev.Category),
				EventName: ev.Name,
				EventID:   ev.ID,
				Level:     lvl.DisplayName(),
			}
			if ev.Negation {
				var texts []string
				seenText := make(map[string]struct{})
				for _, c := range ev.Codes {
					for _, d := range descriptions[c] {
						if _, ok := seenText[d]; !ok {
							seenText[d] = struct{}{}
							texts = append(texts, d)
						}
					}
				}
				row.Code = experiment.NegativeCode(ev.Codes)
				row.Description = experiment.NegationWord + " [" + strings.Join(texts, "| ") + "]"
				add(row)
				continue
			}
			for _, c := range ev.Codes {
				for _, d := range descriptions[c] {
					row.Code = c
					row.Description = d
					add(row)
				}
			}
		}
	}
	return out, nil
}

// describe maps each code of ev to its distinct descriptions. Codes the
// terminology table does not know get NoDescription.
func describe(ctx context.Context, gw store.Gateway, catalog terminology.Catalog, ev experiment.Event) (map[string][]string, error) {
	out := make(map[string][]string)
	var lookup []string
	for _, c := range ev.Codes {
		if c == experiment.DeathCode {
			out[c] = []string{experiment.DeathCode}
			continue
		}
		lookup = append(lookup, c)
	}
	if len(lookup) > 0 {
		var systems []string
		if src, ok := catalog.Lookup(ev.Category); ok {
			systems = src.CodeSystems
		}
		rows, err := gw.QueryCodeDescriptions(ctx, lookup, systems)
		if err != nil {
			return nil, err
		}
		for _, r := range rows {
			d := r.Description
			if strings.TrimSpace(d) == "" {
				d = NoDescription
			}
			if !containsString(out[r.Code], d) {
				out[r.Code] = append(out[r.Code], d)
			}
		}
	}
	for _, c := range lookup {
		if len(out[c]) == 0 {
			out[c] = []string{NoDescription}
		}
	}
	return out, nil
}

func containsString(values []string, v string) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}
