// Package cohort finds the index patients of a study and splits them into
// independently processed groups.
package cohort

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"unicode/utf8"

	"github.com/synaptica-ai/eventchain/pkg/common/logger"
	"github.com/synaptica-ai/eventchain/pkg/events"
	"github.com/synaptica-ai/eventchain/pkg/experiment"
	"github.com/synaptica-ai/eventchain/pkg/store"
)

var ErrNoPatients = errors.New("no patients matched the index level")

// Group is one slice of the cohort, keyed by the first character of its
// patient ids.
type Group struct {
	Key      string
	Patients []string
}

type Cohort struct {
	Groups   []Group
	Patients []store.Patient
}

// Size counts patients over all groups.
func (c *Cohort) Size() int {
	n := 0
	for _, g := range c.Groups {
		n += len(g.Patients)
	}
	return n
}

type Finder struct {
	events  *events.Resolver
	gateway store.Gateway
}

func NewFinder(resolver *events.Resolver, gateway store.Gateway) *Finder {
	return &Finder{events: resolver, gateway: gateway}
}

// Find resolves level 0 without any window or time frame, loads the
// demographics of the matched patients and groups them.
func (f *Finder) Find(ctx context.Context, cfg *experiment.Config, includeICD9 bool) (*Cohort, error) {
	if len(cfg.Levels) == 0 {
		return nil, fmt.Errorf("study %s has no index level", cfg.Name)
	}
	rows, err := f.events.ResolveLevel(ctx, cfg.Levels[0], nil, events.Options{IncludeICD9: includeICD9})
	if err != nil {
		return nil, fmt.Errorf("resolving index level: %w", err)
	}
	ids := distinctPatients(rows)
	if len(ids) == 0 {
		logger.Log.WithField("study", cfg.Name).Warn("No patients were found")
		return nil, ErrNoPatients
	}

	patients, err := f.gateway.QueryPatientInfo(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("loading patient metadata: %w", err)
	}
	sort.Slice(patients, func(i, j int) bool { return patients[i].PatientID < patients[j].PatientID })

	groups := Split(ids)
	logger.Log.WithFields(map[string]interface{}{
		"study":    cfg.Name,
		"patients": len(ids),
		"groups":   len(groups),
	}).Info("Index patients found")
	return &Cohort{Groups: groups, Patients: patients}, nil
}

func distinctPatients(rows []store.Record) []string {
	seen := make(map[string]struct{})
	var ids []string
	for _, r := range rows {
		if _, ok := seen[r.PatientID]; ok {
			continue
		}
		seen[r.PatientID] = struct{}{}
		ids = append(ids, r.PatientID)
	}
	sort.Strings(ids)
	return ids
}

// Split groups ids by their first character. Groups come back sorted by key
// and ids within a group keep their input order.
func Split(ids []string) []Group {
	index := make(map[string]int)
	var groups []Group
	for _, id := range ids {
		if id == "" {
			continue
		}
		r, size := utf8.DecodeRuneInString(id)
		key := id[:size]
		if r == utf8.RuneError {
			key = id[:1]
		}
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, Group{Key: key})
		}
		groups[i].Patients = append(groups[i].Patients, id)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Key < groups[j].Key })
	return groups
}
