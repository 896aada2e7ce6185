// Package runs executes studies: it finds the cohort, then builds every
// patient group's chain in isolation and records the outcome.
package runs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/synaptica-ai/eventchain/pkg/chain"
	"github.com/synaptica-ai/eventchain/pkg/cohort"
	"github.com/synaptica-ai/eventchain/pkg/common/logger"
	"github.com/synaptica-ai/eventchain/pkg/events"
	"github.com/synaptica-ai/eventchain/pkg/experiment"
	"github.com/synaptica-ai/eventchain/pkg/observability/metrics"
	"github.com/synaptica-ai/eventchain/pkg/output"
	"github.com/synaptica-ai/eventchain/pkg/store"
	"github.com/synaptica-ai/eventchain/pkg/terminology"
	"gorm.io/datatypes"
)

const eventSource = "eventchain.runner"

// Lifecycle event types.
const (
	EventStudyStarted   = "study.started"
	EventGroupCompleted = "group.completed"
	EventGroupFailed    = "group.failed"
	EventStudyCompleted = "study.completed"
)

// Publisher receives run lifecycle events.
type Publisher interface {
	PublishEvent(ctx context.Context, eventType string, source string, data map[string]interface{}) error
}

// GatewayFactory opens a gateway with its own connection. The returned func
// releases it.
type GatewayFactory func(ctx context.Context) (store.Gateway, func() error, error)

type Options struct {
	OutputDir    string
	IncludeICD9  bool
	GroupWorkers int
	EventWorkers int
	Now          func() time.Time
}

type Runner struct {
	gateways  GatewayFactory
	catalog   terminology.Catalog
	writer    output.Writer
	ledger    Ledger
	publisher Publisher
	opts      Options
	workerSem chan struct{}
}

func NewRunner(gateways GatewayFactory, catalog terminology.Catalog, writer output.Writer, ledger Ledger, publisher Publisher, opts Options) *Runner {
	if opts.GroupWorkers <= 0 {
		opts.GroupWorkers = 1
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if ledger == nil {
		ledger = NewMemoryLedger()
	}
	return &Runner{
		gateways:  gateways,
		catalog:   catalog,
		writer:    writer,
		ledger:    ledger,
		publisher: publisher,
		opts:      opts,
		workerSem: make(chan struct{}, opts.GroupWorkers),
	}
}

// GroupOutcome is how one patient group ended.
type GroupOutcome struct {
	Key      string
	Patients int
	Status   string
	Result   *chain.Result
	Err      error
}

func (g GroupOutcome) chainRows() int {
	if g.Result == nil {
		return 0
	}
	return g.Result.ChainRows
}

type Report struct {
	RunID    uuid.UUID
	Study    string
	Patients int
	Groups   []GroupOutcome

	began time.Time
}

// Failed lists the groups that ended in an error.
func (r *Report) Failed() []GroupOutcome {
	var out []GroupOutcome
	for _, g := range r.Groups {
		if g.Status == StatusFailed {
			out = append(out, g)
		}
	}
	return out
}

// Start records a queued run and executes it in the background.
func (r *Runner) Start(ctx context.Context, cfg *experiment.Config) (Run, error) {
	run, err := r.create(ctx, cfg)
	if err != nil {
		return Run{}, err
	}
	go func() {
		if _, err := r.execute(context.Background(), run.ID, cfg); err != nil {
			logger.Log.WithError(err).WithField("run_id", run.ID).Error("Study run failed")
		}
	}()
	return toDomain(run, nil), nil
}

// Run executes cfg to completion. Group failures are reported in the Report,
// not as an error; the error covers what stops the whole study.
func (r *Runner) Run(ctx context.Context, cfg *experiment.Config) (*Report, error) {
	run, err := r.create(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return r.execute(ctx, run.ID, cfg)
}

func (r *Runner) Get(ctx context.Context, id uuid.UUID) (Run, error) {
	run, err := r.ledger.GetRun(ctx, id)
	if err != nil {
		return Run{}, err
	}
	groups, err := r.ledger.ListGroups(ctx, id)
	if err != nil {
		return Run{}, err
	}
	return toDomain(run, groups), nil
}

func (r *Runner) List(ctx context.Context, limit int) ([]Run, error) {
	runs, err := r.ledger.ListRuns(ctx, limit)
	if err != nil {
		return nil, err
	}
	results := make([]Run, 0, len(runs))
	for _, run := range runs {
		item := run
		results = append(results, toDomain(&item, nil))
	}
	return results, nil
}

func (r *Runner) create(ctx context.Context, cfg *experiment.Config) (*RunModel, error) {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	now := r.opts.Now().UTC()
	run := &RunModel{
		ID:        uuid.New(),
		Study:     cfg.Name,
		OutputDir: output.NewPaths(r.opts.OutputDir, cfg.OutcomeDir).Root,
		Config:    datatypes.JSON(raw),
		Status:    StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.ledger.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to record run: %w", err)
	}
	return run, nil
}

func (r *Runner) execute(ctx context.Context, runID uuid.UUID, cfg *experiment.Config) (*Report, error) {
	log := logger.Log.WithFields(map[string]interface{}{"run_id": runID, "study": cfg.Name})
	report := &Report{RunID: runID, Study: cfg.Name, began: time.Now()}
	metrics.ObserveStudyStarted()

	start := r.opts.Now().UTC()
	if err := r.ledger.UpdateRunStatus(ctx, runID, StatusRunning, nil, ""); err != nil {
		log.WithError(err).Error("failed to mark run running")
	}
	if err := r.ledger.SetRunTimestamps(ctx, runID, &start, nil); err != nil {
		log.WithError(err).Error("failed to set start timestamp")
	}
	r.publish(ctx, EventStudyStarted, map[string]interface{}{"run_id": runID.String(), "study": cfg.Name})

	found, err := r.prepare(ctx, cfg)
	if errors.Is(err, cohort.ErrNoPatients) {
		r.finish(ctx, runID, report, StatusNoData, "")
		return report, nil
	}
	if err != nil {
		r.finish(ctx, runID, report, StatusFailed, err.Error())
		return report, err
	}
	report.Patients = found.Size()

	groups := make([]GroupModel, len(found.Groups))
	for i, g := range found.Groups {
		groups[i] = GroupModel{RunID: runID, GroupKey: g.Key, Patients: len(g.Patients), Status: StatusQueued, CreatedAt: start, UpdatedAt: start}
	}
	if err := r.ledger.CreateGroups(ctx, groups); err != nil {
		log.WithError(err).Error("failed to record groups")
	}

	report.Groups = make([]GroupOutcome, len(found.Groups))
	paths := output.NewPaths(r.opts.OutputDir, cfg.OutcomeDir)
	var wg sync.WaitGroup
	for i, g := range found.Groups {
		wg.Add(1)
		go func(i int, g cohort.Group) {
			defer wg.Done()
			r.workerSem <- struct{}{}
			defer func() { <-r.workerSem }()
			report.Groups[i] = r.runGroup(ctx, runID, cfg, paths, g)
		}(i, g)
	}
	wg.Wait()

	status := StatusCompleted
	if len(report.Failed()) == len(report.Groups) && len(report.Groups) > 0 {
		status = StatusFailed
	}
	r.finish(ctx, runID, report, status, "")
	return report, nil
}

// prepare lays out the output directory, finds the cohort and writes the
// study-wide tables.
func (r *Runner) prepare(ctx context.Context, cfg *experiment.Config) (*cohort.Cohort, error) {
	paths := output.NewPaths(r.opts.OutputDir, cfg.OutcomeDir)
	if err := paths.Prepare(len(cfg.Levels)); err != nil {
		return nil, err
	}
	gw, release, err := r.gateways(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open gateway: %w", err)
	}
	defer release()

	finder := cohort.NewFinder(events.NewResolver(gw, r.catalog, r.opts.EventWorkers), gw)
	found, err := finder.Find(ctx, cfg, r.opts.IncludeICD9)
	if err != nil {
		return nil, err
	}
	if err := output.WriteRows(paths.Patients(), output.PatientRows(found.Patients)); err != nil {
		return nil, err
	}
	meta, err := cohort.BuildEventsMetadata(ctx, gw, r.catalog, cfg)
	if err != nil {
		return nil, err
	}
	if err := output.WriteRows(paths.EventsMetadata(), output.EventCodeRows(meta)); err != nil {
		return nil, err
	}
	return found, nil
}

// runGroup builds one group on its own gateway. Whatever happens stays in
// this group.
func (r *Runner) runGroup(ctx context.Context, runID uuid.UUID, cfg *experiment.Config, paths output.Paths, g cohort.Group) GroupOutcome {
	log := logger.Log.WithFields(map[string]interface{}{"run_id": runID, "study": cfg.Name, "group": g.Key})
	outcome := GroupOutcome{Key: g.Key, Patients: len(g.Patients)}
	if err := r.ledger.UpdateGroup(ctx, runID, g.Key, StatusRunning, nil, ""); err != nil {
		log.WithError(err).Error("failed to mark group running")
	}

	res, err := r.buildGroup(ctx, cfg, paths, g)
	outcome.Result = res
	outcome.Err = err
	switch {
	case err == nil:
		outcome.Status = StatusCompleted
		log.WithField("rows", res.ChainRows).Info("Group completed")
	case chain.IsNoData(err):
		outcome.Status = StatusNoData
		log.WithError(err).Warn("Group produced no chain")
	default:
		outcome.Status = StatusFailed
		log.WithError(err).Error("Group failed")
	}

	var raw datatypes.JSON
	if res != nil {
		if b, mErr := json.Marshal(res); mErr == nil {
			raw = datatypes.JSON(b)
		}
	}
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	if uErr := r.ledger.UpdateGroup(ctx, runID, g.Key, outcome.Status, raw, msg); uErr != nil {
		log.WithError(uErr).Error("failed to record group outcome")
	}

	data := map[string]interface{}{
		"run_id":   runID.String(),
		"study":    cfg.Name,
		"group":    g.Key,
		"patients": len(g.Patients),
		"status":   outcome.Status,
	}
	eventType := EventGroupCompleted
	if err != nil {
		eventType = EventGroupFailed
		data["error"] = msg
	} else {
		data["chain_rows"] = res.ChainRows
	}
	r.publish(ctx, eventType, data)
	metrics.ObserveGroup(outcome.Status, outcome.chainRows())
	return outcome
}

func (r *Runner) buildGroup(ctx context.Context, cfg *experiment.Config, paths output.Paths, g cohort.Group) (*chain.Result, error) {
	gw, release, err := r.gateways(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open gateway: %w", err)
	}
	defer func() {
		if err := release(); err != nil {
			logger.Log.WithError(err).WithField("group", g.Key).Warn("failed to release gateway")
		}
	}()
	b := chain.NewBuilder(
		events.NewResolver(gw, r.catalog, r.opts.EventWorkers),
		r.catalog, r.writer, paths,
		chain.WithClock(r.opts.Now),
	)
	return b.Build(ctx, cfg, g, r.opts.IncludeICD9)
}

func (r *Runner) finish(ctx context.Context, runID uuid.UUID, report *Report, status, errorMessage string) {
	counts := map[string]int{}
	for _, g := range report.Groups {
		counts[g.Status]++
	}
	summary := map[string]interface{}{
		"patients":         report.Patients,
		"groups":           len(report.Groups),
		"groups_completed": counts[StatusCompleted],
		"groups_no_data":   counts[StatusNoData],
		"groups_failed":    counts[StatusFailed],
	}
	if err := r.ledger.UpdateRunStatus(ctx, runID, status, summary, errorMessage); err != nil {
		logger.Log.WithError(err).WithField("run_id", runID).Error("failed to mark run finished")
	}
	completed := r.opts.Now().UTC()
	if err := r.ledger.SetRunTimestamps(ctx, runID, nil, &completed); err != nil {
		logger.Log.WithError(err).WithField("run_id", runID).Error("failed to set completion timestamp")
	}
	data := map[string]interface{}{"run_id": runID.String(), "study": report.Study, "status": status}
	for k, v := range summary {
		data[k] = v
	}
	r.publish(ctx, EventStudyCompleted, data)
	metrics.ObserveStudyFinished(status, time.Since(report.began))
	logger.Log.WithFields(data).Info("Study run finished")
}

func (r *Runner) publish(ctx context.Context, eventType string, data map[string]interface{}) {
	if r.publisher == nil {
		return
	}
	if err := r.publisher.PublishEvent(ctx, eventType, eventSource, data); err != nil {
		logger.Log.WithError(err).WithField("event_type", eventType).Warn("failed to publish run event")
	}
}
