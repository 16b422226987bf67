// Package sync orchestrates the dashboard data layer: it selects a data
// source, runs load cycles that normalize raw resources into one composite
// DashboardSnapshot, caches exactly one live snapshot, and fans each new
// snapshot out to an observer registry. The remote source degrades to the
// embedded mock fixtures without ever surfacing an error to subscribers.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"math/rand"
	"sort"
	stdsync "sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinsync/dashboard/internal/adapter"
	"github.com/clinsync/dashboard/internal/analytics"
	"github.com/clinsync/dashboard/internal/fhir"
	"github.com/clinsync/dashboard/internal/model"
	"github.com/clinsync/dashboard/internal/source"
	"github.com/clinsync/dashboard/internal/timeline"
)

// State is the coordinator's connection state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateMockOnly     State = "mock-only"
	// StateDegraded means the remote source was requested but the layer is
	// serving mock data after a failed probe or query.
	StateDegraded State = "degraded"
)

// ErrDestroyed is returned by operations invoked after Destroy.
var ErrDestroyed = errors.New("sync coordinator destroyed")

// DefaultSyncInterval is the periodic refresh period while connected.
const DefaultSyncInterval = 30 * time.Second

// Status is the observable sync state exposed to the UI.
type Status struct {
	State      State     `json:"state"`
	Source     string    `json:"source"`
	LastSyncAt time.Time `json:"last_sync_at"`
	LastError  string    `json:"last_error,omitempty"`
	CycleCount int       `json:"cycle_count"`
}

// SubscriberFunc receives each newly cached snapshot. A panicking subscriber
// is isolated and logged; it never blocks delivery to the others.
type SubscriberFunc func(*model.DashboardSnapshot)

// cycle is one in-flight load. Concurrent Refresh callers wait on done and
// share the published result, so at most one round of fetches runs at a time.
type cycle struct {
	done chan struct{}
	snap *model.DashboardSnapshot
	err  error
}

// Coordinator composes the source clients, the resource adapter, the
// analytics engine and the timeline enricher behind one explicit instance.
// Construct it once at application start and pass it by reference.
type Coordinator struct {
	remote    source.Client
	mock      source.Client
	engine    *analytics.Engine
	generator timeline.Generator
	logger    zerolog.Logger
	interval  time.Duration
	now       func() time.Time

	mu          stdsync.Mutex
	rng         *rand.Rand
	state       State
	active      source.Client
	snapshot    *model.DashboardSnapshot
	subscribers map[uuid.UUID]SubscriberFunc
	enrichCache map[string][]model.TimelineEvent
	inflight    *cycle
	stopCh      chan struct{}
	lastSyncAt  time.Time
	lastError   string
	cycleCount  int
	destroyed   bool
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithEngine replaces the analytics engine.
func WithEngine(e *analytics.Engine) Option {
	return func(c *Coordinator) { c.engine = e }
}

// WithGenerator sets the timeline enrichment collaborator. Without one,
// timelines are served un-enriched.
func WithGenerator(g timeline.Generator) Option {
	return func(c *Coordinator) { c.generator = g }
}

// WithInterval overrides the periodic refresh period.
func WithInterval(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.interval = d
		}
	}
}

// WithClock injects the time source, used by tests.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithSeed reseeds the deterministic generator that fills wait times for
// patients with no active encounter.
func WithSeed(seed int64) Option {
	return func(c *Coordinator) { c.rng = rand.New(rand.NewSource(seed)) }
}

// New creates a Coordinator in the disconnected state.
func New(remote, mock source.Client, logger zerolog.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		remote:      remote,
		mock:        mock,
		engine:      analytics.NewEngine(),
		logger:      logger.With().Str("component", "sync").Logger(),
		interval:    DefaultSyncInterval,
		now:         time.Now,
		rng:         rand.New(rand.NewSource(1)),
		state:       StateDisconnected,
		subscribers: make(map[uuid.UUID]SubscriberFunc),
		enrichCache: make(map[string][]model.TimelineEvent),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Initialize selects a source, runs one full load cycle, and, when connected
// to the remote source, starts the periodic refresh timer. It fails closed:
// an unreachable remote falls back to mock data and the error is reflected
// in Status, never returned. The only error condition is a destroyed
// coordinator or a cancelled context.
func (c *Coordinator) Initialize(ctx context.Context, useRemote bool) (*model.DashboardSnapshot, error) {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return nil, ErrDestroyed
	}

	switch {
	case !useRemote || c.remote == nil:
		c.state = StateMockOnly
		c.active = c.mock
	default:
		c.state = StateConnecting
		c.mu.Unlock()

		connected := c.remote.TestConnection(ctx)

		c.mu.Lock()
		if c.destroyed {
			c.mu.Unlock()
			return nil, ErrDestroyed
		}
		if connected {
			c.state = StateConnected
			c.active = c.remote
		} else {
			c.state = StateDegraded
			c.active = c.mock
			c.lastError = "remote source unreachable, serving mock data"
			c.logger.Warn().Msg("remote source unreachable, falling back to mock")
		}
	}
	connected := c.state == StateConnected
	c.mu.Unlock()

	snap, err := c.Refresh(ctx)
	if err != nil {
		return nil, err
	}

	if connected {
		c.startPeriodicSync()
	}
	return snap, nil
}

// Subscribe registers a snapshot observer and returns its unsubscribe
// function. The registry is keyed by handle, so unsubscribing is independent
// of closure identity and safe to call more than once.
func (c *Coordinator) Subscribe(fn SubscriberFunc) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.destroyed || fn == nil {
		return func() {}
	}

	id := uuid.New()
	c.subscribers[id] = fn

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subscribers, id)
	}
}

// SubscriberCount reports the number of registered observers.
func (c *Coordinator) SubscriberCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subscribers)
}

// Snapshot returns the currently cached snapshot, nil before the first
// completed cycle.
func (c *Coordinator) Snapshot() *model.DashboardSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot
}

// Status reports the observable sync state.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	name := ""
	if c.active != nil {
		name = c.active.Name()
	}
	return Status{
		State:      c.state,
		Source:     name,
		LastSyncAt: c.lastSyncAt,
		LastError:  c.lastError,
		CycleCount: c.cycleCount,
	}
}

// Refresh forces an out-of-band load cycle. When a cycle is already in
// flight the caller waits for it and receives its snapshot instead of
// starting a second round of fetches.
func (c *Coordinator) Refresh(ctx context.Context) (*model.DashboardSnapshot, error) {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return nil, ErrDestroyed
	}
	if inflight := c.inflight; inflight != nil {
		c.mu.Unlock()
		select {
		case <-inflight.done:
			return inflight.snap, inflight.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	cy := &cycle{done: make(chan struct{})}
	c.inflight = cy
	active := c.active
	if active == nil {
		active = c.mock
		c.active = active
	}
	c.mu.Unlock()

	snap := c.buildSnapshot(ctx, active)

	c.mu.Lock()
	c.inflight = nil
	if c.destroyed {
		// Best-effort cancellation: the cycle finished after Destroy, so its
		// result is discarded and nobody is notified.
		c.mu.Unlock()
		cy.err = ErrDestroyed
		close(cy.done)
		return nil, ErrDestroyed
	}
	c.snapshot = snap
	c.lastSyncAt = c.now()
	c.cycleCount++
	subs := make([]SubscriberFunc, 0, len(c.subscribers))
	for _, fn := range c.subscribers {
		subs = append(subs, fn)
	}
	c.mu.Unlock()

	c.notify(subs, snap)

	cy.snap = snap
	close(cy.done)
	return snap, nil
}

// notify delivers the snapshot to every observer, isolating panics so one
// faulty subscriber cannot starve the rest.
func (c *Coordinator) notify(subs []SubscriberFunc, snap *model.DashboardSnapshot) {
	for _, fn := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error().Interface("panic", r).Msg("subscriber panicked, continuing delivery")
				}
			}()
			fn(snap)
		}()
	}
}

// startPeriodicSync arms the refresh timer, replacing any previous timer so
// at most one is ever active.
func (c *Coordinator) startPeriodicSync() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	if c.stopCh != nil {
		close(c.stopCh)
	}
	stopCh := make(chan struct{})
	c.stopCh = stopCh
	interval := c.interval
	c.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := c.Refresh(context.Background()); err != nil && !errors.Is(err, ErrDestroyed) {
					c.logger.Warn().Err(err).Msg("periodic refresh failed")
				}
			case <-stopCh:
				return
			}
		}
	}()
}

// StopPeriodicSync cancels the refresh timer. Safe to call when no timer is
// running.
func (c *Coordinator) StopPeriodicSync() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopCh != nil {
		close(c.stopCh)
		c.stopCh = nil
	}
}

// Destroy stops the timer and clears all subscriptions and cached enrichment
// state. It is idempotent. A cycle still in flight discards its result.
func (c *Coordinator) Destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.destroyed {
		return
	}
	c.destroyed = true
	if c.stopCh != nil {
		close(c.stopCh)
		c.stopCh = nil
	}
	c.subscribers = make(map[uuid.UUID]SubscriberFunc)
	c.enrichCache = make(map[string][]model.TimelineEvent)
	c.state = StateDisconnected
	c.logger.Info().Msg("sync coordinator destroyed")
}

// ---------------------------------------------------------------------------
// Load cycle
// ---------------------------------------------------------------------------

// buildSnapshot runs one full load: fetch, normalize, derive, assemble. The
// snapshot is fully formed in memory before the caller caches or publishes
// it. A remote source yielding no patients triggers the mock fallback.
func (c *Coordinator) buildSnapshot(ctx context.Context, active source.Client) *model.DashboardSnapshot {
	now := c.now()

	rawPatients := active.Search(ctx, fhir.TypePatient, source.Params{
		source.ParamCount: "50",
		source.ParamSort:  "-_lastUpdated",
	})

	if len(rawPatients) == 0 && active.Name() == source.NameRemote {
		c.logger.Warn().Msg("remote source returned no patients, falling back to mock")
		c.mu.Lock()
		if !c.destroyed {
			c.state = StateDegraded
			c.active = c.mock
			c.lastError = "remote search returned no data"
		}
		c.mu.Unlock()
		active = c.mock
		rawPatients = active.Search(ctx, fhir.TypePatient, source.Params{source.ParamCount: "50"})
	}

	rawObservations := active.Search(ctx, fhir.TypeObservation, source.Params{
		source.ParamCount:    "100",
		source.ParamCategory: "vital-signs",
	})
	rawEncounters := active.Search(ctx, fhir.TypeEncounter, source.Params{
		source.ParamCount: "20",
	})
	rawReports := active.Search(ctx, fhir.TypeDiagnosticReport, source.Params{
		source.ParamCount: "50",
	})

	encounters := c.normalizeEncounters(rawEncounters, now)
	events := c.normalizeReports(rawReports)
	patients := c.assemblePatients(rawPatients, rawObservations, encounters, now)
	analyticsSnap := c.engine.ComputeAnalytics(encounters, events)

	return &model.DashboardSnapshot{
		KPIs:        computeKPIs(patients),
		Patients:    patients,
		Departments: computeDepartments(patients),
		Alerts:      deriveAlerts(patients, now),
		Analytics:   &analyticsSnap,
		Source:      active.Name(),
		GeneratedAt: now,
	}
}

func (c *Coordinator) normalizeEncounters(raws []json.RawMessage, now time.Time) []model.EncounterRecord {
	out := make([]model.EncounterRecord, 0, len(raws))
	for _, raw := range raws {
		rec, err := adapter.NormalizeEncounter(raw, now)
		if err != nil {
			c.logger.Warn().Err(err).Msg("skipping malformed encounter")
			continue
		}
		out = append(out, rec)
	}
	return out
}

func (c *Coordinator) normalizeReports(raws []json.RawMessage) []model.DiagnosticEvent {
	out := make([]model.DiagnosticEvent, 0, len(raws))
	for _, raw := range raws {
		ev, err := adapter.NormalizeDiagnosticReport(raw)
		if err != nil {
			c.logger.Warn().Err(err).Msg("skipping malformed diagnostic report")
			continue
		}
		out = append(out, ev)
	}
	return out
}

// assemblePatients normalizes the patient batch, attaches vitals, and
// overlays status, priority, department and wait time from each patient's
// most recent encounter. Duplicate ids are dropped; patients with no
// encounter receive a deterministic wait-time fill so mock data stays
// reproducible.
func (c *Coordinator) assemblePatients(rawPatients, rawObservations []json.RawMessage, encounters []model.EncounterRecord, now time.Time) []model.PatientSummary {
	latest := make(map[string]model.EncounterRecord, len(encounters))
	for _, enc := range encounters {
		prev, ok := latest[enc.PatientID]
		if !ok || enc.StartTime.After(prev.StartTime) {
			latest[enc.PatientID] = enc
		}
	}

	seen := make(map[string]struct{}, len(rawPatients))
	out := make([]model.PatientSummary, 0, len(rawPatients))
	for _, raw := range rawPatients {
		summary, err := adapter.NormalizePatient(raw, now)
		if err != nil {
			c.logger.Warn().Err(err).Msg("skipping malformed patient")
			continue
		}
		if _, dup := seen[summary.ID]; dup {
			continue
		}
		seen[summary.ID] = struct{}{}

		vitals := adapter.NormalizeObservationsToVitals(rawObservations, summary.ID)
		summary.Vitals = &vitals

		if enc, ok := latest[summary.ID]; ok {
			summary.Status = adapter.StatusFromEncounter(enc)
			summary.Priority = enc.Priority
			if enc.Department != "" {
				summary.Department = enc.Department
			}
			if summary.Status == model.StatusWaiting || summary.Status == model.StatusInTreatment {
				if wait := int(now.Sub(enc.StartTime).Minutes()); wait > 0 {
					summary.WaitTimeMinutes = wait
				}
			}
		} else {
			c.mu.Lock()
			summary.WaitTimeMinutes = 5 + c.rng.Intn(41)
			c.mu.Unlock()
			summary.Status = model.StatusWaiting
		}

		out = append(out, summary)
	}
	return out
}

// ---------------------------------------------------------------------------
// Timeline
// ---------------------------------------------------------------------------

// GetPatientTimeline fetches the patient's encounter history from the active
// source, converts it to clinical timeline events, merges cached enrichment
// events for the patient, and returns the sequence sorted descending by
// timestamp. The shared snapshot is never touched.
func (c *Coordinator) GetPatientTimeline(ctx context.Context, patientID string) ([]model.TimelineEvent, error) {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return nil, ErrDestroyed
	}
	active := c.active
	if active == nil {
		active = c.mock
	}
	c.mu.Unlock()

	raws := active.Search(ctx, fhir.TypeEncounter, source.Params{
		source.ParamPatient: patientID,
		source.ParamCount:   "20",
		source.ParamSort:    "-date",
	})

	now := c.now()
	clinical := make([]model.TimelineEvent, 0, len(raws))
	for _, raw := range raws {
		rec, err := adapter.NormalizeEncounter(raw, now)
		if err != nil {
			continue
		}
		clinical = append(clinical, encounterEvent(rec))
	}

	enrichment := c.enrichmentFor(ctx, patientID)
	return timeline.Merge(clinical, enrichment), nil
}

// enrichmentFor returns the cached enrichment events for a patient,
// consulting the collaborator on first use. A collaborator failure degrades
// to an empty list and is not cached, so a later call may recover.
func (c *Coordinator) enrichmentFor(ctx context.Context, patientID string) []model.TimelineEvent {
	c.mu.Lock()
	if cached, ok := c.enrichCache[patientID]; ok {
		c.mu.Unlock()
		return cached
	}
	generator := c.generator
	snap := c.snapshot
	c.mu.Unlock()

	if generator == nil {
		return nil
	}

	patient := model.PatientSummary{ID: patientID}
	if snap != nil {
		for _, p := range snap.Patients {
			if p.ID == patientID {
				patient = p
				break
			}
		}
	}

	result, err := generator.GenerateTimeline(ctx, patient)
	if err != nil || result == nil {
		c.logger.Warn().Err(err).Str("patient_id", patientID).Msg("enrichment unavailable, serving clinical timeline only")
		return nil
	}

	c.mu.Lock()
	if !c.destroyed {
		c.enrichCache[patientID] = result.TimelineEvents
	}
	c.mu.Unlock()
	return result.TimelineEvents
}

func encounterEvent(rec model.EncounterRecord) model.TimelineEvent {
	desc := rec.Reason
	if desc == "" {
		desc = "Encounter"
	}
	if rec.Department != "" && rec.Department != adapter.DefaultDepartment {
		desc += " (" + rec.Department + ")"
	}
	status := "completed"
	if rec.EndTime == nil {
		status = "pending"
	}
	return model.TimelineEvent{
		ID:          rec.ID,
		PatientID:   rec.PatientID,
		Timestamp:   rec.StartTime,
		Kind:        model.KindClinical,
		Description: desc,
		Priority:    rec.Priority,
		Status:      status,
	}
}

// ---------------------------------------------------------------------------
// Snapshot roll-ups
// ---------------------------------------------------------------------------

func computeKPIs(patients []model.PatientSummary) model.KPISet {
	kpis := model.KPISet{TotalPatients: len(patients)}
	waitSum := 0
	for _, p := range patients {
		switch p.Status {
		case model.StatusWaiting:
			kpis.Waiting++
		case model.StatusInTreatment:
			kpis.InTreatment++
		case model.StatusAdmitted:
			kpis.Admitted++
		}
		if p.Priority == model.PriorityUrgent {
			kpis.Critical++
		}
		waitSum += p.WaitTimeMinutes
	}
	if len(patients) > 0 {
		kpis.AvgWaitMinutes = math.Round(float64(waitSum)/float64(len(patients))*10) / 10
	}
	return kpis
}

func computeDepartments(patients []model.PatientSummary) []model.DepartmentStats {
	byName := make(map[string]*model.DepartmentStats)
	waitSums := make(map[string]int)
	for _, p := range patients {
		dept := byName[p.Department]
		if dept == nil {
			dept = &model.DepartmentStats{Name: p.Department}
			byName[p.Department] = dept
		}
		dept.Patients++
		if p.Status == model.StatusWaiting {
			dept.Waiting++
		}
		waitSums[p.Department] += p.WaitTimeMinutes
	}

	out := make([]model.DepartmentStats, 0, len(byName))
	for name, dept := range byName {
		if dept.Patients > 0 {
			dept.AvgWaitMinutes = math.Round(float64(waitSums[name])/float64(dept.Patients)*10) / 10
		}
		out = append(out, *dept)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Alert thresholds for derived display warnings.
const (
	alertSpO2Critical  = 90.0
	alertHeartRateHigh = 120.0
	alertWaitMinutes   = 60
)

func deriveAlerts(patients []model.PatientSummary, now time.Time) []model.Alert {
	var alerts []model.Alert
	add := func(p model.PatientSummary, severity model.AlertSeverity, msg string) {
		alerts = append(alerts, model.Alert{
			ID:        uuid.NewString(),
			PatientID: p.ID,
			Severity:  severity,
			Message:   msg,
			CreatedAt: now,
		})
	}

	for _, p := range patients {
		if p.Vitals != nil {
			if p.Vitals.SpO2Percent.Valid && p.Vitals.SpO2Percent.Value < alertSpO2Critical {
				add(p, model.SeverityCritical, p.Name+": oxygen saturation below 90%")
			}
			if p.Vitals.HeartRate.Valid && p.Vitals.HeartRate.Value > alertHeartRateHigh {
				add(p, model.SeverityWarning, p.Name+": heart rate above 120 bpm")
			}
		}
		if p.Status == model.StatusWaiting && p.WaitTimeMinutes > alertWaitMinutes {
			add(p, model.SeverityWarning, p.Name+": waiting over 60 minutes")
		}
	}
	return alerts
}
