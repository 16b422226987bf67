package sync

import (
	"context"
	"encoding/json"
	stdsync "sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/clinsync/dashboard/internal/fhir"
	"github.com/clinsync/dashboard/internal/model"
	"github.com/clinsync/dashboard/internal/source"
	"github.com/clinsync/dashboard/internal/timeline"
)

// ===== Test doubles =====

// fakeClient is a scriptable source.Client. An optional gate holds Search
// until released so tests can overlap load cycles deterministically.
type fakeClient struct {
	mu        stdsync.Mutex
	name      string
	connected bool
	data      map[string][]json.RawMessage
	searches  map[string]int
	gate      chan struct{}
	entered   chan struct{}
}

func newFakeClient(name string, connected bool) *fakeClient {
	return &fakeClient{
		name:      name,
		connected: connected,
		data:      make(map[string][]json.RawMessage),
		searches:  make(map[string]int),
	}
}

func (f *fakeClient) Name() string { return f.name }

func (f *fakeClient) TestConnection(_ context.Context) bool { return f.connected }

func (f *fakeClient) Search(_ context.Context, resourceType string, _ source.Params) []json.RawMessage {
	f.mu.Lock()
	f.searches[resourceType]++
	gate := f.gate
	entered := f.entered
	out := f.data[resourceType]
	f.mu.Unlock()

	if entered != nil && resourceType == fhir.TypePatient {
		select {
		case entered <- struct{}{}:
		default:
		}
	}
	if gate != nil && resourceType == fhir.TypePatient {
		<-gate
	}
	return out
}

func (f *fakeClient) GetResource(_ context.Context, resourceType, id string) json.RawMessage {
	for _, raw := range f.data[resourceType] {
		var probe struct {
			ID string `json:"id"`
		}
		if json.Unmarshal(raw, &probe) == nil && probe.ID == id {
			return raw
		}
	}
	return nil
}

func (f *fakeClient) searchCount(resourceType string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.searches[resourceType]
}

func rawPatient(id, family string) json.RawMessage {
	return json.RawMessage(`{"resourceType":"Patient","id":"` + id + `","name":[{"family":"` + family + `","given":["Alex"]}],"birthDate":"1990-01-15","gender":"female"}`)
}

// fakeGenerator counts calls and can be scripted to fail.
type fakeGenerator struct {
	mu    stdsync.Mutex
	calls int
	fail  bool
}

func (g *fakeGenerator) GenerateTimeline(_ context.Context, patient model.PatientSummary) (*timeline.EnrichmentResult, error) {
	g.mu.Lock()
	g.calls++
	fail := g.fail
	g.mu.Unlock()
	if fail {
		return nil, context.DeadlineExceeded
	}
	return &timeline.EnrichmentResult{
		TimelineEvents: []model.TimelineEvent{{
			ID:          "enr-" + patient.ID,
			PatientID:   patient.ID,
			Timestamp:   time.Date(2025, 8, 20, 9, 0, 0, 0, time.UTC),
			Kind:        model.KindEnrichment,
			Description: "generated",
			Status:      "completed",
		}},
		Confidence: 0.7,
	}, nil
}

func (g *fakeGenerator) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func mustMock(t *testing.T) *source.MockClient {
	t.Helper()
	mock, err := source.NewMockClient(zerolog.Nop())
	if err != nil {
		t.Fatalf("loading mock fixtures: %v", err)
	}
	return mock
}

// ===== Initialization and fallback =====

func TestInitialize_MockOnly(t *testing.T) {
	c := New(nil, mustMock(t), zerolog.Nop())

	snap, err := c.Initialize(context.Background(), false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snap == nil {
		t.Fatal("expected a snapshot")
	}
	st := c.Status()
	if st.State != StateMockOnly {
		t.Errorf("expected state %q, got %q", StateMockOnly, st.State)
	}
	if st.Source != source.NameMock {
		t.Errorf("expected source %q, got %q", source.NameMock, st.Source)
	}
	if st.CycleCount != 1 {
		t.Errorf("expected 1 cycle, got %d", st.CycleCount)
	}
}

func TestInitialize_UnreachableRemoteFallsBackToMock(t *testing.T) {
	remote := newFakeClient(source.NameRemote, false)
	c := New(remote, mustMock(t), zerolog.Nop())

	snap, err := c.Initialize(context.Background(), true)
	if err != nil {
		t.Fatalf("fallback must not surface an error, got: %v", err)
	}
	if snap == nil || len(snap.Patients) == 0 {
		t.Fatal("expected mock-backed snapshot with patients")
	}
	st := c.Status()
	if st.State != StateDegraded {
		t.Errorf("expected state %q, got %q", StateDegraded, st.State)
	}
	if st.Source != source.NameMock {
		t.Errorf("expected active source %q, got %q", source.NameMock, st.Source)
	}
	if st.LastError == "" {
		t.Error("expected last error to explain the fallback")
	}
	if remote.searchCount(fhir.TypePatient) != 0 {
		t.Error("failed probe must not be followed by remote searches")
	}
}

func TestRefresh_RemoteEmptyFallsBackMidCycle(t *testing.T) {
	remote := newFakeClient(source.NameRemote, true)
	c := New(remote, mustMock(t), zerolog.Nop())

	snap, err := c.Initialize(context.Background(), true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer c.Destroy()

	if snap.Source != source.NameMock {
		t.Errorf("expected snapshot sourced from mock, got %q", snap.Source)
	}
	if len(snap.Patients) == 0 {
		t.Error("expected mock patients after empty remote result")
	}
	if c.Status().State != StateDegraded {
		t.Errorf("expected degraded state, got %q", c.Status().State)
	}
}

func TestInitialize_ConnectedRemoteServesRemoteData(t *testing.T) {
	remote := newFakeClient(source.NameRemote, true)
	remote.data[fhir.TypePatient] = []json.RawMessage{rawPatient("r1", "Voss")}
	c := New(remote, mustMock(t), zerolog.Nop(), WithInterval(time.Hour))

	snap, err := c.Initialize(context.Background(), true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer c.Destroy()

	if snap.Source != source.NameRemote {
		t.Errorf("expected remote-sourced snapshot, got %q", snap.Source)
	}
	if len(snap.Patients) != 1 || snap.Patients[0].ID != "r1" {
		t.Fatalf("expected single remote patient r1, got %+v", snap.Patients)
	}
	if c.Status().State != StateConnected {
		t.Errorf("expected connected state, got %q", c.Status().State)
	}
}

// ===== Snapshot contents from embedded fixtures =====

func TestRefresh_MockFixtureSnapshot(t *testing.T) {
	c := New(nil, mustMock(t), zerolog.Nop())
	snap, err := c.Initialize(context.Background(), false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	seen := make(map[string]model.PatientSummary)
	for _, p := range snap.Patients {
		if _, dup := seen[p.ID]; dup {
			t.Errorf("duplicate patient id %q in snapshot", p.ID)
		}
		seen[p.ID] = p
	}
	if len(seen) != 3 {
		t.Fatalf("expected 3 unique patients, got %d", len(seen))
	}

	p1, ok := seen["pat-001"]
	if !ok {
		t.Fatal("pat-001 missing from snapshot")
	}
	if p1.Vitals == nil || !p1.Vitals.HeartRate.Valid || p1.Vitals.HeartRate.Value != 120 {
		t.Errorf("expected pat-001 heart rate 120, got %+v", p1.Vitals)
	}
	if !p1.Vitals.SpO2Percent.Valid || p1.Vitals.SpO2Percent.Value != 88 {
		t.Errorf("expected pat-001 SpO2 88, got %+v", p1.Vitals.SpO2Percent)
	}

	p2 := seen["pat-002"]
	if p2.Vitals == nil {
		t.Fatal("pat-002 must carry a vitals snapshot even with no observations")
	}
	if p2.Vitals.HeartRate.Valid || p2.Vitals.BloodPressure.Valid || p2.Vitals.TemperatureC.Valid {
		t.Errorf("expected pat-002 vitals all absent, got %+v", p2.Vitals)
	}

	if snap.Analytics == nil {
		t.Fatal("expected analytics in every snapshot")
	}
	if snap.Analytics.Turnaround["lab"] == 0 {
		t.Error("expected a lab turnaround derived from fixture reports")
	}

	// pat-001's SpO2 of 88 must raise a critical alert.
	var critical bool
	for _, a := range snap.Alerts {
		if a.PatientID == "pat-001" && a.Severity == model.SeverityCritical {
			critical = true
		}
	}
	if !critical {
		t.Error("expected critical SpO2 alert for pat-001")
	}

	if snap.KPIs.TotalPatients != 3 {
		t.Errorf("expected KPI total 3, got %d", snap.KPIs.TotalPatients)
	}
}

// ===== Subscribers =====

func TestSubscribe_DeliveryAndUnsubscribe(t *testing.T) {
	c := New(nil, mustMock(t), zerolog.Nop())

	var mu stdsync.Mutex
	got := 0
	unsubscribe := c.Subscribe(func(*model.DashboardSnapshot) {
		mu.Lock()
		got++
		mu.Unlock()
	})
	if c.SubscriberCount() != 1 {
		t.Fatalf("expected 1 subscriber, got %d", c.SubscriberCount())
	}

	if _, err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	mu.Lock()
	if got != 1 {
		t.Errorf("expected 1 delivery, got %d", got)
	}
	mu.Unlock()

	unsubscribe()
	unsubscribe() // calling twice is harmless
	if c.SubscriberCount() != 0 {
		t.Errorf("expected 0 subscribers after unsubscribe, got %d", c.SubscriberCount())
	}

	if _, err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	mu.Lock()
	if got != 1 {
		t.Errorf("unsubscribed observer must not receive snapshots, got %d deliveries", got)
	}
	mu.Unlock()
}

func TestRefresh_PanickingSubscriberIsIsolated(t *testing.T) {
	c := New(nil, mustMock(t), zerolog.Nop())

	c.Subscribe(func(*model.DashboardSnapshot) { panic("observer bug") })
	var mu stdsync.Mutex
	delivered := false
	c.Subscribe(func(snap *model.DashboardSnapshot) {
		mu.Lock()
		delivered = snap != nil
		mu.Unlock()
	})

	if _, err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if !delivered {
		t.Error("a panicking subscriber must not block delivery to the others")
	}
}

// ===== Refresh serialization =====

func TestRefresh_OverlappingCallsShareOneCycle(t *testing.T) {
	mock := newFakeClient(source.NameMock, true)
	mock.data[fhir.TypePatient] = []json.RawMessage{rawPatient("p1", "Ishida")}
	mock.gate = make(chan struct{})
	mock.entered = make(chan struct{}, 1)

	c := New(nil, mock, zerolog.Nop())

	type result struct {
		snap *model.DashboardSnapshot
		err  error
	}
	first := make(chan result, 1)
	go func() {
		snap, err := c.Refresh(context.Background())
		first <- result{snap, err}
	}()
	<-mock.entered // first cycle is inside its fetch round

	second := make(chan result, 1)
	go func() {
		snap, err := c.Refresh(context.Background())
		second <- result{snap, err}
	}()

	// Give the second caller time to park on the in-flight cycle, then
	// release the fetch.
	time.Sleep(20 * time.Millisecond)
	close(mock.gate)

	r1 := <-first
	r2 := <-second
	if r1.err != nil || r2.err != nil {
		t.Fatalf("unexpected errors: %v / %v", r1.err, r2.err)
	}
	if r1.snap != r2.snap {
		t.Error("overlapping callers must share the same published snapshot")
	}
	if n := mock.searchCount(fhir.TypePatient); n != 1 {
		t.Errorf("expected exactly one patient fetch round, got %d", n)
	}
	if c.Status().CycleCount != 1 {
		t.Errorf("expected one completed cycle, got %d", c.Status().CycleCount)
	}
}

func TestRefresh_WaitingCallerHonorsContext(t *testing.T) {
	mock := newFakeClient(source.NameMock, true)
	mock.data[fhir.TypePatient] = []json.RawMessage{rawPatient("p1", "Ishida")}
	mock.gate = make(chan struct{})
	mock.entered = make(chan struct{}, 1)

	c := New(nil, mock, zerolog.Nop())

	go c.Refresh(context.Background()) //nolint:errcheck
	<-mock.entered

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.Refresh(ctx); err != context.Canceled {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	close(mock.gate)
}

// ===== Destroy =====

func TestDestroy_Idempotent(t *testing.T) {
	c := New(nil, mustMock(t), zerolog.Nop())
	if _, err := c.Initialize(context.Background(), false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c.Subscribe(func(*model.DashboardSnapshot) {})

	c.Destroy()
	c.Destroy()

	if c.SubscriberCount() != 0 {
		t.Errorf("expected subscribers cleared, got %d", c.SubscriberCount())
	}
	if _, err := c.Refresh(context.Background()); err != ErrDestroyed {
		t.Errorf("expected ErrDestroyed, got %v", err)
	}
	if _, err := c.Initialize(context.Background(), false); err != ErrDestroyed {
		t.Errorf("expected ErrDestroyed from Initialize, got %v", err)
	}
	if _, err := c.GetPatientTimeline(context.Background(), "pat-001"); err != ErrDestroyed {
		t.Errorf("expected ErrDestroyed from timeline, got %v", err)
	}
	if c.Status().State != StateDisconnected {
		t.Errorf("expected disconnected after destroy, got %q", c.Status().State)
	}

	// Subscribing after destroy is a no-op.
	unsubscribe := c.Subscribe(func(*model.DashboardSnapshot) {})
	unsubscribe()
	if c.SubscriberCount() != 0 {
		t.Errorf("expected 0 subscribers, got %d", c.SubscriberCount())
	}
}

func TestDestroy_DiscardsInFlightCycle(t *testing.T) {
	mock := newFakeClient(source.NameMock, true)
	mock.data[fhir.TypePatient] = []json.RawMessage{rawPatient("p1", "Ishida")}
	mock.gate = make(chan struct{})
	mock.entered = make(chan struct{}, 1)

	c := New(nil, mock, zerolog.Nop())
	var mu stdsync.Mutex
	notified := false
	c.Subscribe(func(*model.DashboardSnapshot) {
		mu.Lock()
		notified = true
		mu.Unlock()
	})

	done := make(chan error, 1)
	go func() {
		_, err := c.Refresh(context.Background())
		done <- err
	}()
	<-mock.entered

	c.Destroy()
	close(mock.gate)

	if err := <-done; err != ErrDestroyed {
		t.Errorf("expected ErrDestroyed from discarded cycle, got %v", err)
	}
	if c.Snapshot() != nil {
		t.Error("discarded cycle must not publish a snapshot")
	}
	mu.Lock()
	defer mu.Unlock()
	if notified {
		t.Error("discarded cycle must not notify subscribers")
	}
}

// ===== Periodic sync =====

func TestPeriodicSync_RunsAndStops(t *testing.T) {
	remote := newFakeClient(source.NameRemote, true)
	remote.data[fhir.TypePatient] = []json.RawMessage{rawPatient("r1", "Voss")}

	c := New(remote, mustMock(t), zerolog.Nop(), WithInterval(10*time.Millisecond))
	if _, err := c.Initialize(context.Background(), true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer c.Destroy()

	deadline := time.Now().Add(2 * time.Second)
	for c.Status().CycleCount < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if c.Status().CycleCount < 3 {
		t.Fatalf("expected periodic cycles, got %d", c.Status().CycleCount)
	}

	c.StopPeriodicSync()
	stopped := c.Status().CycleCount
	time.Sleep(50 * time.Millisecond)
	if c.Status().CycleCount != stopped {
		t.Errorf("expected no cycles after stop, got %d extra", c.Status().CycleCount-stopped)
	}
}

// ===== Timeline =====

func TestGetPatientTimeline_MergesClinicalAndEnrichment(t *testing.T) {
	gen := &fakeGenerator{}
	c := New(nil, mustMock(t), zerolog.Nop(), WithGenerator(gen))
	if _, err := c.Initialize(context.Background(), false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	events, err := c.GetPatientTimeline(context.Background(), "pat-001")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var clinical, enrichment int
	for _, ev := range events {
		switch ev.Kind {
		case model.KindClinical:
			clinical++
		case model.KindEnrichment:
			enrichment++
		default:
			t.Errorf("unexpected kind %q", ev.Kind)
		}
	}
	if clinical == 0 {
		t.Error("expected clinical events from the fixture encounters")
	}
	if enrichment != 1 {
		t.Errorf("expected 1 enrichment event, got %d", enrichment)
	}
	for i := 1; i < len(events); i++ {
		if events[i].Timestamp.After(events[i-1].Timestamp) {
			t.Fatalf("timeline not sorted newest-first at index %d", i)
		}
	}

	// Second call must hit the cache, not the collaborator.
	if _, err := c.GetPatientTimeline(context.Background(), "pat-001"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gen.callCount() != 1 {
		t.Errorf("expected enrichment cached after first call, collaborator called %d times", gen.callCount())
	}
}

func TestGetPatientTimeline_GeneratorFailureDegradesAndRetries(t *testing.T) {
	gen := &fakeGenerator{fail: true}
	c := New(nil, mustMock(t), zerolog.Nop(), WithGenerator(gen))
	if _, err := c.Initialize(context.Background(), false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	events, err := c.GetPatientTimeline(context.Background(), "pat-001")
	if err != nil {
		t.Fatalf("collaborator failure must not surface: %v", err)
	}
	for _, ev := range events {
		if ev.Kind == model.KindEnrichment {
			t.Fatal("expected clinical-only timeline when the collaborator fails")
		}
	}

	// A failure is not cached; once the collaborator recovers the next call
	// consults it again.
	gen.mu.Lock()
	gen.fail = false
	gen.mu.Unlock()

	events, err = c.GetPatientTimeline(context.Background(), "pat-001")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var enrichment int
	for _, ev := range events {
		if ev.Kind == model.KindEnrichment {
			enrichment++
		}
	}
	if enrichment != 1 {
		t.Errorf("expected enrichment after recovery, got %d events", enrichment)
	}
	if gen.callCount() != 2 {
		t.Errorf("expected 2 collaborator calls, got %d", gen.callCount())
	}
}

func TestGetPatientTimeline_NoGenerator(t *testing.T) {
	c := New(nil, mustMock(t), zerolog.Nop())
	if _, err := c.Initialize(context.Background(), false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	events, err := c.GetPatientTimeline(context.Background(), "pat-002")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, ev := range events {
		if ev.Kind != model.KindClinical {
			t.Errorf("expected clinical events only, got kind %q", ev.Kind)
		}
	}
}

// ===== Deterministic fill =====

func TestAssemble_SeededWaitTimesAreReproducible(t *testing.T) {
	build := func() []model.PatientSummary {
		mock := newFakeClient(source.NameMock, true)
		mock.data[fhir.TypePatient] = []json.RawMessage{
			rawPatient("p1", "Ishida"),
			rawPatient("p2", "Voss"),
		}
		c := New(nil, mock, zerolog.Nop(), WithSeed(42))
		snap, err := c.Refresh(context.Background())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		return snap.Patients
	}

	a := build()
	b := build()
	if len(a) != 2 || len(b) != 2 {
		t.Fatalf("expected 2 patients per run, got %d and %d", len(a), len(b))
	}
	for i := range a {
		if a[i].WaitTimeMinutes != b[i].WaitTimeMinutes {
			t.Errorf("patient %s wait differs across seeded runs: %d vs %d", a[i].ID, a[i].WaitTimeMinutes, b[i].WaitTimeMinutes)
		}
		if a[i].WaitTimeMinutes < 5 || a[i].WaitTimeMinutes > 45 {
			t.Errorf("filled wait %d outside expected range", a[i].WaitTimeMinutes)
		}
		if a[i].Status != model.StatusWaiting {
			t.Errorf("encounterless patient %s should be waiting, got %q", a[i].ID, a[i].Status)
		}
	}
}
