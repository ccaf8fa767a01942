package cohort

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/cohort/cohort/internal/domain/criteria"
	"github.com/cohort/cohort/internal/domain/querybuilder"
	"github.com/cohort/cohort/internal/platform/fhirclient"
)

const testBase = "http://fhir.test/r4"

// ---------------------------------------------------------------------------
// Fake FHIR client
// ---------------------------------------------------------------------------

type fakeFHIR struct {
	mu       sync.Mutex
	requests []string
	route    func(url string) (int, string)
	// before runs ahead of route; a non-nil error is returned to the caller.
	before func(ctx context.Context, url string) error

	cleared      int
	clearedCache []string
}

func (f *fakeFHIR) Get(ctx context.Context, url string, _ ...fhirclient.RequestOption) (*fhirclient.Response, error) {
	f.mu.Lock()
	f.requests = append(f.requests, url)
	f.mu.Unlock()

	if f.before != nil {
		if err := f.before(ctx, url); err != nil {
			return nil, err
		}
	} else if err := ctx.Err(); err != nil {
		return nil, err
	}

	status, body := f.route(url)
	if status < 200 || status >= 300 {
		he := &fhirclient.HTTPError{Status: status, URL: url}
		if status == http.StatusUnauthorized || status == http.StatusForbidden {
			he.Err = fhirclient.ErrAuthRequired
		}
		return nil, he
	}
	return &fhirclient.Response{Status: status, Data: json.RawMessage(body)}, nil
}

func (f *fakeFHIR) GetWithCache(ctx context.Context, url string, opts ...fhirclient.RequestOption) (*fhirclient.Response, error) {
	return f.Get(ctx, url, opts...)
}

func (f *fakeFHIR) ClearPendingRequests() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared++
	return 0
}

func (f *fakeFHIR) ClearCache(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clearedCache = append(f.clearedCache, name)
	return nil
}

func (f *fakeFHIR) Requests() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.requests...)
}

func (f *fakeFHIR) countPrefix(prefix string) int {
	n := 0
	for _, u := range f.Requests() {
		if strings.HasPrefix(u, prefix) {
			n++
		}
	}
	return n
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func patientJSON(id string) string {
	return fmt.Sprintf(`{"resourceType":"Patient","id":%q}`, id)
}

func observationJSON(id, patientID string) string {
	return fmt.Sprintf(`{"resourceType":"Observation","id":%q,"subject":{"reference":"Patient/%s"}}`, id, patientID)
}

func studyJSON(id string) string {
	return fmt.Sprintf(`{"resourceType":"ResearchStudy","id":%q}`, id)
}

// searchset builds a search Bundle; total < 0 omits the total.
func searchset(total int, next string, resources ...string) string {
	var sb strings.Builder
	sb.WriteString(`{"resourceType":"Bundle","type":"searchset"`)
	if total >= 0 {
		fmt.Fprintf(&sb, `,"total":%d`, total)
	}
	if next != "" {
		fmt.Fprintf(&sb, `,"link":[{"relation":"self","url":"x"},{"relation":"next","url":%q}]`, next)
	}
	sb.WriteString(`,"entry":[`)
	for i, r := range resources {
		if i > 0 {
			sb.WriteByte(',')
		}
		fmt.Fprintf(&sb, `{"resource":%s}`, r)
	}
	sb.WriteString(`]}`)
	return sb.String()
}

func patients(ids ...string) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = patientJSON(id)
	}
	return out
}

func newTestResolver(f FHIRClient, opts Options) *Resolver {
	return NewResolver(f, querybuilder.New(nil, testBase), opts, zerolog.Nop())
}

func mustDecode(t *testing.T, doc string) criteria.Node {
	t.Helper()
	n, err := criteria.Decode([]byte(doc))
	if err != nil {
		t.Fatalf("decode criteria: %v", err)
	}
	return n
}

type collector struct {
	batches [][]Patient
}

func (c *collector) sink(batch []Patient) { c.batches = append(c.batches, batch) }

func (c *collector) ids() []string {
	var out []string
	for _, b := range c.batches {
		for _, p := range b {
			out = append(out, p.ID)
		}
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

const (
	loincCodeLeaf = `{"resourceType":"Observation","rules":[
		{"field":"code text","value":{"coding":[{"system":"http://loinc.org","code":"3137-7"}]}}]}`

	loincCodeValueLeaf = `{"resourceType":"Observation","rules":[
		{"field":"code text","value":{"coding":[{"system":"http://loinc.org","code":"3137-7"}]}},
		{"field":"observation value","value":{"testValuePrefix":"gt","testValue":5,"testValueUnit":"mg","datatype":"Quantity"}}]}`

	femaleLeaf = `{"resourceType":"Patient","rules":[{"field":"gender","value":["female"]}]}`
)

// ---------------------------------------------------------------------------
// Scenarios
// ---------------------------------------------------------------------------

func TestResolve_EmptyCriteria(t *testing.T) {
	ids := []string{"p0", "p1", "p2", "p3", "p4", "p5", "p6", "p7", "p8", "p9"}
	f := &fakeFHIR{route: func(url string) (int, string) {
		return 200, searchset(100, testBase+"/Patient?page=2", patients(ids...)...)
	}}
	r := newTestResolver(f, Options{})
	state := NewState(1)
	var got collector

	if err := r.Resolve(context.Background(), mustDecode(t, `{"condition":"AND","rules":[]}`), 10, state, got.sink); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if reqs := f.Requests(); !equalStrings(reqs, []string{"Patient?_count=10"}) {
		t.Fatalf("requests = %q, want exactly [Patient?_count=10]", reqs)
	}
	if !equalStrings(got.ids(), ids) {
		t.Fatalf("patients = %v, want %v", got.ids(), ids)
	}
	st := state.Stats()
	if st.StopReason != StopMaxReached || st.Loading {
		t.Fatalf("stats = %+v", st)
	}
}

func TestResolve_NilTreeSelectsAllPatients(t *testing.T) {
	f := &fakeFHIR{route: func(url string) (int, string) {
		return 200, searchset(2, "", patients("a", "b")...)
	}}
	r := newTestResolver(f, Options{PageSize: 50})
	var got collector

	if err := r.Resolve(context.Background(), nil, 100, nil, got.sink); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if reqs := f.Requests(); !equalStrings(reqs, []string{"Patient?_count=50"}) {
		t.Fatalf("requests = %q", reqs)
	}
	if len(got.ids()) != 2 {
		t.Fatalf("patients = %v", got.ids())
	}
}

func TestResolve_ReverseChainedObservationCode(t *testing.T) {
	const want = "Patient?_count=20&_has:Observation:subject:combo-code=http%3A%2F%2Floinc.org%7C3137-7"
	f := &fakeFHIR{route: func(url string) (int, string) {
		if url == want {
			return 200, searchset(3, "", patients("p1", "p2", "p3")...)
		}
		return 404, ""
	}}
	r := newTestResolver(f, Options{HasEnabled: true})
	state := NewState(1)
	var got collector

	if err := r.Resolve(context.Background(), mustDecode(t, loincCodeLeaf), 20, state, got.sink); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if reqs := f.Requests(); !equalStrings(reqs, []string{want}) {
		t.Fatalf("requests = %q, want [%s]", reqs, want)
	}
	if !equalStrings(got.ids(), []string{"p1", "p2", "p3"}) {
		t.Fatalf("patients = %v", got.ids())
	}
	if state.Stats().StopReason != StopCompleted {
		t.Fatalf("stop reason = %s", state.Stats().StopReason)
	}
}

func TestResolve_AndAcrossResourceTypes_PatientCheaper(t *testing.T) {
	f := &fakeFHIR{route: func(url string) (int, string) {
		switch {
		case strings.HasPrefix(url, "Observation?_summary=count&combo-code-value-quantity="):
			return 200, searchset(50, "")
		case url == "Patient?_summary=count&gender=female":
			return 200, searchset(3, "")
		case url == "Patient?_count=20&gender=female":
			return 200, searchset(3, "", patients("p1", "p2", "p3")...)
		case strings.HasPrefix(url, "Observation?subject=Patient/p1&_count=1&combo-code-value-quantity="):
			return 200, searchset(1, "", observationJSON("o1", "p1"))
		case strings.HasPrefix(url, "Observation?subject=Patient/p2&_count=1&combo-code-value-quantity="):
			return 200, searchset(0, "")
		case strings.HasPrefix(url, "Observation?subject=Patient/p3&_count=1&combo-code-value-quantity="):
			return 200, searchset(1, "", observationJSON("o3", "p3"))
		}
		return 400, ""
	}}
	r := newTestResolver(f, Options{HasEnabled: false})
	state := NewState(1)
	var got collector

	tree := mustDecode(t, `{"condition":"AND","rules":[`+loincCodeValueLeaf+`,`+femaleLeaf+`]}`)
	if err := r.Resolve(context.Background(), tree, 20, state, got.sink); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if !equalStrings(got.ids(), []string{"p1", "p3"}) {
		t.Fatalf("patients = %v, want [p1 p3]", got.ids())
	}
	if n := f.countPrefix("Observation?_summary=count") + f.countPrefix("Patient?_summary=count"); n != 2 {
		t.Errorf("count queries = %d, want 2", n)
	}
	if n := f.countPrefix("Observation?subject=Patient/"); n != 3 {
		t.Errorf("check queries = %d, want 3", n)
	}
	if n := f.countPrefix("Observation?_count="); n != 0 {
		t.Errorf("the more expensive branch must not be streamed, got %d page requests", n)
	}
	if st := state.Stats(); len(st.Branches) != 2 || st.Checked != 3 {
		t.Errorf("stats = %+v", st)
	}
}

func TestResolve_AndAcrossResourceTypes_ObservationCheaper(t *testing.T) {
	f := &fakeFHIR{route: func(url string) (int, string) {
		switch {
		case strings.HasPrefix(url, "Observation?_summary=count"):
			return 200, searchset(3, "")
		case url == "Patient?_summary=count&gender=female":
			return 200, searchset(1000, "")
		case strings.HasPrefix(url, "Observation?_count=100&combo-code-value-quantity="):
			return 200, searchset(3, "",
				observationJSON("o1", "p1"), observationJSON("o2", "p2"), observationJSON("o3", "p1"))
		case url == "Patient?_id=p1,p2&_count=2":
			return 200, searchset(2, "", patients("p2", "p1")...)
		case url == "Patient?_id=p1&gender=female":
			return 200, searchset(1, "", patientJSON("p1"))
		case url == "Patient?_id=p2&gender=female":
			return 200, searchset(0, "")
		}
		return 400, ""
	}}
	r := newTestResolver(f, Options{})
	var got collector

	tree := mustDecode(t, `{"condition":"AND","rules":[`+femaleLeaf+`,`+loincCodeValueLeaf+`]}`)
	if err := r.Resolve(context.Background(), tree, 20, nil, got.sink); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !equalStrings(got.ids(), []string{"p1"}) {
		t.Fatalf("patients = %v, want [p1]", got.ids())
	}
	if n := f.countPrefix("Patient?_id=p1,p2"); n != 1 {
		t.Errorf("patient lookups = %d, want 1", n)
	}
}

// ---------------------------------------------------------------------------
// Bounds and deduplication
// ---------------------------------------------------------------------------

func TestResolve_NeverExceedsMax(t *testing.T) {
	f := &fakeFHIR{route: func(url string) (int, string) {
		// server ignores _count
		return 200, searchset(-1, "", patients("a", "b", "c", "d", "e", "f", "g", "h")...)
	}}
	r := newTestResolver(f, Options{})
	state := NewState(1)
	var got collector

	if err := r.Resolve(context.Background(), nil, 5, state, got.sink); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(got.ids()) != 5 || state.Len() != 5 {
		t.Fatalf("emitted %d, state %d, want 5", len(got.ids()), state.Len())
	}
}

func TestResolve_PaginatesUntilMax(t *testing.T) {
	page := func(n int) []string {
		var ids []string
		for i := 0; i < 10; i++ {
			ids = append(ids, fmt.Sprintf("p%d-%d", n, i))
		}
		return patients(ids...)
	}
	f := &fakeFHIR{route: func(url string) (int, string) {
		switch url {
		case "Patient?_count=10":
			return 200, searchset(100, testBase+"/Patient?page=2", page(1)...)
		case testBase + "/Patient?page=2":
			return 200, searchset(100, testBase+"/Patient?page=3", page(2)...)
		case testBase + "/Patient?page=3":
			return 200, searchset(100, testBase+"/Patient?page=4", page(3)...)
		}
		return 500, ""
	}}
	r := newTestResolver(f, Options{PageSize: 10})
	state := NewState(1)
	var got collector

	if err := r.Resolve(context.Background(), nil, 25, state, got.sink); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(f.Requests()) != 3 {
		t.Fatalf("requests = %q, want 3 pages", f.Requests())
	}
	if len(got.ids()) != 25 || len(got.batches) != 3 {
		t.Fatalf("emitted %d in %d batches", len(got.ids()), len(got.batches))
	}
	if state.Stats().StopReason != StopMaxReached {
		t.Fatalf("stop reason = %s", state.Stats().StopReason)
	}
}

func TestResolve_NoDuplicatesAcrossOrBranches(t *testing.T) {
	f := &fakeFHIR{route: func(url string) (int, string) {
		switch url {
		case "Patient?_count=20&gender=female":
			return 200, searchset(3, "", patients("p1", "p2", "p1")...)
		case "Patient?_count=20&gender=male":
			return 200, searchset(2, "", patients("p2", "p3")...)
		}
		return 400, ""
	}}
	r := newTestResolver(f, Options{})
	var got collector

	tree := mustDecode(t, `{"condition":"OR","rules":[`+femaleLeaf+`,
		{"resourceType":"Patient","rules":[{"field":"gender","value":["male"]}]}]}`)
	if err := r.Resolve(context.Background(), tree, 20, nil, got.sink); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !equalStrings(got.ids(), []string{"p1", "p2", "p3"}) {
		t.Fatalf("patients = %v, want [p1 p2 p3]", got.ids())
	}
}

func TestResolve_RejectedCandidateCanQualifyInLaterBranch(t *testing.T) {
	f := &fakeFHIR{route: func(url string) (int, string) {
		switch url {
		case "Patient?_summary=count&gender=female":
			return 200, searchset(1, "")
		case "Encounter?_summary=count&class=IMP":
			return 200, searchset(90, "")
		case "Patient?_count=20&gender=female":
			return 200, searchset(1, "", patientJSON("p1"))
		case "Encounter?subject=Patient/p1&_count=1&class=IMP":
			return 200, searchset(0, "")
		case "Patient?_count=20&birthdate=ge1990-01-01":
			return 200, searchset(1, "", patientJSON("p1"))
		}
		return 400, ""
	}}
	r := newTestResolver(f, Options{})
	var got collector

	tree := mustDecode(t, `{"condition":"OR","rules":[
		{"condition":"AND","rules":[`+femaleLeaf+`,
			{"resourceType":"Encounter","rules":[{"field":"class","value":["IMP"]}]}]},
		{"resourceType":"Patient","rules":[{"field":"birthdate","value":{"from":"1990-01-01"}}]}]}`)
	if err := r.Resolve(context.Background(), tree, 20, nil, got.sink); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !equalStrings(got.ids(), []string{"p1"}) {
		t.Fatalf("patients = %v, want [p1]", got.ids())
	}
}

// ---------------------------------------------------------------------------
// Cost estimation
// ---------------------------------------------------------------------------

func TestOrder_Idempotent(t *testing.T) {
	f := &fakeFHIR{route: func(url string) (int, string) {
		switch {
		case strings.HasPrefix(url, "Encounter?_summary=count"):
			return 200, searchset(30, "")
		case strings.HasPrefix(url, "Condition?_summary=count"):
			return 200, searchset(10, "")
		case strings.HasPrefix(url, "Procedure?_summary=count"):
			return 200, searchset(10, "")
		}
		return 400, ""
	}}
	r := newTestResolver(f, Options{HasEnabled: false})
	tree := mustDecode(t, `{"condition":"AND","rules":[
		{"resourceType":"Encounter","rules":[{"field":"class","value":["IMP"]}]},
		{"resourceType":"Condition","rules":[{"field":"code","value":["I10"]}]},
		{"resourceType":"Procedure","rules":[{"field":"code","value":["80146002"]}]}]}`)

	orderOf := func() []string {
		plan, err := r.Plan(tree)
		if err != nil {
			t.Fatalf("Plan: %v", err)
		}
		s := &search{Resolver: r, plan: plan, state: NewState(0), max: 10, logger: zerolog.Nop()}
		children, err := s.order(context.Background(), plan.Root.(*criteria.Criteria))
		if err != nil {
			t.Fatalf("order: %v", err)
		}
		var types []string
		for _, c := range children {
			types = append(types, c.(*criteria.ResourceTypeCriteria).ResourceType)
		}

		// memoized: a second pass on the same plan issues no requests
		before := len(f.Requests())
		if _, err := s.order(context.Background(), plan.Root.(*criteria.Criteria)); err != nil {
			t.Fatalf("order: %v", err)
		}
		if len(f.Requests()) != before {
			t.Fatalf("second order on the same plan issued requests")
		}
		return types
	}

	first, second := orderOf(), orderOf()
	want := []string{"Condition", "Procedure", "Encounter"}
	if !equalStrings(first, want) || !equalStrings(second, want) {
		t.Fatalf("orders = %v / %v, want %v", first, second, want)
	}
	if tree.(*criteria.Criteria).Rules[0].(*criteria.ResourceTypeCriteria).Total != nil {
		t.Fatal("submitted tree must not be mutated")
	}
}

func TestCountLeaf(t *testing.T) {
	tests := []struct {
		name   string
		leaf   string
		status int
		body   string
		want   float64
		inf    bool
	}{
		{"total", femaleLeaf, 200, searchset(7, ""), 7, false},
		{"no total", femaleLeaf, 200, searchset(-1, ""), 0, true},
		{"client error", femaleLeaf, 400, "", 0, true},
		{"study none", `{"resourceType":"ResearchStudy","rules":[{"field":"identifier","value":["S1"]}]}`, 200, searchset(0, ""), 0, false},
		{"study some", `{"resourceType":"ResearchStudy","rules":[{"field":"identifier","value":["S1"]}]}`, 200, searchset(1, ""), 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeFHIR{route: func(string) (int, string) { return tt.status, tt.body }}
			r := newTestResolver(f, Options{})
			plan, err := r.Plan(mustDecode(t, tt.leaf))
			if err != nil {
				t.Fatalf("Plan: %v", err)
			}
			s := &search{Resolver: r, plan: plan, state: NewState(0), max: 10, logger: zerolog.Nop()}
			got, err := s.countLeaf(context.Background(), plan.Root.(*criteria.ResourceTypeCriteria))
			if err != nil {
				t.Fatalf("countLeaf: %v", err)
			}
			if tt.inf {
				if !math.IsInf(got, 1) {
					t.Fatalf("cost = %v, want +Inf", got)
				}
				return
			}
			if got != tt.want {
				t.Fatalf("cost = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCountLeaf_ServerErrorIsFatal(t *testing.T) {
	f := &fakeFHIR{route: func(string) (int, string) { return 503, "" }}
	r := newTestResolver(f, Options{})
	tree := mustDecode(t, `{"condition":"AND","rules":[`+femaleLeaf+`,
		{"resourceType":"Encounter","rules":[{"field":"class","value":["IMP"]}]}]}`)
	state := NewState(1)

	err := r.Resolve(context.Background(), tree, 10, state, nil)
	if fhirclient.Status(err) != 503 {
		t.Fatalf("err = %v, want a 503 HTTPError", err)
	}
	if st := state.Stats(); st.StopReason != StopError || st.Error == "" {
		t.Fatalf("stats = %+v", st)
	}
}

// ---------------------------------------------------------------------------
// Resource conventions
// ---------------------------------------------------------------------------

func TestResolve_ResearchStudy(t *testing.T) {
	f := &fakeFHIR{route: func(url string) (int, string) {
		switch url {
		case "ResearchStudy?_elements=id&_count=100&identifier=S1":
			return 200, searchset(2, "", studyJSON("s1"), studyJSON("s2"))
		case "Patient?_count=10&_has:ResearchSubject:individual:study=s1,s2":
			return 200, searchset(2, "", patients("p1", "p2")...)
		}
		return 400, ""
	}}
	r := newTestResolver(f, Options{HasEnabled: true})
	var got collector

	leaf := `{"resourceType":"ResearchStudy","rules":[{"field":"identifier","value":["S1"]}]}`
	if err := r.Resolve(context.Background(), mustDecode(t, leaf), 10, nil, got.sink); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !equalStrings(got.ids(), []string{"p1", "p2"}) {
		t.Fatalf("patients = %v (requests %q)", got.ids(), f.Requests())
	}
}

func TestCheckURL(t *testing.T) {
	r := newTestResolver(&fakeFHIR{}, Options{})
	tests := []struct {
		name string
		leaf string
		want string
	}{
		{"patient", femaleLeaf, "Patient?_id=p-1&gender=female"},
		{"encounter", `{"resourceType":"Encounter","rules":[{"field":"class","value":["IMP"]}]}`,
			"Encounter?subject=Patient/p-1&_count=1&class=IMP"},
		{"immunization", `{"resourceType":"Immunization","rules":[{"field":"vaccine-code","value":["207"]}]}`,
			"Immunization?patient=Patient/p-1&_count=1&vaccine-code=207"},
		{"research study", `{"resourceType":"ResearchStudy","rules":[{"field":"identifier","value":["S1"]}]}`,
			"ResearchStudy?_has:ResearchSubject:study:individual=Patient/p-1&_count=1&identifier=S1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := r.Plan(mustDecode(t, tt.leaf))
			if err != nil {
				t.Fatalf("Plan: %v", err)
			}
			s := &search{Resolver: r, plan: plan, state: NewState(0), max: 10, logger: zerolog.Nop()}
			if got := s.checkURL(plan.Root.(*criteria.ResourceTypeCriteria), "p-1"); got != tt.want {
				t.Errorf("checkURL = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestResolve_EvidenceVariableThroughObservation(t *testing.T) {
	f := &fakeFHIR{route: func(url string) (int, string) {
		if strings.HasPrefix(url, "Patient?_count=20&_has:Observation:subject:evidencevariable=") {
			return 200, searchset(1, "", patientJSON("p1"))
		}
		return 400, ""
	}}
	r := newTestResolver(f, Options{HasEnabled: true})
	var got collector

	leaf := `{"resourceType":"EvidenceVariable","rules":[{"field":"evidence variable","value":[["ev-1","ev-2"]]}]}`
	if err := r.Resolve(context.Background(), mustDecode(t, leaf), 20, nil, got.sink); err != nil {
		t.Fatalf("Resolve: %v (requests %q)", err, f.Requests())
	}
	if !equalStrings(got.ids(), []string{"p1"}) {
		t.Fatalf("patients = %v", got.ids())
	}
}

// ---------------------------------------------------------------------------
// Failures
// ---------------------------------------------------------------------------

func TestResolve_CheckClientErrorIsNotMatched(t *testing.T) {
	f := &fakeFHIR{route: func(url string) (int, string) {
		switch {
		case url == "Patient?_summary=count&gender=female":
			return 200, searchset(2, "")
		case strings.HasPrefix(url, "Encounter?_summary=count"):
			return 200, searchset(10, "")
		case url == "Patient?_count=20&gender=female":
			return 200, searchset(2, "", patients("p1", "p2")...)
		case strings.HasPrefix(url, "Encounter?subject=Patient/p1"):
			return 400, ""
		case strings.HasPrefix(url, "Encounter?subject=Patient/p2"):
			return 200, searchset(-1, "", `{"resourceType":"Encounter","id":"e2"}`)
		}
		return 500, ""
	}}
	r := newTestResolver(f, Options{})
	state := NewState(1)
	var got collector

	tree := mustDecode(t, `{"condition":"AND","rules":[`+femaleLeaf+`,
		{"resourceType":"Encounter","rules":[{"field":"class","value":["IMP"]}]}]}`)
	if err := r.Resolve(context.Background(), tree, 20, state, got.sink); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !equalStrings(got.ids(), []string{"p2"}) {
		t.Fatalf("patients = %v, want [p2]", got.ids())
	}
	if state.Stats().StopReason != StopCompleted {
		t.Fatalf("stop reason = %s", state.Stats().StopReason)
	}
}

func TestResolve_StopReasons(t *testing.T) {
	tests := []struct {
		name   string
		status int
		reason StopReason
		is     error
	}{
		{"server error", 500, StopError, nil},
		{"auth required", 401, StopAuthRequired, fhirclient.ErrAuthRequired},
		{"forbidden", 403, StopAuthRequired, fhirclient.ErrAuthRequired},
		{"bad request on driving branch", 400, StopError, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeFHIR{route: func(string) (int, string) { return tt.status, "" }}
			r := newTestResolver(f, Options{})
			state := NewState(1)

			err := r.Resolve(context.Background(), mustDecode(t, femaleLeaf), 10, state, nil)
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.is != nil && !errors.Is(err, tt.is) {
				t.Fatalf("err = %v, want %v", err, tt.is)
			}
			if got := state.Stats().StopReason; got != tt.reason {
				t.Fatalf("stop reason = %s, want %s", got, tt.reason)
			}
		})
	}
}

func TestResolve_PartialResultsSurviveFailure(t *testing.T) {
	f := &fakeFHIR{route: func(url string) (int, string) {
		if url == "Patient?_count=2" {
			return 200, searchset(4, testBase+"/Patient?page=2", patients("p1", "p2")...)
		}
		return 502, ""
	}}
	r := newTestResolver(f, Options{PageSize: 2})
	state := NewState(1)

	if err := r.Resolve(context.Background(), nil, 10, state, nil); err == nil {
		t.Fatal("expected error from second page")
	}
	if state.Len() != 2 {
		t.Fatalf("state kept %d patients, want 2", state.Len())
	}
}

func TestResolve_Cancelled(t *testing.T) {
	f := &fakeFHIR{route: func(string) (int, string) { return 200, searchset(0, "") }}
	r := newTestResolver(f, Options{})
	state := NewState(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := r.Resolve(ctx, mustDecode(t, femaleLeaf), 10, state, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	st := state.Stats()
	if st.StopReason != StopCancelled || st.Error != "" {
		t.Fatalf("stats = %+v", st)
	}
}

func TestResolve_AbortedRequestsCountAsCancelled(t *testing.T) {
	f := &fakeFHIR{
		route:  func(string) (int, string) { return 200, "" },
		before: func(context.Context, string) error { return fhirclient.ErrAborted },
	}
	r := newTestResolver(f, Options{})
	state := NewState(1)

	_ = r.Resolve(context.Background(), mustDecode(t, femaleLeaf), 10, state, nil)
	if got := state.Stats().StopReason; got != StopCancelled {
		t.Fatalf("stop reason = %s, want cancelled", got)
	}
}

func TestResolve_UnsupportedParameterFailsBeforeRequests(t *testing.T) {
	f := &fakeFHIR{route: func(string) (int, string) { return 200, searchset(0, "") }}
	r := newTestResolver(f, Options{})

	tree := mustDecode(t, `{"resourceType":"Patient","rules":[{"field":"shoe size","value":"42"}]}`)
	err := r.Resolve(context.Background(), tree, 10, nil, nil)

	var unsupported *querybuilder.UnsupportedParameterError
	if !errors.As(err, &unsupported) || unsupported.Field != "shoe size" {
		t.Fatalf("err = %v, want UnsupportedParameterError", err)
	}
	if len(f.Requests()) != 0 {
		t.Fatalf("requests = %q, want none", f.Requests())
	}
}

func TestResolve_InvalidMax(t *testing.T) {
	r := newTestResolver(&fakeFHIR{}, Options{})
	for _, max := range []int{0, -1} {
		if err := r.Resolve(context.Background(), nil, max, nil, nil); !errors.Is(err, ErrInvalidMax) {
			t.Errorf("max %d: err = %v", max, err)
		}
	}
}
