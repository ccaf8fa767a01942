// Package cohort resolves a criteria tree into the set of patients that
// satisfy it, querying a FHIR server branch by branch.
package cohort

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/cohort/cohort/internal/domain/criteria"
	"github.com/cohort/cohort/internal/domain/querybuilder"
	"github.com/cohort/cohort/internal/platform/fhir"
	"github.com/cohort/cohort/internal/platform/fhirclient"
)

// FHIRClient is the part of *fhirclient.Client the resolver needs.
type FHIRClient interface {
	Get(ctx context.Context, url string, opts ...fhirclient.RequestOption) (*fhirclient.Response, error)
	GetWithCache(ctx context.Context, url string, opts ...fhirclient.RequestOption) (*fhirclient.Response, error)
}

// Sink receives each batch of newly qualified patients, in order. It is
// called from the goroutine running the search.
type Sink func([]Patient)

// Options tune the resolver.
type Options struct {
	// PageSize is the _count of every search page. Patient pages never ask
	// for more than the requested maximum.
	PageSize int
	// MaxActiveChecks bounds the concurrent per-candidate checks of a page.
	MaxActiveChecks int
	// HasEnabled allows reverse-chained _has searches through Patient.
	HasEnabled bool
	// CountCacheName is the response-cache partition holding branch counts.
	// The empty name keeps them in memory only.
	CountCacheName string
}

func DefaultOptions() Options {
	return Options{PageSize: 100, MaxActiveChecks: 10, HasEnabled: true, CountCacheName: "counts"}
}

// ErrInvalidMax is returned for a non-positive maximum patient count.
var ErrInvalidMax = errors.New("cohort: maxPatientCount must be positive")

// errMaxReached stops the traversal once enough patients were found.
var errMaxReached = errors.New("cohort: maximum patient count reached")

// Checks jump ahead of page fetches queued by other searches.
const checkPriority = 1

// outcome is the result of checking one candidate against a branch.
type outcome int

const (
	notMatched outcome = iota
	matched
)

// Resolver plans and executes cohort searches.
type Resolver struct {
	client FHIRClient
	qb     *querybuilder.Builder
	opts   Options
	logger zerolog.Logger
}

// NewResolver creates a Resolver. Zero option values fall back to
// DefaultOptions.
func NewResolver(client FHIRClient, qb *querybuilder.Builder, opts Options, logger zerolog.Logger) *Resolver {
	def := DefaultOptions()
	if opts.PageSize <= 0 {
		opts.PageSize = def.PageSize
	}
	if opts.MaxActiveChecks <= 0 {
		opts.MaxActiveChecks = def.MaxActiveChecks
	}
	return &Resolver{
		client: client,
		qb:     qb,
		opts:   opts,
		logger: logger.With().Str("component", "cohort-resolver").Logger(),
	}
}

// Plan is a normalized criteria tree with every leaf compiled. A plan
// carries the branch costs of one search and must not be executed twice.
type Plan struct {
	// Root is nil when the tree selects every patient.
	Root   criteria.Node
	leaves map[*criteria.ResourceTypeCriteria]compiledLeaf
}

type compiledLeaf struct {
	searchType string
	fragment   string
	has        string
}

// Plan normalizes tree and compiles its leaves. Unsupported parameters fail
// here, before any request is made.
func (r *Resolver) Plan(tree criteria.Node) (*Plan, error) {
	root := criteria.Normalize(tree)
	p := &Plan{Root: root, leaves: make(map[*criteria.ResourceTypeCriteria]compiledLeaf)}
	for _, leaf := range criteria.Leaves(root) {
		frag, err := r.qb.CompileAll(leaf.ResourceType, leaf.Rules)
		if err != nil {
			return nil, fmt.Errorf("compile %s criteria: %w", leaf.ResourceType, err)
		}
		cl := compiledLeaf{searchType: querybuilder.SearchType(leaf.ResourceType), fragment: frag}
		if r.opts.HasEnabled {
			if has, ok := r.qb.HasFragment(leaf.ResourceType, leaf.Rules); ok {
				cl.has = has
			}
		}
		p.leaves[leaf] = cl
	}
	return p, nil
}

// Resolve plans tree and executes it. See Execute.
func (r *Resolver) Resolve(ctx context.Context, tree criteria.Node, max int, state *State, sink Sink) error {
	plan, err := r.Plan(tree)
	if err != nil {
		return err
	}
	return r.Execute(ctx, plan, max, state, sink)
}

// Execute streams up to max distinct qualifying patients into sink and
// records progress in state. It returns nil when the tree is exhausted or
// the maximum is reached; otherwise the error that stopped the search.
// Patients already delivered stay in state either way.
func (r *Resolver) Execute(ctx context.Context, plan *Plan, max int, state *State, sink Sink) error {
	if max <= 0 {
		return ErrInvalidMax
	}
	if state == nil {
		state = NewState(0)
	}
	if sink == nil {
		sink = func([]Patient) {}
	}

	s := &search{
		Resolver: r,
		plan:     plan,
		state:    state,
		sink:     sink,
		max:      max,
		logger:   r.logger.With().Uint64("generation", state.Generation()).Logger(),
	}
	state.begin(max)
	s.logger.Info().Str("tree", criteria.String(plan.Root)).Int("max", max).Msg("cohort search started")

	err := s.run(ctx)
	reason := stopReasonFor(err)
	switch reason {
	case StopCompleted, StopMaxReached:
		err = nil
		state.finish(reason, nil)
	case StopCancelled:
		state.finish(reason, nil)
	default:
		state.finish(reason, err)
	}

	ev := s.logger.Info()
	if reason == StopError || reason == StopAuthRequired {
		ev = s.logger.Error().Err(err)
	}
	ev.Str("reason", string(reason)).Int("patients", state.Len()).Msg("cohort search stopped")
	return err
}

// search is the per-invocation traversal state.
type search struct {
	*Resolver
	plan   *Plan
	state  *State
	sink   Sink
	max    int
	logger zerolog.Logger
}

func (s *search) run(ctx context.Context) error {
	if s.plan.Root == nil {
		return s.streamPatients(ctx, s.patientPageURL(""), nil)
	}
	return s.searchNode(ctx, s.plan.Root, nil)
}

// searchNode streams the patients of n that also satisfy every node in
// checks.
func (s *search) searchNode(ctx context.Context, n criteria.Node, checks []criteria.Node) error {
	switch v := n.(type) {
	case *criteria.ResourceTypeCriteria:
		return s.searchLeaf(ctx, v, checks)
	case *criteria.Criteria:
		if v.Condition == criteria.Or {
			for _, child := range v.Rules {
				if err := s.searchNode(ctx, child, checks); err != nil {
					return err
				}
			}
			return nil
		}
		children, err := s.order(ctx, v)
		if err != nil {
			return err
		}
		if len(children) == 0 {
			return nil
		}
		rest := make([]criteria.Node, 0, len(children)-1+len(checks))
		rest = append(rest, children[1:]...)
		rest = append(rest, checks...)
		return s.searchNode(ctx, children[0], rest)
	}
	return nil
}

func (s *search) searchLeaf(ctx context.Context, leaf *criteria.ResourceTypeCriteria, checks []criteria.Node) error {
	cl := s.plan.leaves[leaf]
	switch {
	case leaf.ResourceType == "Patient":
		return s.streamPatients(ctx, s.patientPageURL(cl.fragment), checks)
	case cl.has != "":
		return s.streamPatients(ctx, s.patientPageURL(cl.has), checks)
	case leaf.ResourceType == "ResearchStudy":
		return s.streamStudies(ctx, cl, checks)
	default:
		url := fmt.Sprintf("%s?_count=%d%s", cl.searchType, s.opts.PageSize, cl.fragment)
		return s.streamResources(ctx, url, checks)
	}
}

func (s *search) patientPageURL(fragment string) string {
	n := s.opts.PageSize
	if s.max < n {
		n = s.max
	}
	return fmt.Sprintf("Patient?_count=%d%s", n, fragment)
}

// ---------------------------------------------------------------------------
// Branch cost
// ---------------------------------------------------------------------------

// order returns the children of an AND node sorted by ascending cost. Ties
// keep their original order.
func (s *search) order(ctx context.Context, c *criteria.Criteria) ([]criteria.Node, error) {
	children := append([]criteria.Node(nil), c.Rules...)
	if len(children) < 2 {
		return children, nil
	}

	costs := make([]float64, len(children))
	g, gctx := errgroup.WithContext(ctx)
	for i, child := range children {
		g.Go(func() error {
			cost, err := s.cost(gctx, child)
			costs[i] = cost
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	type ranked struct {
		node criteria.Node
		cost float64
	}
	rs := make([]ranked, len(children))
	for i := range children {
		rs[i] = ranked{children[i], costs[i]}
	}
	sort.SliceStable(rs, func(i, j int) bool { return rs[i].cost < rs[j].cost })
	for i := range rs {
		children[i] = rs[i].node
	}

	s.logger.Debug().Str("first", criteria.String(children[0])).Msg("branches ordered by cost")
	return children, nil
}

// cost returns the memoized estimate of n, computing it on first use. An
// AND node costs as much as its cheapest child; an OR node the sum.
func (s *search) cost(ctx context.Context, n criteria.Node) (float64, error) {
	if c, ok := n.Estimate(); ok {
		return c, nil
	}

	var cost float64
	switch v := n.(type) {
	case *criteria.ResourceTypeCriteria:
		c, err := s.countLeaf(ctx, v)
		if err != nil {
			return 0, err
		}
		cost = c
	case *criteria.Criteria:
		if v.Condition == criteria.Or {
			for _, child := range v.Rules {
				c, err := s.cost(ctx, child)
				if err != nil {
					return 0, err
				}
				cost += c
			}
		} else {
			cost = math.Inf(1)
			for _, child := range v.Rules {
				c, err := s.cost(ctx, child)
				if err != nil {
					return 0, err
				}
				cost = math.Min(cost, c)
			}
		}
	}

	n.SetEstimate(cost)
	s.state.recordEstimate(newBranchEstimate(criteria.String(n), cost))
	return cost, nil
}

// countLeaf asks the server how many resources a leaf matches. Servers that
// report no total, or reject the count, make the branch unbounded.
func (s *search) countLeaf(ctx context.Context, leaf *criteria.ResourceTypeCriteria) (float64, error) {
	cl := s.plan.leaves[leaf]
	var url string
	switch {
	case leaf.ResourceType == "Patient":
		url = "Patient?_summary=count" + cl.fragment
	case cl.has != "":
		url = "Patient?_summary=count" + cl.has
	default:
		url = cl.searchType + "?_summary=count" + cl.fragment
	}

	resp, err := s.client.GetWithCache(ctx, url, fhirclient.WithCacheName(s.opts.CountCacheName))
	if err != nil {
		if fhirclient.IsClientError(err) {
			s.logger.Debug().Err(err).Str("url", url).Msg("count rejected, branch treated as unbounded")
			return math.Inf(1), nil
		}
		return 0, err
	}
	b, err := decodeBundle(url, resp.Data)
	if err != nil {
		return 0, err
	}
	if b.Total == nil {
		return math.Inf(1), nil
	}

	total := float64(*b.Total)
	// one study can enrol any number of subjects
	if leaf.ResourceType == "ResearchStudy" && total > 0 {
		return math.Inf(1), nil
	}
	return total, nil
}

// ---------------------------------------------------------------------------
// Streaming
// ---------------------------------------------------------------------------

// pages fetches url and every following "next" page, handing each bundle to
// fn before the next one is requested.
func (s *search) pages(ctx context.Context, url string, fn func(*fhir.Bundle) error) error {
	for url != "" {
		if err := ctx.Err(); err != nil {
			return err
		}
		resp, err := s.client.Get(ctx, url)
		if err != nil {
			return err
		}
		b, err := decodeBundle(url, resp.Data)
		if err != nil {
			return err
		}
		if err := fn(b); err != nil {
			return err
		}
		url = b.NextLink()
	}
	return nil
}

// claim marks id as seen by the current stream. It reports false for ids
// already seen or already emitted.
func (s *search) claim(visited map[string]struct{}, id string) bool {
	if _, ok := visited[id]; ok {
		return false
	}
	visited[id] = struct{}{}
	return !s.state.isProcessed(id)
}

func (s *search) streamPatients(ctx context.Context, url string, checks []criteria.Node) error {
	return s.streamPatientsSeen(ctx, url, checks, make(map[string]struct{}))
}

func (s *search) streamPatientsSeen(ctx context.Context, url string, checks []criteria.Node, visited map[string]struct{}) error {
	return s.pages(ctx, url, func(b *fhir.Bundle) error {
		var fresh []Patient
		for _, p := range patientsOf(b) {
			if s.claim(visited, p.ID) {
				fresh = append(fresh, p)
			}
		}
		return s.evaluate(ctx, fresh, checks)
	})
}

// streamResources pages through non-Patient resources and resolves the
// patients they reference with one _id lookup per page.
func (s *search) streamResources(ctx context.Context, url string, checks []criteria.Node) error {
	visited := make(map[string]struct{})
	return s.pages(ctx, url, func(b *fhir.Bundle) error {
		var ids []string
		for _, raw := range b.Resources() {
			id, ok := fhir.PatientID(raw)
			if ok && s.claim(visited, id) {
				ids = append(ids, id)
			}
		}
		if len(ids) == 0 {
			return nil
		}
		patients, err := s.lookupPatients(ctx, ids)
		if err != nil {
			return err
		}
		return s.evaluate(ctx, patients, checks)
	})
}

// streamStudies pages through matching studies and, for each page, through
// the patients enrolled in them.
func (s *search) streamStudies(ctx context.Context, cl compiledLeaf, checks []criteria.Node) error {
	visited := make(map[string]struct{})
	url := fmt.Sprintf("ResearchStudy?_elements=id&_count=%d%s", s.opts.PageSize, cl.fragment)
	return s.pages(ctx, url, func(b *fhir.Bundle) error {
		var ids []string
		for _, raw := range b.Resources() {
			var res fhir.Resource
			if err := json.Unmarshal(raw, &res); err == nil && res.ResourceType == "ResearchStudy" && res.ID != "" {
				ids = append(ids, fhir.EncodeSearchValue(res.ID))
			}
		}
		if len(ids) == 0 {
			return nil
		}
		enrolled := fhir.HasParam{
			TargetType:  "ResearchSubject",
			TargetParam: fhir.PatientReferenceParam("ResearchSubject"),
			SearchParam: "study",
			Value:       strings.Join(ids, ","),
		}
		return s.streamPatientsSeen(ctx, s.patientPageURL("&"+enrolled.String()), checks, visited)
	})
}

func (s *search) lookupPatients(ctx context.Context, ids []string) ([]Patient, error) {
	encoded := make([]string, len(ids))
	for i, id := range ids {
		encoded[i] = fhir.EncodeSearchValue(id)
	}
	url := fmt.Sprintf("Patient?_id=%s&_count=%d", strings.Join(encoded, ","), len(ids))

	resp, err := s.client.Get(ctx, url)
	if err != nil {
		return nil, err
	}
	b, err := decodeBundle(url, resp.Data)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]Patient, len(ids))
	for _, p := range patientsOf(b) {
		byID[p.ID] = p
	}
	out := make([]Patient, 0, len(ids))
	for _, id := range ids {
		if p, ok := byID[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Checks
// ---------------------------------------------------------------------------

// evaluate checks one page of candidates against checks and emits the ones
// that pass, in page order. It returns only when no check is in flight.
func (s *search) evaluate(ctx context.Context, candidates []Patient, checks []criteria.Node) error {
	if len(candidates) == 0 {
		return nil
	}
	s.state.addChecked(len(candidates))
	if len(checks) == 0 {
		return s.emit(candidates)
	}

	results := make([]outcome, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.MaxActiveChecks)
	for i, p := range candidates {
		s.state.addInFlight(1)
		g.Go(func() error {
			defer s.state.addInFlight(-1)
			res, err := s.matchAll(gctx, checks, p.ID)
			results[i] = res
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	passed := make([]Patient, 0, len(candidates))
	for i, p := range candidates {
		if results[i] == matched {
			passed = append(passed, p)
		}
	}
	return s.emit(passed)
}

func (s *search) emit(patients []Patient) error {
	added, full := s.state.append(patients)
	if len(added) > 0 {
		s.sink(added)
	}
	if full {
		return errMaxReached
	}
	return nil
}

func (s *search) matchAll(ctx context.Context, nodes []criteria.Node, patientID string) (outcome, error) {
	for _, n := range nodes {
		res, err := s.match(ctx, n, patientID)
		if err != nil || res == notMatched {
			return notMatched, err
		}
	}
	return matched, nil
}

func (s *search) match(ctx context.Context, n criteria.Node, patientID string) (outcome, error) {
	switch v := n.(type) {
	case *criteria.ResourceTypeCriteria:
		return s.check(ctx, v, patientID)
	case *criteria.Criteria:
		if v.Condition != criteria.Or {
			return s.matchAll(ctx, v.Rules, patientID)
		}
		for _, child := range v.Rules {
			res, err := s.match(ctx, child, patientID)
			if err != nil {
				return notMatched, err
			}
			if res == matched {
				return matched, nil
			}
		}
	}
	return notMatched, nil
}

// check asks whether the patient has at least one resource matching leaf.
// A non-auth 4xx answer counts as no match.
func (s *search) check(ctx context.Context, leaf *criteria.ResourceTypeCriteria, patientID string) (outcome, error) {
	url := s.checkURL(leaf, patientID)
	resp, err := s.client.Get(ctx, url, fhirclient.WithPriority(checkPriority))
	if err != nil {
		if fhirclient.IsClientError(err) {
			s.logger.Debug().Err(err).Str("url", url).Msg("check rejected, candidate dropped")
			return notMatched, nil
		}
		return notMatched, err
	}
	b, err := decodeBundle(url, resp.Data)
	if err != nil {
		return notMatched, err
	}
	if hasMatches(b) {
		return matched, nil
	}
	return notMatched, nil
}

func (s *search) checkURL(leaf *criteria.ResourceTypeCriteria, patientID string) string {
	cl := s.plan.leaves[leaf]
	id := fhir.EncodeSearchValue(patientID)
	switch leaf.ResourceType {
	case "Patient":
		return "Patient?_id=" + id + cl.fragment
	case "ResearchStudy":
		enrolled := fhir.HasParam{
			TargetType:  "ResearchSubject",
			TargetParam: "study",
			SearchParam: fhir.PatientReferenceParam("ResearchSubject"),
			Value:       "Patient/" + id,
		}
		return "ResearchStudy?" + enrolled.String() + "&_count=1" + cl.fragment
	default:
		return fmt.Sprintf("%s?%s=Patient/%s&_count=1%s",
			cl.searchType, fhir.PatientReferenceParam(cl.searchType), id, cl.fragment)
	}
}

// ---------------------------------------------------------------------------
// Bundle helpers
// ---------------------------------------------------------------------------

func decodeBundle(url string, data []byte) (*fhir.Bundle, error) {
	var b fhir.Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("decode bundle from %s: %w", url, err)
	}
	return &b, nil
}

// patientsOf returns the Patient resources of b in entry order.
func patientsOf(b *fhir.Bundle) []Patient {
	var out []Patient
	for _, raw := range b.Resources() {
		var res fhir.Resource
		if err := json.Unmarshal(raw, &res); err != nil {
			continue
		}
		if res.ResourceType == "Patient" && res.ID != "" {
			out = append(out, Patient{ID: res.ID, Resource: raw})
		}
	}
	return out
}

// hasMatches reports whether a search bundle matched anything. Entries with
// search mode "outcome" are server messages, not matches.
func hasMatches(b *fhir.Bundle) bool {
	if b.Total != nil && *b.Total > 0 {
		return true
	}
	for _, e := range b.Entry {
		if len(e.Resource) > 0 && (e.Search == nil || e.Search.Mode != "outcome") {
			return true
		}
	}
	return false
}
