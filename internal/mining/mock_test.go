package mining

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/sells-group/icp-miner/internal/audit"
	"github.com/sells-group/icp-miner/internal/model"
	"github.com/sells-group/icp-miner/internal/store"
	"github.com/sells-group/icp-miner/pkg/peoplesearch"
)

// memStore is an in-memory ProgressStore with the same write semantics as
// the SQL stores.
type memStore struct {
	mu       sync.Mutex
	profiles map[string]*model.MiningProfile
	order    []string

	updates   []model.ProgressUpdate
	completes []model.CompleteOptions

	updateErr error
	listErr   error
}

func newMemStore(profiles ...model.MiningProfile) *memStore {
	s := &memStore{profiles: make(map[string]*model.MiningProfile)}
	for _, p := range profiles {
		p := p
		if p.Status == "" {
			p.Status = model.ProfileStatusPending
		}
		s.profiles[p.ID] = &p
		s.order = append(s.order, p.ID)
	}
	return s
}

func (s *memStore) get(id string) model.MiningProfile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.profiles[id]
}

func (s *memStore) GetProfile(_ context.Context, id string) (*model.MiningProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *memStore) ListPending(_ context.Context, siteID string, limit int) ([]model.MiningProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []model.MiningProfile
	for _, id := range s.order {
		p := s.profiles[id]
		if p.SiteID == siteID && !p.Status.IsTerminal() && len(out) < limit {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (s *memStore) MarkStarted(_ context.Context, id string) (*model.MiningProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if p.Status.IsTerminal() {
		return nil, store.ErrTerminal
	}
	p.Status = model.ProfileStatusRunning
	p.LeaseVersion++
	cp := *p
	return &cp, nil
}

func (s *memStore) UpdateProgress(_ context.Context, id string, upd model.ProgressUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		return s.updateErr
	}
	p, ok := s.profiles[id]
	if !ok {
		return store.ErrNotFound
	}
	if upd.LeaseVersion != 0 && upd.LeaseVersion != p.LeaseVersion {
		return store.ErrLeaseLost
	}
	s.updates = append(s.updates, upd)

	p.ProcessedTargets += upd.DeltaProcessed
	p.FoundMatches += upd.DeltaFound
	if upd.CurrentPage != nil && *upd.CurrentPage > p.CurrentPage {
		p.CurrentPage = *upd.CurrentPage
	}
	if upd.TotalTargets != nil {
		p.TotalTargets = model.IntPtr(*upd.TotalTargets)
	}
	if upd.PageSize != nil {
		p.PageSize = model.IntPtr(*upd.PageSize)
	}
	if upd.Status != nil {
		p.Status = *upd.Status
	}
	if upd.AppendError != "" {
		msg := upd.AppendError
		if p.LastError != nil && *p.LastError != "" {
			msg = *p.LastError + "; " + msg
		}
		p.LastError = &msg
	}
	return nil
}

func (s *memStore) MarkCompleted(_ context.Context, id string, opts model.CompleteOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[id]
	if !ok {
		return store.ErrNotFound
	}
	if opts.LeaseVersion != 0 && opts.LeaseVersion != p.LeaseVersion {
		return store.ErrLeaseLost
	}
	s.completes = append(s.completes, opts)
	if opts.Failed {
		p.Status = model.ProfileStatusFailed
		if opts.LastError != "" {
			msg := opts.LastError
			p.LastError = &msg
		}
		return nil
	}
	p.Status = model.ProfileStatusCompleted
	p.LastError = nil
	return nil
}

// scriptedSearch serves canned pages and records every request.
type scriptedSearch struct {
	mu     sync.Mutex
	pages  map[int]*peoplesearch.PageResponse
	errs   map[int]error
	calls  []peoplesearch.PageRequest
	before func(req peoplesearch.PageRequest)

	// fallback serves pages that were not scripted.
	fallback func(page int) *peoplesearch.PageResponse
}

func newScriptedSearch() *scriptedSearch {
	return &scriptedSearch{
		pages: make(map[int]*peoplesearch.PageResponse),
		errs:  make(map[int]error),
	}
}

func (s *scriptedSearch) page(n int, resp *peoplesearch.PageResponse) *scriptedSearch {
	s.pages[n] = resp
	return s
}

func (s *scriptedSearch) fail(n int, err error) *scriptedSearch {
	s.errs[n] = err
	return s
}

func (s *scriptedSearch) SearchPage(ctx context.Context, req peoplesearch.PageRequest) (*peoplesearch.PageResponse, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	before := s.before
	s.mu.Unlock()

	if before != nil {
		before(req)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err, ok := s.errs[req.Page]; ok {
		delete(s.errs, req.Page)
		return nil, err
	}
	if resp, ok := s.pages[req.Page]; ok {
		cp := *resp
		return &cp, nil
	}
	if s.fallback != nil {
		return s.fallback(req.Page), nil
	}
	return nil, eris.Errorf("no page %d scripted", req.Page)
}

func (s *scriptedSearch) pagesRequested() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, len(s.calls))
	for i, c := range s.calls {
		out[i] = c.Page
	}
	return out
}

// recordingAudit keeps every event.
type recordingAudit struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *recordingAudit) Log(_ context.Context, ev audit.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingAudit) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

// staticResolver maps sites to owners.
type staticResolver struct {
	owners map[string]string
	err    error
	calls  int
}

func (r *staticResolver) OwnerOf(_ context.Context, siteID string) (string, error) {
	r.calls++
	if r.err != nil {
		return "", r.err
	}
	return r.owners[siteID], nil
}

func okPage(processed, found int, hasMore bool) *peoplesearch.PageResponse {
	persons := make([]peoplesearch.Person, processed)
	for i := range persons {
		persons[i] = peoplesearch.Person{ID: "person", Qualified: i < found}
	}
	return &peoplesearch.PageResponse{
		Success:      true,
		Persons:      persons,
		HasMore:      hasMore,
		Processed:    processed,
		FoundMatches: found,
	}
}

func withTotal(resp *peoplesearch.PageResponse, total int) *peoplesearch.PageResponse {
	resp.Total = model.IntPtr(total)
	return resp
}
