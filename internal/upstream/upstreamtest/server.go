// Package upstreamtest provides an in-process fake of the registry API for tests.
package upstreamtest

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/registry-scanner/internal/upstream"
)

// Server serves a fixed record set with the registry's filters and result cap
type Server struct {
	*httptest.Server

	Cap int

	mu                 sync.RWMutex
	records            []upstream.RawRecord
	failNext           int
	failJurisdictions  map[string]int
	failPages          map[string]int
	failRanges         []failRange
	honorModifiedSince bool

	requests atomic.Int64
}

type failRange struct {
	from, to time.Time
	status   int
}

// NewServer starts a fake registry holding records, refusing pages past resultCap
func NewServer(records []upstream.RawRecord, resultCap int) *Server {
	s := &Server{
		Cap:               resultCap,
		failJurisdictions: make(map[string]int),
		failPages:         make(map[string]int),
	}
	s.SetRecords(records)
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// SetRecords replaces the served record set
func (s *Server) SetRecords(records []upstream.RawRecord) {
	sorted := make([]upstream.RawRecord, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	s.mu.Lock()
	s.records = sorted
	s.mu.Unlock()
}

// HonorModifiedSince makes the fake apply the modifiedSince filter
func (s *Server) HonorModifiedSince(v bool) {
	s.mu.Lock()
	s.honorModifiedSince = v
	s.mu.Unlock()
}

// FailNext makes the next n requests answer 503
func (s *Server) FailNext(n int) {
	s.mu.Lock()
	s.failNext = n
	s.mu.Unlock()
}

// FailJurisdiction makes every request for the jurisdiction answer status
func (s *Server) FailJurisdiction(jurisdiction string, status int) {
	s.mu.Lock()
	s.failJurisdictions[jurisdiction] = status
	s.mu.Unlock()
}

// FailPages makes page requests (size > 1) for the jurisdiction answer status.
// Count probes still succeed. Status 0 clears the failure.
func (s *Server) FailPages(jurisdiction string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if status == 0 {
		delete(s.failPages, jurisdiction)
		return
	}
	s.failPages[jurisdiction] = status
}

// FailRange makes every page request (size > 1) whose registration window starts inside
// [from, to) answer status. Count probes still succeed.
func (s *Server) FailRange(from, to time.Time, status int) {
	s.mu.Lock()
	s.failRanges = append(s.failRanges, failRange{from: from, to: to, status: status})
	s.mu.Unlock()
}

// Requests returns the number of requests served
func (s *Server) Requests() int {
	return int(s.requests.Load())
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	s.requests.Add(1)

	if r.URL.Path != "/entities" {
		http.NotFound(w, r)
		return
	}

	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	size, err := strconv.Atoi(q.Get("size"))
	if err != nil || size <= 0 {
		http.Error(w, "invalid size", http.StatusUnprocessableEntity)
		return
	}
	jurisdiction := q.Get("jurisdiction")
	from := parseDay(q.Get("registeredFrom"))
	to := parseDay(q.Get("registeredTo"))

	if status := s.injectedFailure(jurisdiction, from, size); status != 0 {
		http.Error(w, "injected failure", status)
		return
	}

	if (page+1)*size > s.Cap {
		http.Error(w, fmt.Sprintf("result window exceeds %d", s.Cap), http.StatusBadRequest)
		return
	}

	matched := s.filter(jurisdiction, from, to, q.Get("modifiedSince"))

	total := len(matched)
	start := min(page*size, total)
	end := min(start+size, total)

	resp := upstream.Response{
		Records: matched[start:end],
		Page: upstream.PageInfo{
			Number:        page,
			Size:          size,
			TotalElements: total,
			TotalPages:    (total + size - 1) / size,
		},
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) injectedFailure(jurisdiction string, from *time.Time, size int) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failNext > 0 {
		s.failNext--
		return http.StatusServiceUnavailable
	}
	if status, ok := s.failJurisdictions[jurisdiction]; ok {
		return status
	}
	if status, ok := s.failPages[jurisdiction]; ok && size > 1 {
		return status
	}
	if size > 1 && from != nil {
		for _, fr := range s.failRanges {
			if !from.Before(fr.from) && from.Before(fr.to) {
				return fr.status
			}
		}
	}
	return 0
}

func (s *Server) filter(jurisdiction string, from, to *time.Time, modifiedSince string) []upstream.RawRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var since *time.Time
	if s.honorModifiedSince && modifiedSince != "" {
		if t, err := time.Parse(time.RFC3339, modifiedSince); err == nil {
			since = &t
		}
	}

	out := make([]upstream.RawRecord, 0)
	for _, rec := range s.records {
		if jurisdiction != "" && (rec.BusinessAddress == nil || rec.BusinessAddress.JurisdictionID != jurisdiction) {
			continue
		}
		reg, ok := rec.RegisteredOn()
		if from != nil && (!ok || reg.Before(*from)) {
			continue
		}
		if to != nil && (!ok || !reg.Before(*to)) {
			continue
		}
		if since != nil {
			mod, ok := rec.ModifiedTime()
			if !ok || mod.Before(*since) {
				continue
			}
		}
		out = append(out, rec)
	}
	return out
}

func parseDay(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return nil
	}
	return &t
}
