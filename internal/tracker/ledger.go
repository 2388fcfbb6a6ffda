package tracker

import (
	"log"
	"sync"
	"time"

	"github.com/shehryarbajwa/pagepulse/pkg/models"
)

// Ledger holds every page record of a run. Each field of a record has a
// single writer: requests come from the recorder feed, violations and
// screenshots from the evaluator, the snapshot from the tracker on close.
type Ledger struct {
	mu         sync.RWMutex
	pages      []*models.PageRecord
	byID       map[string]*models.PageRecord
	openID     string
	violations []models.ThresholdViolation
	orphans    int

	// boundaries in event order; events numbered after a mark belong to its page
	marks []mark
}

type mark struct {
	seq    uint64
	pageID string
}

// NewLedger creates an empty ledger
func NewLedger() *Ledger {
	return &Ledger{byID: make(map[string]*models.PageRecord)}
}

func (l *Ledger) add(rec *models.PageRecord, seq uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec.Index = len(l.pages)
	l.pages = append(l.pages, rec)
	l.byID[rec.ID] = rec
	l.openID = rec.ID
	l.marks = append(l.marks, mark{seq: seq, pageID: rec.ID})
}

func (l *Ledger) finalize(id string, snap models.PerformanceSnapshot, end time.Time, seq uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.byID[id]
	if !ok {
		return
	}
	rec.Snapshot = &snap
	rec.EndTime = &end
	if l.openID == id {
		l.openID = ""
		l.marks = append(l.marks, mark{seq: seq})
	}
}

// PageAt returns the page that was open when the event numbered seq arrived,
// or "" when none was. Unnumbered events resolve to the page open now.
func (l *Ledger) PageAt(seq uint64) string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if seq == 0 {
		return l.openID
	}
	for i := len(l.marks) - 1; i >= 0; i-- {
		if l.marks[i].seq < seq {
			return l.marks[i].pageID
		}
	}
	return ""
}

// CurrentPageID returns the open page, or "" when none is open
func (l *Ledger) CurrentPageID() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.openID
}

// AppendRequest attributes a finalized request to the page it started under,
// even when that page has since closed
func (l *Ledger) AppendRequest(req models.NetworkRequestRecord) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.byID[req.PageID]
	if !ok {
		l.orphans++
		return false
	}
	rec.Requests = append(rec.Requests, req)
	return true
}

// AppendViolations records a batch against a page
func (l *Ledger) AppendViolations(pageID string, vs []models.ThresholdViolation) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if rec, ok := l.byID[pageID]; ok {
		rec.Violations = append(rec.Violations, vs...)
	} else {
		log.Printf("⚠️  Violations for unknown page %s", pageID)
	}
	l.violations = append(l.violations, vs...)
}

// AttachScreenshot adds an evidence screenshot to a page
func (l *Ledger) AttachScreenshot(pageID, path string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if rec, ok := l.byID[pageID]; ok {
		rec.Screenshots = append(rec.Screenshots, path)
	}
}

// Summary aggregates the requests attributed to a page so far
func (l *Ledger) Summary(pageID string) models.NetworkSummary {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rec, ok := l.byID[pageID]
	if !ok {
		return models.NetworkSummary{}
	}
	return summarize(rec.Requests)
}

// Pages returns copies of every record in open order. Records that are still
// open have a nil EndTime.
func (l *Ledger) Pages() []models.PageRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]models.PageRecord, len(l.pages))
	for i, rec := range l.pages {
		out[i] = copyRecord(rec)
	}
	return out
}

// Page returns a copy of one record by index
func (l *Ledger) Page(index int) (models.PageRecord, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if index < 0 || index >= len(l.pages) {
		return models.PageRecord{}, false
	}
	return copyRecord(l.pages[index]), true
}

// Violations returns every violation of the run in evaluation order
func (l *Ledger) Violations() []models.ThresholdViolation {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]models.ThresholdViolation, len(l.violations))
	copy(out, l.violations)
	return out
}

// Orphans counts requests that started while no page was open
func (l *Ledger) Orphans() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.orphans
}

func copyRecord(rec *models.PageRecord) models.PageRecord {
	out := *rec
	out.Requests = append([]models.NetworkRequestRecord(nil), rec.Requests...)
	out.Violations = append([]models.ThresholdViolation(nil), rec.Violations...)
	out.Screenshots = append([]string(nil), rec.Screenshots...)
	if rec.Snapshot != nil {
		snap := *rec.Snapshot
		// late requests keep arriving after close
		snap.Network = summarize(rec.Requests)
		out.Snapshot = &snap
	}
	return out
}

func summarize(reqs []models.NetworkRequestRecord) models.NetworkSummary {
	var s models.NetworkSummary
	for _, r := range reqs {
		s.RequestCount++
		s.TransferSize += r.EncodedSize
		if r.Status == models.RequestFailed {
			s.FailedCount++
		}
		switch r.Classification {
		case models.ClassServerError, models.ClassClientError, models.ClassAPIError:
			s.ErrorCount++
		}
	}
	return s
}
