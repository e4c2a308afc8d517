// Package ledger keeps the bounded in-memory window of recent attempts that
// backs real-time pattern detection, and feeds every attempt to the durable
// audit store off the request path.
package ledger

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/czhaoca/pathfinder-sub012/internal/domain/abuse"
)

// Store is the durable sink for attempt records.
type Store interface {
	Save(ctx context.Context, rec *abuse.AttemptRecord) error
}

// Config bounds the in-memory window
type Config struct {
	Retention time.Duration // how long attempts stay queryable in memory
	MaxPerIP  int           // hard cap per source IP, oldest evicted first
}

func (c Config) withDefaults() Config {
	if c.Retention <= 0 {
		c.Retention = 30 * time.Minute
	}
	if c.MaxPerIP <= 0 {
		c.MaxPerIP = 500
	}
	return c
}

// Ledger records attempts and serves read-only windowed snapshots. Records
// are immutable once written; readers always receive copies.
type Ledger struct {
	config Config
	store  Store
	logger *zap.Logger

	mu          sync.RWMutex
	byIP        map[string][]*abuse.AttemptRecord
	byEmailHash map[string][]*abuse.AttemptRecord
}

// New creates an attempt ledger. store may be nil in tests; durable
// persistence is then skipped.
func New(config Config, store Store, logger *zap.Logger) *Ledger {
	return &Ledger{
		config:      config.withDefaults(),
		store:       store,
		logger:      logger,
		byIP:        make(map[string][]*abuse.AttemptRecord),
		byEmailHash: make(map[string][]*abuse.AttemptRecord),
	}
}

// Record appends an attempt to the in-memory window and persists it
// asynchronously. A durable-store failure is logged and never surfaces to
// the caller.
func (l *Ledger) Record(ctx context.Context, rec *abuse.AttemptRecord) {
	if rec == nil {
		return
	}

	l.mu.Lock()
	l.byIP[rec.SourceIP] = appendBounded(l.pruneLocked(l.byIP[rec.SourceIP]), rec, l.config.MaxPerIP)
	if rec.EmailHash != "" {
		l.byEmailHash[rec.EmailHash] = appendBounded(l.pruneLocked(l.byEmailHash[rec.EmailHash]), rec, l.config.MaxPerIP)
	}
	l.mu.Unlock()

	if l.store == nil {
		return
	}
	go func() {
		saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := l.store.Save(saveCtx, rec); err != nil {
			l.logger.Warn("attempt audit write failed",
				zap.String("ip", rec.SourceIP),
				zap.String("action", rec.Action),
				zap.Error(err))
		}
	}()
}

// RecentByIP returns attempts from one IP within the trailing window,
// oldest first.
func (l *Ledger) RecentByIP(ip string, window time.Duration) []abuse.AttemptRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return copyWindow(l.byIP[ip], window)
}

// RecentByEmailHash returns attempts targeting one identity within the
// trailing window, across all source IPs.
func (l *Ledger) RecentByEmailHash(hash string, window time.Duration) []abuse.AttemptRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return copyWindow(l.byEmailHash[hash], window)
}

// WorkingSet builds the detection input for one source IP: its own recent
// attempts plus attempts from other sources that target the same identities.
// This is what lets fan-in patterns see the whole picture from a single
// trigger.
func (l *Ledger) WorkingSet(ip string, window time.Duration) []abuse.AttemptRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()

	own := copyWindow(l.byIP[ip], window)
	seen := make(map[string]bool, len(own))
	for i := range own {
		seen[own[i].ID.String()] = true
	}

	result := own
	for i := range own {
		hash := own[i].EmailHash
		if hash == "" {
			continue
		}
		for _, rec := range l.byEmailHash[hash] {
			if time.Since(rec.Timestamp) > window {
				continue
			}
			if seen[rec.ID.String()] {
				continue
			}
			seen[rec.ID.String()] = true
			result = append(result, *rec)
		}
	}
	return result
}

// Sweep evicts expired attempts. Called periodically by the owner.
func (l *Ledger) Sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	for ip, recs := range l.byIP {
		kept := l.pruneLocked(recs)
		if len(kept) == 0 {
			delete(l.byIP, ip)
		} else {
			l.byIP[ip] = kept
		}
	}
	for hash, recs := range l.byEmailHash {
		kept := l.pruneLocked(recs)
		if len(kept) == 0 {
			delete(l.byEmailHash, hash)
		} else {
			l.byEmailHash[hash] = kept
		}
	}
}

// pruneLocked drops records older than the retention bound. Must be called
// with the mutex held.
func (l *Ledger) pruneLocked(recs []*abuse.AttemptRecord) []*abuse.AttemptRecord {
	cutoff := time.Now().Add(-l.config.Retention)
	idx := 0
	for idx < len(recs) && recs[idx].Timestamp.Before(cutoff) {
		idx++
	}
	if idx == 0 {
		return recs
	}
	return recs[idx:]
}

func appendBounded(recs []*abuse.AttemptRecord, rec *abuse.AttemptRecord, max int) []*abuse.AttemptRecord {
	recs = append(recs, rec)
	if len(recs) > max {
		recs = recs[len(recs)-max:]
	}
	return recs
}

func copyWindow(recs []*abuse.AttemptRecord, window time.Duration) []abuse.AttemptRecord {
	cutoff := time.Now().Add(-window)
	var out []abuse.AttemptRecord
	for _, rec := range recs {
		if rec.Timestamp.Before(cutoff) {
			continue
		}
		out = append(out, *rec)
	}
	return out
}
