package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/wardend/internal/config"
	"github.com/fyrsmithlabs/wardend/internal/detect"
)

// wilsonZ is the normal quantile for a 95% lower confidence bound.
const wilsonZ = 1.96

// IssueResolver is the slice of the issue registry the knowledge base
// needs: mapping an issue id to its record at attempt time.
type IssueResolver interface {
	Get(id string) (detect.Issue, bool)
}

// Base is the fix-attempt knowledge base.
//
// All methods are safe for concurrent use. Recording is fast and
// non-blocking; it only books outcomes, it never executes the
// remediation itself.
type Base struct {
	mu sync.RWMutex

	attempts  map[string]*Attempt
	order     []string
	byIssue   map[string][]string
	byPattern map[string][]string

	patterns     map[string]*Pattern
	misdiagnoses map[string]*MisdiagnosisRecord

	issues  IssueResolver
	cfg     config.LearningConfig
	logger  *zap.Logger
	metrics *knowledgeMetrics

	// onOutcome, when set, is told about every finalized attempt,
	// including watchdog abandonments. The decision engine hooks in
	// here to move issues between resolving and active.
	onOutcome   func(Attempt)
	onOutcomeMu sync.RWMutex
}

// New creates a knowledge base resolving issues through issues.
func New(cfg config.LearningConfig, issues IssueResolver, logger *zap.Logger) (*Base, error) {
	if issues == nil {
		return nil, fmt.Errorf("issue resolver cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Base{
		attempts:     make(map[string]*Attempt),
		byIssue:      make(map[string][]string),
		byPattern:    make(map[string][]string),
		patterns:     make(map[string]*Pattern),
		misdiagnoses: make(map[string]*MisdiagnosisRecord),
		issues:       issues,
		cfg:          cfg,
		logger:       logger,
		metrics:      newKnowledgeMetrics(logger),
	}, nil
}

// OnOutcome registers the callback invoked after every finalized
// attempt. Replaces any previous callback.
func (b *Base) OnOutcome(fn func(Attempt)) {
	b.onOutcomeMu.Lock()
	b.onOutcome = fn
	b.onOutcomeMu.Unlock()
}

// StartAttempt opens an in-flight attempt against an issue. The
// outcome arrives later through RecordOutcome, or from the watchdog
// as abandoned if it never does.
func (b *Base) StartAttempt(issueID, method, contextDigest string) (Attempt, error) {
	if issueID == "" {
		return Attempt{}, ErrEmptyIssueID
	}
	if method == "" {
		return Attempt{}, ErrEmptyMethod
	}
	issue, ok := b.issues.Get(issueID)
	if !ok {
		return Attempt{}, fmt.Errorf("%w: %s", ErrUnknownIssue, issueID)
	}

	attempt := &Attempt{
		ID:        newAttemptID(),
		IssueID:   issueID,
		IssueType: issue.Type,
		Method:    method,
		StartedAt: time.Now().UTC(),
		Context:   contextDigest,
	}

	b.mu.Lock()
	b.insert(attempt)
	b.mu.Unlock()

	b.metrics.recordStarted(issue.Type, method)
	b.logger.Info("attempt started",
		zap.String("attempt.id", attempt.ID),
		zap.String("issue.id", issueID),
		zap.String("method", method))
	return *attempt, nil
}

// RecordOutcome finalizes an in-flight attempt. Attempts are
// immutable once finalized; a second outcome is rejected.
//
// A successful outcome retroactively explains every earlier failed
// attempt on the same issue that used a different method: each one
// becomes (or extends) a misdiagnosis record pointing at the method
// that actually worked.
func (b *Base) RecordOutcome(attemptID string, result Result, rootCause string) (Attempt, error) {
	if !result.Valid() {
		return Attempt{}, fmt.Errorf("%w: %q", ErrInvalidResult, result)
	}

	b.mu.Lock()
	attempt, ok := b.attempts[attemptID]
	if !ok {
		b.mu.Unlock()
		return Attempt{}, fmt.Errorf("%w: %s", ErrAttemptNotFound, attemptID)
	}
	if !attempt.InFlight() {
		b.mu.Unlock()
		return Attempt{}, fmt.Errorf("%w: %s", ErrAttemptFinalized, attemptID)
	}

	now := time.Now().UTC()
	attempt.Result = result
	attempt.DurationMs = now.Sub(attempt.StartedAt).Milliseconds()
	attempt.RootCause = rootCause

	b.finalizeLocked(attempt, now)
	done := *attempt
	b.mu.Unlock()

	b.notifyOutcome(done)
	return done, nil
}

// RecordAttempt books an attempt and its outcome in one call, for
// callers that ran the remediation before telling us about it.
func (b *Base) RecordAttempt(issueID, method string, result Result, contextDigest string, durationMs int64) (Attempt, error) {
	if issueID == "" {
		return Attempt{}, ErrEmptyIssueID
	}
	if method == "" {
		return Attempt{}, ErrEmptyMethod
	}
	if !result.Valid() {
		return Attempt{}, fmt.Errorf("%w: %q", ErrInvalidResult, result)
	}
	issue, ok := b.issues.Get(issueID)
	if !ok {
		return Attempt{}, fmt.Errorf("%w: %s", ErrUnknownIssue, issueID)
	}

	now := time.Now().UTC()
	attempt := &Attempt{
		ID:         newAttemptID(),
		IssueID:    issueID,
		IssueType:  issue.Type,
		Method:     method,
		Result:     result,
		StartedAt:  now.Add(-time.Duration(durationMs) * time.Millisecond),
		DurationMs: durationMs,
		Context:    contextDigest,
	}

	b.mu.Lock()
	b.insert(attempt)
	b.finalizeLocked(attempt, now)
	done := *attempt
	b.mu.Unlock()

	b.metrics.recordStarted(issue.Type, method)
	b.notifyOutcome(done)
	return done, nil
}

// Attempts returns the recorded attempts for one issue, oldest first.
func (b *Base) Attempts(issueID string) []Attempt {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := b.byIssue[issueID]
	out := make([]Attempt, 0, len(ids))
	for _, id := range ids {
		out = append(out, *b.attempts[id])
	}
	return out
}

// Patterns returns all aggregates, sorted by key.
func (b *Base) Patterns() []Pattern {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Pattern, 0, len(b.patterns))
	for _, p := range b.patterns {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Misdiagnosis looks up the record for a (symptom, method) pair.
func (b *Base) Misdiagnosis(symptom, method string) (MisdiagnosisRecord, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	rec, ok := b.misdiagnoses[patternKey(symptom, method)]
	if !ok {
		return MisdiagnosisRecord{}, false
	}
	return *rec, true
}

// Misdiagnoses returns the full ledger, sorted by symptom then method.
func (b *Base) Misdiagnoses() []MisdiagnosisRecord {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]MisdiagnosisRecord, 0, len(b.misdiagnoses))
	for _, rec := range b.misdiagnoses {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SymptomSignature != out[j].SymptomSignature {
			return out[i].SymptomSignature < out[j].SymptomSignature
		}
		return out[i].AttemptedMethod < out[j].AttemptedMethod
	})
	return out
}

// insert books an attempt into every index. Caller holds b.mu.
func (b *Base) insert(a *Attempt) {
	b.attempts[a.ID] = a
	b.order = append(b.order, a.ID)
	b.byIssue[a.IssueID] = append(b.byIssue[a.IssueID], a.ID)
	key := patternKey(a.IssueType, a.Method)
	b.byPattern[key] = append(b.byPattern[key], a.ID)
}

// finalizeLocked folds a finalized attempt into the pattern table and
// runs the retroactive misdiagnosis linkage. Caller holds b.mu.
func (b *Base) finalizeLocked(a *Attempt, now time.Time) {
	key := patternKey(a.IssueType, a.Method)
	p, ok := b.patterns[key]
	if !ok {
		p = &Pattern{Key: key, IssueType: a.IssueType, Method: a.Method}
		b.patterns[key] = p
	}
	switch a.Result {
	case ResultSuccess:
		p.SuccessCount++
	case ResultPartial:
		p.PartialCount++
	default:
		p.FailureCount++
	}
	p.TotalDurationMs += a.DurationMs
	p.LastUpdated = now

	b.metrics.recordOutcome(a.IssueType, a.Method, string(a.Result))

	if a.Result == ResultSuccess {
		b.linkMisdiagnosesLocked(a, now)
	}
}

// linkMisdiagnosesLocked turns earlier failed attempts on the same
// issue into misdiagnosis records naming a's method as the fix.
// Caller holds b.mu.
func (b *Base) linkMisdiagnosesLocked(success *Attempt, now time.Time) {
	for _, id := range b.byIssue[success.IssueID] {
		prior := b.attempts[id]
		if prior.ID == success.ID || prior.Method == success.Method {
			continue
		}
		if !prior.Result.failed() {
			continue
		}
		if prior.StartedAt.After(success.StartedAt) {
			continue
		}

		key := patternKey(success.IssueType, prior.Method)
		rec, ok := b.misdiagnoses[key]
		if !ok {
			rec = &MisdiagnosisRecord{
				SymptomSignature: success.IssueType,
				AttemptedMethod:  prior.Method,
			}
			b.misdiagnoses[key] = rec
			b.metrics.recordMisdiagnosis(success.IssueType, prior.Method)
		}
		rec.TimeWastedMs += prior.DurationMs
		rec.Occurrences++
		rec.CorrectMethod = success.Method
		rec.ActualRootCause = success.RootCause
		if rec.ActualRootCause == "" {
			rec.ActualRootCause = "resolved by " + success.Method
		}
		rec.LastUpdated = now

		b.logger.Info("misdiagnosis recorded",
			zap.String("symptom", rec.SymptomSignature),
			zap.String("attempted_method", rec.AttemptedMethod),
			zap.String("correct_method", rec.CorrectMethod),
			zap.Int64("time_wasted_ms", rec.TimeWastedMs))
	}
}

func (b *Base) notifyOutcome(a Attempt) {
	b.onOutcomeMu.RLock()
	fn := b.onOutcome
	b.onOutcomeMu.RUnlock()
	if fn != nil {
		fn(a)
	}
}

// Suggest ranks known methods for an issue type.
//
// Confidence is the Wilson score lower bound over recency-weighted
// outcomes, so a method with two lucky successes never outranks one
// with a long solid record. Methods whose misdiagnosis ledger shows
// wasted time beyond the configured threshold are excluded, unless
// nothing else is known for the type; then they return with their
// warning attached rather than leaving the caller empty-handed.
func (b *Base) Suggest(issueType string) []Suggestion {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var kept, excluded []Suggestion
	threshold := b.cfg.MisdiagnosisCostThreshold.Duration().Milliseconds()

	for key, p := range b.patterns {
		if p.IssueType != issueType {
			continue
		}
		s := Suggestion{
			Method:      p.Method,
			SuccessRate: p.SuccessRate(),
			SampleSize:  p.attemptCount(),
		}
		if n := p.attemptCount(); n > 0 {
			s.ExpectedDurationMs = p.TotalDurationMs / int64(n)
		}
		s.Confidence = b.weightedConfidenceLocked(key)

		if rec, ok := b.misdiagnoses[key]; ok {
			s.Warning = fmt.Sprintf(
				"previously misdiagnosed %s: %s wasted %s across %d attempt(s); %s resolved it (%s)",
				rec.SymptomSignature, rec.AttemptedMethod,
				time.Duration(rec.TimeWastedMs)*time.Millisecond,
				rec.Occurrences, rec.CorrectMethod, rec.ActualRootCause)
			if threshold > 0 && rec.TimeWastedMs > threshold {
				excluded = append(excluded, s)
				continue
			}
		}
		kept = append(kept, s)
	}

	// A costly misdiagnosed method is still better than nothing.
	if len(kept) == 0 {
		kept = excluded
	}

	sort.Slice(kept, func(i, j int) bool {
		if kept[i].Confidence != kept[j].Confidence {
			return kept[i].Confidence > kept[j].Confidence
		}
		if kept[i].ExpectedDurationMs != kept[j].ExpectedDurationMs {
			return kept[i].ExpectedDurationMs < kept[j].ExpectedDurationMs
		}
		return kept[i].Method < kept[j].Method
	})

	b.metrics.recordSuggest(issueType, len(kept))
	return kept
}

// weightedConfidenceLocked computes the Wilson lower bound over the
// pattern's attempts, each weighted by recency. Caller holds b.mu.
func (b *Base) weightedConfidenceLocked(key string) float64 {
	halfLife := b.cfg.RecencyHalfLife.Duration()
	now := time.Now().UTC()

	var wins, total float64
	for _, id := range b.byPattern[key] {
		a := b.attempts[id]
		if a.InFlight() {
			continue
		}
		w := 1.0
		if halfLife > 0 {
			age := now.Sub(a.StartedAt)
			w = math.Exp(-math.Ln2 * float64(age) / float64(halfLife))
		}
		total += w
		switch a.Result {
		case ResultSuccess:
			wins += w
		case ResultPartial:
			wins += 0.5 * w
		}
	}
	return wilsonLowerBound(wins, total)
}

// wilsonLowerBound is the lower bound of the Wilson score interval
// for a Bernoulli proportion with wins successes in n trials.
func wilsonLowerBound(wins, n float64) float64 {
	if n <= 0 {
		return 0
	}
	p := wins / n
	z := wilsonZ
	denom := 1 + z*z/n
	center := p + z*z/(2*n)
	margin := z * math.Sqrt(p*(1-p)/n+z*z/(4*n*n))
	lower := (center - margin) / denom
	if lower < 0 {
		return 0
	}
	return lower
}

// Expire abandons in-flight attempts older than the configured
// timeout, returning the attempts it closed. Abandonment counts as
// failure everywhere downstream.
func (b *Base) Expire(now time.Time) []Attempt {
	timeout := b.cfg.AttemptTimeout.Duration()
	if timeout <= 0 {
		return nil
	}

	b.mu.Lock()
	var expired []Attempt
	for _, id := range b.order {
		a := b.attempts[id]
		if !a.InFlight() || now.Sub(a.StartedAt) < timeout {
			continue
		}
		a.Result = ResultAbandoned
		a.DurationMs = now.Sub(a.StartedAt).Milliseconds()
		b.finalizeLocked(a, now)
		expired = append(expired, *a)
	}
	b.mu.Unlock()

	for _, a := range expired {
		b.logger.Warn("attempt abandoned by watchdog",
			zap.String("attempt.id", a.ID),
			zap.String("issue.id", a.IssueID),
			zap.String("method", a.Method))
		b.notifyOutcome(a)
	}
	return expired
}

// RunWatchdog periodically expires stale attempts until ctx is done.
// Blocks; run in its own goroutine.
func (b *Base) RunWatchdog(ctx context.Context) {
	timeout := b.cfg.AttemptTimeout.Duration()
	if timeout <= 0 {
		<-ctx.Done()
		return
	}
	interval := timeout / 4
	if interval > 30*time.Second {
		interval = 30 * time.Second
	}
	if interval < time.Second {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.Expire(time.Now().UTC())
		}
	}
}

// learningSection is the persisted shape of the knowledge tables.
type learningSection struct {
	Attempts     []Attempt            `json:"attempts"`
	Patterns     []Pattern            `json:"patterns"`
	Misdiagnoses []MisdiagnosisRecord `json:"misdiagnoses"`
}

// MarshalSection serializes the knowledge tables for the persisted
// state document.
func (b *Base) MarshalSection() ([]byte, error) {
	b.mu.RLock()
	section := learningSection{
		Attempts:     make([]Attempt, 0, len(b.order)),
		Patterns:     make([]Pattern, 0, len(b.patterns)),
		Misdiagnoses: make([]MisdiagnosisRecord, 0, len(b.misdiagnoses)),
	}
	for _, id := range b.order {
		section.Attempts = append(section.Attempts, *b.attempts[id])
	}
	b.mu.RUnlock()

	section.Patterns = b.Patterns()
	section.Misdiagnoses = b.Misdiagnoses()
	return json.Marshal(section)
}

// RestoreSection loads previously persisted tables. Called once at
// startup, before any recording.
func (b *Base) RestoreSection(data []byte) error {
	var section learningSection
	if err := json.Unmarshal(data, &section); err != nil {
		return fmt.Errorf("failed to decode learning section: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.attempts = make(map[string]*Attempt, len(section.Attempts))
	b.order = b.order[:0]
	b.byIssue = make(map[string][]string)
	b.byPattern = make(map[string][]string)
	for i := range section.Attempts {
		a := section.Attempts[i]
		b.insert(&a)
	}

	b.patterns = make(map[string]*Pattern, len(section.Patterns))
	for i := range section.Patterns {
		p := section.Patterns[i]
		b.patterns[p.Key] = &p
	}

	b.misdiagnoses = make(map[string]*MisdiagnosisRecord, len(section.Misdiagnoses))
	for i := range section.Misdiagnoses {
		rec := section.Misdiagnoses[i]
		b.misdiagnoses[patternKey(rec.SymptomSignature, rec.AttemptedMethod)] = &rec
	}

	b.logger.Info("restored knowledge tables",
		zap.Int("attempts", len(section.Attempts)),
		zap.Int("patterns", len(section.Patterns)),
		zap.Int("misdiagnoses", len(section.Misdiagnoses)))
	return nil
}
