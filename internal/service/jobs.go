// Package service provides the coordinator's business logic: the job
// ledger, folder flattening, destination conflict checks and the copy and
// delete dispatchers.
package service

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/raphaelgruber/dataops-go/internal/cache"
	"github.com/raphaelgruber/dataops-go/internal/metrics"
	"github.com/raphaelgruber/dataops-go/internal/models"
)

// Ledger defaults.
const (
	DefaultLabel  = "Container"
	DefaultTaskID = "default_task"
	// Wildcard leaves a filter field unconstrained.
	Wildcard = "*"
)

const (
	jobKeyPrefix      = "dataaction:"
	sourceIndexPrefix = "jobsrc:"
	jobKeySegments    = 7 // session, label, job, action, code, operator, source
)

var (
	ErrDuplicateJobID  = errors.New("job id already exists")
	ErrPrecondition    = errors.New("job precondition not met")
	ErrJobNotFound     = errors.New("job not found")
	ErrSessionRequired = errors.New("session_id is required")
)

// JobFilter selects jobs by identity tuple. Empty or "*" fields match
// anything; SessionID is always required.
type JobFilter struct {
	SessionID string `json:"session_id"`
	Label     string `json:"label"`
	JobID     string `json:"job_id"`
	Code      string `json:"code"`
	Action    string `json:"action"`
	Operator  string `json:"operator"`
}

func unconstrained(s string) bool { return s == "" || s == Wildcard }

func (f JobFilter) matches(k jobKey) bool {
	for _, pair := range [][2]string{
		{f.Label, k.label},
		{f.JobID, k.jobID},
		{f.Action, k.action},
		{f.Code, k.code},
		{f.Operator, k.operator},
	} {
		if !unconstrained(pair[0]) && pair[0] != pair[1] {
			return false
		}
	}
	return true
}

// scanPrefix is the longest key prefix fixed by the filter. Fields after the
// first wildcard are checked per key.
func (f JobFilter) scanPrefix() string {
	var b strings.Builder
	b.WriteString(jobKeyPrefix)
	b.WriteString(escape(f.SessionID))
	b.WriteByte(':')
	for _, field := range []string{f.Label, f.JobID, f.Action, f.Code, f.Operator} {
		if unconstrained(field) {
			break
		}
		b.WriteString(escape(field))
		b.WriteByte(':')
	}
	return b.String()
}

// jobKey is the parsed storage key of a job record.
type jobKey struct {
	sessionID, label, jobID, action, code, operator, source string
}

func keyOf(j *models.Job) jobKey {
	return jobKey{j.SessionID, j.Label, j.JobID, j.Action, j.Code, j.Operator, j.Source}
}

// escape keeps ':' and '*' out of key segments.
func escape(s string) string { return url.QueryEscape(s) }

func (k jobKey) String() string {
	parts := []string{k.sessionID, k.label, k.jobID, k.action, k.code, k.operator, k.source}
	for i, p := range parts {
		parts[i] = escape(p)
	}
	return jobKeyPrefix + strings.Join(parts, ":")
}

func (k jobKey) indexKey() string {
	return sourceIndexPrefix + escape(k.source) + ":" + k.String()
}

func parseJobKey(raw string) (jobKey, error) {
	rest, ok := strings.CutPrefix(raw, jobKeyPrefix)
	if !ok {
		return jobKey{}, fmt.Errorf("not a job key: %q", raw)
	}
	parts := strings.Split(rest, ":")
	if len(parts) != jobKeySegments {
		return jobKey{}, fmt.Errorf("job key %q: want %d segments, got %d", raw, jobKeySegments, len(parts))
	}
	for i, p := range parts {
		s, err := url.QueryUnescape(p)
		if err != nil {
			return jobKey{}, fmt.Errorf("job key %q: %w", raw, err)
		}
		parts[i] = s
	}
	return jobKey{parts[0], parts[1], parts[2], parts[3], parts[4], parts[5], parts[6]}, nil
}

// JobUpdate is a status/progress/payload change to an existing job.
type JobUpdate struct {
	SessionID string
	Label     string
	JobID     string
	Status    models.JobStatus
	Progress  int
	Payload   models.Payload
}

// JobLedger stores job records in the shared cache.
type JobLedger struct {
	cache   cache.Cache
	ttl     time.Duration
	now     func() time.Time
	metrics *metrics.Collector
	logger  *slog.Logger
}

// LedgerOption configures a JobLedger.
type LedgerOption func(*JobLedger)

// WithLedgerTTL overrides cache.DefaultTTL for job records.
func WithLedgerTTL(ttl time.Duration) LedgerOption {
	return func(l *JobLedger) { l.ttl = ttl }
}

// WithClock replaces time.Now for update timestamps.
func WithClock(now func() time.Time) LedgerOption {
	return func(l *JobLedger) { l.now = now }
}

// WithLedgerMetrics records ledger timings.
func WithLedgerMetrics(m *metrics.Collector) LedgerOption {
	return func(l *JobLedger) { l.metrics = m }
}

// NewJobLedger creates a ledger on top of c.
func NewJobLedger(c cache.Cache, log *slog.Logger, opts ...LedgerOption) *JobLedger {
	if log == nil {
		log = slog.Default()
	}
	l := &JobLedger{
		cache:  c,
		ttl:    cache.DefaultTTL,
		now:    time.Now,
		logger: log,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Create builds an unsaved job. AssignID must be called before Save.
func (l *JobLedger) Create(sessionID, code, action, operator, label, taskID string) *models.Job {
	if label == "" {
		label = DefaultLabel
	}
	if taskID == "" {
		taskID = DefaultTaskID
	}
	return &models.Job{
		SessionID: sessionID,
		Label:     label,
		TaskID:    taskID,
		Code:      code,
		Action:    action,
		Operator:  operator,
		Payload:   models.Payload{},
	}
}

// AssignID sets the job id after checking no record already uses it for the
// same session, label, action, code and operator.
func (l *JobLedger) AssignID(ctx context.Context, job *models.Job, jobID string) error {
	if jobID == "" || jobID == Wildcard {
		return fmt.Errorf("%w: job_id must be a concrete value", ErrPrecondition)
	}
	existing, err := l.Query(ctx, JobFilter{
		SessionID: job.SessionID,
		Label:     job.Label,
		JobID:     jobID,
		Code:      job.Code,
		Action:    job.Action,
		Operator:  job.Operator,
	})
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateJobID, jobID)
	}
	job.JobID = jobID
	return nil
}

// Save persists the job with a fresh update timestamp.
func (l *JobLedger) Save(ctx context.Context, job *models.Job) error {
	switch {
	case job.SessionID == "":
		return ErrSessionRequired
	case job.JobID == "":
		return fmt.Errorf("%w: job_id is not set", ErrPrecondition)
	case job.Source == "":
		return fmt.Errorf("%w: source is not set", ErrPrecondition)
	case job.Status == "":
		return fmt.Errorf("%w: status is not set", ErrPrecondition)
	}

	start := time.Now()
	defer func() { l.metrics.RecordTiming(metrics.OpLedgerSave, time.Since(start)) }()

	job.Touch(l.now())
	if job.Payload == nil {
		job.Payload = models.Payload{}
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.JobID, err)
	}

	key := keyOf(job)
	if err := l.cache.Set(ctx, key.String(), data, l.ttl); err != nil {
		return fmt.Errorf("save job %s: %w", job.JobID, err)
	}
	if err := l.cache.Set(ctx, key.indexKey(), []byte(key.String()), l.ttl); err != nil {
		return fmt.Errorf("index job %s: %w", job.JobID, err)
	}

	l.logger.Debug("job saved", "job_id", job.JobID, "session_id", job.SessionID, "status", job.Status)
	return nil
}

// matchingKeys lists the storage keys selected by f.
func (l *JobLedger) matchingKeys(ctx context.Context, f JobFilter) ([]string, []jobKey, error) {
	if unconstrained(f.SessionID) {
		return nil, nil, ErrSessionRequired
	}
	raw, err := l.cache.KeysByPrefix(ctx, f.scanPrefix())
	if err != nil {
		return nil, nil, fmt.Errorf("scan jobs: %w", err)
	}

	var (
		keys   []string
		parsed []jobKey
	)
	for _, k := range raw {
		jk, err := parseJobKey(k)
		if err != nil {
			l.logger.Warn("skipping malformed job key", "key", k, "error", err)
			continue
		}
		if jk.sessionID != f.SessionID || !f.matches(jk) {
			continue
		}
		keys = append(keys, k)
		parsed = append(parsed, jk)
	}
	return keys, parsed, nil
}

func (l *JobLedger) loadAll(ctx context.Context, keys []string) ([]*models.Job, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	values, err := l.cache.MGet(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("load jobs: %w", err)
	}

	jobs := make([]*models.Job, 0, len(values))
	for i, v := range values {
		if v == nil {
			continue // expired between scan and read
		}
		var job models.Job
		if err := json.Unmarshal(v, &job); err != nil {
			l.logger.Warn("skipping undecodable job record", "key", keys[i], "error", err)
			continue
		}
		jobs = append(jobs, &job)
	}
	return jobs, nil
}

func sortNewestFirst(jobs []*models.Job) {
	slices.SortStableFunc(jobs, func(a, b *models.Job) int {
		return cmp.Compare(b.Revision(), a.Revision())
	})
}

// Query returns every job matching f, newest first.
func (l *JobLedger) Query(ctx context.Context, f JobFilter) ([]*models.Job, error) {
	start := time.Now()
	defer func() { l.metrics.RecordTiming(metrics.OpLedgerQuery, time.Since(start)) }()

	keys, _, err := l.matchingKeys(ctx, f)
	if err != nil {
		return nil, err
	}
	jobs, err := l.loadAll(ctx, keys)
	if err != nil {
		return nil, err
	}
	sortNewestFirst(jobs)
	return jobs, nil
}

// Load returns the newest job for (session, label, job id).
func (l *JobLedger) Load(ctx context.Context, sessionID, label, jobID string) (*models.Job, error) {
	jobs, err := l.Query(ctx, JobFilter{SessionID: sessionID, Label: label, JobID: jobID})
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	return jobs[0], nil
}

// Update merges payload entries, sets status and progress, and saves.
func (l *JobLedger) Update(ctx context.Context, u JobUpdate) (*models.Job, error) {
	if u.Status == "" {
		return nil, fmt.Errorf("%w: status is required", ErrPrecondition)
	}
	job, err := l.Load(ctx, u.SessionID, u.Label, u.JobID)
	if err != nil {
		return nil, err
	}
	if job.Payload == nil {
		job.Payload = models.Payload{}
	}
	job.Payload.Merge(u.Payload)
	job.Progress = u.Progress
	job.Status = u.Status

	if err := l.Save(ctx, job); err != nil {
		return nil, err
	}
	l.logger.Info("job updated", "job_id", job.JobID, "status", job.Status, "progress", job.Progress)
	return job, nil
}

// Delete removes every job matching f together with its index entries.
func (l *JobLedger) Delete(ctx context.Context, f JobFilter) (int, error) {
	keys, parsed, err := l.matchingKeys(ctx, f)
	if err != nil {
		return 0, err
	}

	removed := 0
	for i, k := range keys {
		ok, err := l.cache.Delete(ctx, k)
		if err != nil {
			return removed, fmt.Errorf("delete job: %w", err)
		}
		if _, err := l.cache.Delete(ctx, parsed[i].indexKey()); err != nil {
			return removed, fmt.Errorf("delete job index: %w", err)
		}
		if ok {
			removed++
		}
	}
	l.logger.Info("jobs deleted", "session_id", f.SessionID, "count", removed)
	return removed, nil
}

// CurrentAction returns the action of the newest unfinished job whose source
// is path, or "" when the newest job is finished or none exists.
func (l *JobLedger) CurrentAction(ctx context.Context, path string) (string, error) {
	indexKeys, err := l.cache.KeysByPrefix(ctx, sourceIndexPrefix+escape(path)+":")
	if err != nil {
		return "", fmt.Errorf("scan source index: %w", err)
	}
	if len(indexKeys) == 0 {
		return "", nil
	}

	primaries, err := l.cache.MGet(ctx, indexKeys)
	if err != nil {
		return "", fmt.Errorf("read source index: %w", err)
	}
	keys := make([]string, 0, len(primaries))
	for _, p := range primaries {
		if p != nil {
			keys = append(keys, string(p))
		}
	}

	jobs, err := l.loadAll(ctx, keys)
	if err != nil {
		return "", err
	}
	if len(jobs) == 0 {
		return "", nil
	}
	sortNewestFirst(jobs)

	latest := jobs[0]
	if latest.Status.Done() {
		return "", nil
	}
	return latest.Action, nil
}
