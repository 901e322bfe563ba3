package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/raphaelgruber/dataops-go/internal/models"
	"github.com/raphaelgruber/dataops-go/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLedger(t *testing.T) *service.JobLedger {
	t.Helper()
	return service.NewJobLedger(newMemCache(t), nil, service.WithClock(fixedClock()))
}

func saveJob(t *testing.T, l *service.JobLedger, session, action, jobID, source string) *models.Job {
	t.Helper()
	ctx := context.Background()
	job := l.Create(session, "proj", action, "alice", "", "")
	require.NoError(t, l.AssignID(ctx, job, jobID))
	job.Source = source
	job.Status = models.StatusInit
	require.NoError(t, l.Save(ctx, job))
	return job
}

func TestLedgerCreateDefaults(t *testing.T) {
	l := newLedger(t)
	job := l.Create("s1", "proj", models.ActionDelete, "alice", "", "")
	assert.Equal(t, service.DefaultLabel, job.Label)
	assert.Equal(t, service.DefaultTaskID, job.TaskID)
	assert.Empty(t, job.JobID)
	assert.NotNil(t, job.Payload)
}

func TestLedgerSavePreconditions(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)

	tests := []struct {
		name  string
		setup func(j *models.Job)
	}{
		{"missing job id", func(j *models.Job) { j.Source, j.Status = "p", models.StatusInit }},
		{"missing source", func(j *models.Job) { j.JobID, j.Status = "j", models.StatusInit }},
		{"missing status", func(j *models.Job) { j.JobID, j.Source = "j", "p" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := l.Create("s1", "proj", models.ActionDelete, "alice", "", "")
			tt.setup(job)
			assert.ErrorIs(t, l.Save(ctx, job), service.ErrPrecondition)
		})
	}
}

func TestLedgerDuplicateJobID(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)
	saveJob(t, l, "s1", models.ActionDelete, "job-1", "gr-proj/a.txt")

	dup := l.Create("s1", "proj", models.ActionDelete, "alice", "", "")
	err := l.AssignID(ctx, dup, "job-1")
	assert.ErrorIs(t, err, service.ErrDuplicateJobID)
	assert.Empty(t, dup.JobID)

	// Same id under another action is a different identity.
	other := l.Create("s1", "proj", models.ActionTransfer, "alice", "", "")
	assert.NoError(t, l.AssignID(ctx, other, "job-1"))
}

func TestLedgerQueryWildcards(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)
	saveJob(t, l, "s1", models.ActionDelete, "j1", "gr-proj/a.txt")
	saveJob(t, l, "s1", models.ActionDelete, "j2", "gr-proj/b.txt")
	saveJob(t, l, "s1", models.ActionTransfer, "j3", "gr-proj/c.txt")
	saveJob(t, l, "s2", models.ActionDelete, "j4", "gr-proj/d.txt")

	all, err := l.Query(ctx, service.JobFilter{SessionID: "s1", JobID: service.Wildcard})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"j3", "j2", "j1"}, jobIDs(all), "newest first")

	deletes, err := l.Query(ctx, service.JobFilter{
		SessionID: "s1", Label: service.DefaultLabel, JobID: "*",
		Action: models.ActionDelete, Code: "proj", Operator: "alice",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"j2", "j1"}, jobIDs(deletes))

	none, err := l.Query(ctx, service.JobFilter{SessionID: "s1", Operator: "bob"})
	require.NoError(t, err)
	assert.Empty(t, none)

	_, err = l.Query(ctx, service.JobFilter{SessionID: "*"})
	assert.ErrorIs(t, err, service.ErrSessionRequired)
}

func TestLedgerKeysTolerateSeparators(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)
	saveJob(t, l, "s:1", models.ActionDelete, "j*1", "bucket/dir:x/file*.txt")
	saveJob(t, l, "s", models.ActionDelete, "j2", "other")

	got, err := l.Query(ctx, service.JobFilter{SessionID: "s:1"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "j*1", got[0].JobID)
	assert.Equal(t, "bucket/dir:x/file*.txt", got[0].Source)

	exact, err := l.Query(ctx, service.JobFilter{SessionID: "s"})
	require.NoError(t, err)
	assert.Equal(t, []string{"j2"}, jobIDs(exact), "session prefix does not leak into s:1")
}

func TestLedgerUpdate(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)
	saveJob(t, l, "s1", models.ActionDelete, "j1", "gr-proj/a.txt")

	job, err := l.Update(ctx, service.JobUpdate{
		SessionID: "s1", Label: service.DefaultLabel, JobID: "j1",
		Status: models.StatusSucceed, Progress: 100,
		Payload: models.Payload{"note": models.String("done")},
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusSucceed, job.Status)

	loaded, err := l.Load(ctx, "s1", service.DefaultLabel, "j1")
	require.NoError(t, err)
	assert.Equal(t, 100, loaded.Progress)
	assert.True(t, loaded.Payload["note"].Equal(models.String("done")))

	_, err = l.Update(ctx, service.JobUpdate{SessionID: "s1", JobID: "missing", Status: models.StatusRunning})
	assert.ErrorIs(t, err, service.ErrJobNotFound)
}

func TestLedgerDelete(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)
	saveJob(t, l, "s1", models.ActionDelete, "j1", "gr-proj/a.txt")
	saveJob(t, l, "s1", models.ActionTransfer, "j2", "gr-proj/b.txt")

	n, err := l.Delete(ctx, service.JobFilter{SessionID: "s1", Action: models.ActionDelete})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	left, err := l.Query(ctx, service.JobFilter{SessionID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"j2"}, jobIDs(left))

	action, err := l.CurrentAction(ctx, "gr-proj/a.txt")
	require.NoError(t, err)
	assert.Empty(t, action, "source index entry removed with the record")
}

func TestLedgerCurrentAction(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)

	action, err := l.CurrentAction(ctx, "gr-proj/a.txt")
	require.NoError(t, err)
	assert.Empty(t, action)

	job := saveJob(t, l, "s1", models.ActionTransfer, "j1", "gr-proj/a.txt")
	action, err = l.CurrentAction(ctx, "gr-proj/a.txt")
	require.NoError(t, err)
	assert.Equal(t, models.ActionTransfer, action)

	job.Status = models.StatusSucceed
	require.NoError(t, l.Save(ctx, job))
	action, err = l.CurrentAction(ctx, "gr-proj/a.txt")
	require.NoError(t, err)
	assert.Empty(t, action, "finished jobs do not block")

	saveJob(t, l, "s2", models.ActionDelete, "j2", "gr-proj/a.txt")
	action, err = l.CurrentAction(ctx, "gr-proj/a.txt")
	require.NoError(t, err)
	assert.Equal(t, models.ActionDelete, action, "newest job wins")
}

func TestLedgerCurrentActionWithinOneSecond(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	l := service.NewJobLedger(newMemCache(t), nil, service.WithClock(func() time.Time {
		now = now.Add(10 * time.Millisecond)
		return now
	}))

	// "a-old" sorts first by key, so only the save time can put "b-new" ahead.
	old := saveJob(t, l, "s1", models.ActionUpload, "a-old", "core-proj/x.txt")
	old.Status = models.StatusTerminated
	require.NoError(t, l.Save(ctx, old))

	fresh := saveJob(t, l, "s1", models.ActionUpload, "b-new", "core-proj/x.txt")
	fresh.Status = models.StatusRunning
	require.NoError(t, l.Save(ctx, fresh))

	assert.Equal(t, old.UpdateTimestamp, fresh.UpdateTimestamp, "both saves fall in the same second")
	action, err := l.CurrentAction(ctx, "core-proj/x.txt")
	require.NoError(t, err)
	assert.Equal(t, models.ActionUpload, action)

	jobs, err := l.Query(ctx, service.JobFilter{SessionID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"b-new", "a-old"}, jobIDs(jobs))
}

func TestLedgerTTL(t *testing.T) {
	ctx := context.Background()
	l := service.NewJobLedger(newMemCache(t), nil, service.WithLedgerTTL(time.Second))
	saveJob(t, l, "s1", models.ActionDelete, "j1", "p")

	require.Eventually(t, func() bool {
		jobs, err := l.Query(ctx, service.JobFilter{SessionID: "s1"})
		return err == nil && len(jobs) == 0
	}, 5*time.Second, 100*time.Millisecond)
}

func jobIDs(jobs []*models.Job) []string {
	out := make([]string, len(jobs))
	for i, j := range jobs {
		out[i] = j.JobID
	}
	return out
}
