package client_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/dataops-go/internal/cache"
	"github.com/raphaelgruber/dataops-go/internal/client"
	"github.com/raphaelgruber/dataops-go/internal/lock"
	"github.com/raphaelgruber/dataops-go/internal/models"
	"github.com/raphaelgruber/dataops-go/internal/server"
	"github.com/raphaelgruber/dataops-go/internal/service"
)

// emptyGraph resolves nothing, so every batch ends in not found.
type emptyGraph struct{}

func (emptyGraph) GetByID(context.Context, string) (*models.ResourceNode, error) { return nil, nil }

func (emptyGraph) Query(context.Context, string, map[string]any) ([]models.ResourceNode, error) {
	return nil, nil
}

func (emptyGraph) Connected(context.Context, string, models.Direction) ([]models.ResourceNode, error) {
	return nil, nil
}

func newClient(t *testing.T) (*client.Client, *service.JobLedger) {
	t.Helper()
	store, err := cache.OpenBadger(cache.BadgerConfig{InMemory: true}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ledger := service.NewJobLedger(store, nil)
	locker := lock.New(store, nil)
	srv := server.New(server.Deps{
		Locker: locker,
		Ledger: ledger,
		Dispatcher: service.NewDispatcher(service.Dependencies{
			Graph:  emptyGraph{},
			Ledger: ledger,
			Locker: locker,
		}),
		WatchInterval: 10 * time.Millisecond,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return client.New(ts.URL), ledger
}

func TestClientLocks(t *testing.T) {
	c, _ := newClient(t)
	ctx := context.Background()

	ok, err := c.Lock(ctx, "k", lock.Write)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.Lock(ctx, "k", lock.Read)
	require.NoError(t, err)
	assert.False(t, ok)

	st, err := c.CheckLock(ctx, "k")
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, "0,1", *st)

	ok, err = c.Unlock(ctx, "k", lock.Write)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.Unlock(ctx, "k", lock.Write)
	require.NoError(t, err)
	assert.False(t, ok, "nothing left to release")

	st, err = c.CheckLock(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, st)

	_, err = c.Lock(ctx, "k", lock.Operation("exclusive"))
	assert.True(t, client.IsStatus(err, http.StatusBadRequest))
}

func TestClientBulkLocks(t *testing.T) {
	c, _ := newClient(t)
	ctx := context.Background()

	rows, err := c.BulkLock(ctx, []string{"b", "a"}, lock.Read)
	require.NoError(t, err)
	assert.True(t, lock.AllGranted(rows))
	assert.Equal(t, "a", rows[0].Key)

	rows, err = c.BulkLock(ctx, []string{"a", "c"}, lock.Write)
	require.NoError(t, err)
	assert.Equal(t, []lock.KeyStatus{{Key: "a"}, {Key: "c"}}, rows)

	n, err := c.ClearLocks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	rows, err = c.BulkUnlock(ctx, []string{"a"}, lock.Read)
	require.NoError(t, err)
	assert.False(t, lock.AllGranted(rows))
}

func TestClientJobs(t *testing.T) {
	c, _ := newClient(t)
	ctx := context.Background()

	job, err := c.CreateJob(ctx, server.CreateTaskRequest{
		SessionID: "s1", JobID: "j1", Source: "gr-proj/a.txt",
		Action: models.ActionDownload, Code: "proj", Operator: "alice",
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusInit, job.Status)

	_, err = c.CreateJob(ctx, server.CreateTaskRequest{
		SessionID: "s1", JobID: "j1", Source: "gr-proj/a.txt",
		Action: models.ActionDownload, Code: "proj", Operator: "alice",
	})
	assert.True(t, client.IsStatus(err, http.StatusConflict))

	job, err = c.UpdateJob(ctx, server.UpdateTaskRequest{SessionID: "s1", JobID: "j1", Status: "RUNNING", Progress: 40})
	require.NoError(t, err)
	assert.Equal(t, 40, job.Progress)

	checks, err := c.ValidateActions(ctx, service.OpTransfer, []string{"gr-proj/a.txt"})
	require.NoError(t, err)
	require.Len(t, checks, 1)
	assert.True(t, checks[0].IsValid, "transfer may run beside a download")

	jobs, err := c.ListJobs(ctx, service.JobFilter{SessionID: "s1"})
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	n, err := c.DeleteJobs(ctx, service.JobFilter{SessionID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestClientSubmitNotFound(t *testing.T) {
	c, _ := newClient(t)

	_, err := c.Submit(context.Background(), service.BatchRequest{
		Operator:  "alice",
		SessionID: "s1",
		ProjectID: "missing",
		Operation: service.OperationDelete,
		Payload:   service.BatchPayload{Targets: []service.Target{{ID: "x"}}},
	})
	require.Error(t, err)
	var apiErr *client.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Contains(t, apiErr.Message, "project not found")
}

func TestClientWatchJobs(t *testing.T) {
	c, ledger := newClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var frames [][]models.Job
	err := c.WatchJobs(ctx, service.JobFilter{SessionID: "s1"}, func(jobs []models.Job) error {
		frames = append(frames, jobs)
		if len(frames) == 1 {
			job := ledger.Create("s1", "proj", models.ActionUpload, "alice", "", "")
			require.NoError(t, ledger.AssignID(ctx, job, "j1"))
			job.Source = "gr-proj/a.txt"
			job.Status = models.StatusInit
			require.NoError(t, ledger.Save(ctx, job))
			return nil
		}
		return errStop
	})
	require.ErrorIs(t, err, errStop)
	require.Len(t, frames, 2)
	assert.Empty(t, frames[0])
	require.Len(t, frames[1], 1)
	assert.Equal(t, "j1", frames[1][0].JobID)
}

var errStop = errors.New("stop")
