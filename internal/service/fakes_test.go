package service_test

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/raphaelgruber/dataops-go/internal/cache"
	"github.com/raphaelgruber/dataops-go/internal/lock"
	"github.com/raphaelgruber/dataops-go/internal/models"
	"github.com/raphaelgruber/dataops-go/internal/service"
	"github.com/stretchr/testify/require"
)

// fakeGraph is an in-memory resource graph keyed by GEID.
type fakeGraph struct {
	nodes    map[string]models.ResourceNode
	children map[string][]string
	queryErr error
	queries  int
}

func newFakeGraph() *fakeGraph {
	return &fakeGraph{nodes: map[string]models.ResourceNode{}, children: map[string][]string{}}
}

func (g *fakeGraph) add(n models.ResourceNode, parent string) {
	g.nodes[n.ID] = n
	if parent != "" {
		g.children[parent] = append(g.children[parent], n.ID)
	}
}

func (g *fakeGraph) GetByID(_ context.Context, id string) (*models.ResourceNode, error) {
	n, ok := g.nodes[id]
	if !ok {
		return nil, nil
	}
	return &n, nil
}

func (g *fakeGraph) Query(_ context.Context, label string, filter map[string]any) ([]models.ResourceNode, error) {
	g.queries++
	if g.queryErr != nil {
		return nil, g.queryErr
	}
	var out []models.ResourceNode
	for _, n := range g.nodes {
		if !slices.Contains(n.Labels, label) || !matchFilter(n, filter) {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

func matchFilter(n models.ResourceNode, filter map[string]any) bool {
	for k, v := range filter {
		switch k {
		case "labels":
			for _, l := range v.([]string) {
				if !slices.Contains(n.Labels, l) {
					return false
				}
			}
		case "project_code":
			if n.ProjectCode != v {
				return false
			}
		case "folder_relative_path":
			if n.FolderRelativePath != v {
				return false
			}
		case "name":
			if n.Name != v {
				return false
			}
		case "archived":
			if n.Archived != v {
				return false
			}
		case "global_entity_id":
			if n.ID != v {
				return false
			}
		}
	}
	return true
}

func (g *fakeGraph) Connected(_ context.Context, id string, dir models.Direction) ([]models.ResourceNode, error) {
	if dir != models.Output {
		return nil, errors.New("fake graph only supports output")
	}
	var out []models.ResourceNode
	for _, c := range g.children[id] {
		out = append(out, g.nodes[c])
	}
	return out, nil
}

// recordingPublisher captures events and fails for selected input paths.
type recordingPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
	failOn map[string]bool
}

type publishedEvent struct {
	Type    string
	Payload map[string]any
}

func (p *recordingPublisher) Publish(_ context.Context, eventType string, payload map[string]any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if in, _ := payload["input_path"].(string); p.failOn[in] {
		return errors.New("queue unavailable")
	}
	p.events = append(p.events, publishedEvent{Type: eventType, Payload: payload})
	return nil
}

func newMemCache(t *testing.T) cache.Cache {
	t.Helper()
	store, err := cache.OpenBadger(cache.BadgerConfig{InMemory: true}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// fixedClock returns a clock that advances one second per call so ledger
// ordering is deterministic.
func fixedClock() func() time.Time {
	var mu sync.Mutex
	t := time.Unix(1_700_000_000, 0)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Second)
		return t
	}
}

type harness struct {
	graph     *fakeGraph
	cache     cache.Cache
	ledger    *service.JobLedger
	locker    *lock.Locker
	publisher *recordingPublisher
	disp      *service.Dispatcher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		graph:     newFakeGraph(),
		cache:     newMemCache(t),
		publisher: &recordingPublisher{failOn: map[string]bool{}},
	}
	h.ledger = service.NewJobLedger(h.cache, nil, service.WithClock(fixedClock()))
	h.locker = lock.New(h.cache, nil)
	h.disp = service.NewDispatcher(service.Dependencies{
		Graph:     h.graph,
		Ledger:    h.ledger,
		Locker:    h.locker,
		Publisher: h.publisher,
		Storage:   service.StorageConfig{GreenroomRoot: "/data/greenroom", CoreRoot: "/data/core"},
	})
	return h
}

// seedProject builds:
//
//	proj (Container)
//	├── raw (Folder, Greenroom)
//	│   ├── a.txt
//	│   └── sub (Folder)
//	│       └── b.txt
//	├── single.csv (File, Greenroom)
//	└── dest (Folder, Core)
func (h *harness) seedProject() {
	h.graph.add(models.ResourceNode{ID: "proj", Name: "Project", Labels: []string{"Container"}, ProjectCode: "proj"}, "")
	h.graph.add(models.ResourceNode{ID: "raw", Name: "raw", Labels: []string{"Folder", "Greenroom"}, ProjectCode: "proj"}, "proj")
	h.graph.add(models.ResourceNode{
		ID: "a", Name: "a.txt", Labels: []string{"File", "Greenroom"}, ProjectCode: "proj",
		FolderRelativePath: "raw", Location: "minio://minio:9000/gr-proj/raw/a.txt", Uploader: "alice",
	}, "raw")
	h.graph.add(models.ResourceNode{ID: "sub", Name: "sub", Labels: []string{"Folder", "Greenroom"}, ProjectCode: "proj", FolderRelativePath: "raw"}, "raw")
	h.graph.add(models.ResourceNode{
		ID: "b", Name: "b.txt", Labels: []string{"File", "Greenroom"}, ProjectCode: "proj",
		FolderRelativePath: "raw/sub", Location: "minio://minio:9000/gr-proj/raw/sub/b.txt",
	}, "sub")
	h.graph.add(models.ResourceNode{
		ID: "single", Name: "single.csv", Labels: []string{"File", "Greenroom"}, ProjectCode: "proj",
		Location: "minio://minio:9000/gr-proj/single.csv",
	}, "proj")
	h.graph.add(models.ResourceNode{ID: "dest", Name: "dest", Labels: []string{"Folder", "Core"}, ProjectCode: "proj"}, "proj")
}
