package service

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/raphaelgruber/dataops-go/internal/metrics"
	"github.com/raphaelgruber/dataops-go/internal/models"
)

// ErrCycleDetected is returned when a folder is reachable from itself.
var ErrCycleDetected = errors.New("cycle detected in resource tree")

// MetadataProvider is the read-only view of the resource graph.
type MetadataProvider interface {
	// GetByID returns nil, nil when no node has the id.
	GetByID(ctx context.Context, id string) (*models.ResourceNode, error)
	Query(ctx context.Context, label string, filter map[string]any) ([]models.ResourceNode, error)
	// Connected returns the direct neighbours in the given direction.
	Connected(ctx context.Context, id string, dir models.Direction) ([]models.ResourceNode, error)
}

// Leaf is a file found below a folder, with the folder names between the
// folder and the file's parent.
type Leaf struct {
	Node         models.ResourceNode
	RelativePath []string
}

// TreeFlattener expands folders into their descendant files.
type TreeFlattener struct {
	graph   MetadataProvider
	metrics *metrics.Collector
	logger  *slog.Logger
}

// NewTreeFlattener creates a flattener over graph.
func NewTreeFlattener(graph MetadataProvider, m *metrics.Collector, log *slog.Logger) *TreeFlattener {
	if log == nil {
		log = slog.Default()
	}
	return &TreeFlattener{graph: graph, metrics: m, logger: log}
}

// Flatten walks folder depth-first and returns every non-archived file below
// it. Children are visited in name order. A node reachable through two
// parents is reported once.
func (f *TreeFlattener) Flatten(ctx context.Context, folder *models.ResourceNode) ([]Leaf, error) {
	start := time.Now()
	defer func() { f.metrics.RecordTiming(metrics.OpFlatten, time.Since(start)) }()

	w := walker{
		graph:  f.graph,
		onPath: map[string]bool{},
		seen:   map[string]bool{},
	}
	if err := w.walk(ctx, folder, nil); err != nil {
		return nil, err
	}

	f.logger.Debug("folder flattened", "geid", folder.ID, "files", len(w.leaves))
	return w.leaves, nil
}

type walker struct {
	graph  MetadataProvider
	onPath map[string]bool // folders on the current descent
	seen   map[string]bool
	leaves []Leaf
}

func (w *walker) walk(ctx context.Context, folder *models.ResourceNode, rel []string) error {
	if w.onPath[folder.ID] {
		return fmt.Errorf("%w: folder %s (%s)", ErrCycleDetected, folder.ID, folder.Name)
	}
	w.onPath[folder.ID] = true
	defer delete(w.onPath, folder.ID)

	children, err := w.graph.Connected(ctx, folder.ID, models.Output)
	if err != nil {
		return fmt.Errorf("list children of %s: %w", folder.ID, err)
	}
	slices.SortFunc(children, func(a, b models.ResourceNode) int { return cmp.Compare(a.Name, b.Name) })

	for _, child := range children {
		if child.Archived {
			continue
		}
		switch child.Type() {
		case models.TypeFolder:
			if w.onPath[child.ID] {
				return fmt.Errorf("%w: folder %s (%s)", ErrCycleDetected, child.ID, child.Name)
			}
			if w.seen[child.ID] {
				continue
			}
			w.seen[child.ID] = true
			sub := append(slices.Clone(rel), child.Name)
			if err := w.walk(ctx, &child, sub); err != nil {
				return err
			}
		case models.TypeFile:
			if w.seen[child.ID] {
				continue
			}
			w.seen[child.ID] = true
			w.leaves = append(w.leaves, Leaf{Node: child, RelativePath: slices.Clone(rel)})
		}
	}
	return nil
}
