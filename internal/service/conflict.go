package service

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/raphaelgruber/dataops-go/internal/metrics"
	"github.com/raphaelgruber/dataops-go/internal/models"
)

// Destination is a proposed copy target.
type Destination struct {
	SourceID    string
	Zone        string
	ProjectCode string
	Dir         string // folder_relative_path of the new resource
	Name        string
	Type        string
}

// Path is the project-relative path of the destination.
func (d Destination) Path() string {
	return path.Join(d.ProjectCode, d.Dir, d.Name)
}

// ObjectPath is the bucket/object path the copy will be written to. It is
// the key the ledger and the locks know the destination by.
func (d Destination) ObjectPath() string {
	return path.Join(models.Bucket(d.Zone, d.ProjectCode), d.Dir, d.Name)
}

// Conflict reports a destination that is already occupied.
type Conflict struct {
	SourceID  string `json:"geid"`
	Error     string `json:"error"`
	IsValid   bool   `json:"is_valid"`
	Path      string `json:"path"`
	FoundID   string `json:"found"`
	FoundName string `json:"found_name"`
}

// ConflictValidator looks up proposed destinations in the resource graph.
type ConflictValidator struct {
	graph   MetadataProvider
	metrics *metrics.Collector
	logger  *slog.Logger
}

// NewConflictValidator creates a validator over graph.
func NewConflictValidator(graph MetadataProvider, m *metrics.Collector, log *slog.Logger) *ConflictValidator {
	if log == nil {
		log = slog.Default()
	}
	return &ConflictValidator{graph: graph, metrics: m, logger: log}
}

// Validate returns one Conflict per occupied destination. Every destination
// is checked; an empty result means the batch may proceed.
func (v *ConflictValidator) Validate(ctx context.Context, dests []Destination) ([]Conflict, error) {
	start := time.Now()
	defer func() { v.metrics.RecordTiming(metrics.OpConflictCheck, time.Since(start)) }()

	var conflicts []Conflict
	for _, d := range dests {
		found, err := v.graph.Query(ctx, d.Type, map[string]any{
			"labels":               []string{d.Zone},
			"project_code":         d.ProjectCode,
			"folder_relative_path": d.Dir,
			"name":                 d.Name,
			"archived":             false,
		})
		if err != nil {
			return nil, fmt.Errorf("check destination %s: %w", d.Path(), err)
		}
		if len(found) == 0 {
			continue
		}
		conflicts = append(conflicts, Conflict{
			SourceID:  d.SourceID,
			Error:     "entity-exist",
			IsValid:   false,
			Path:      d.Path(),
			FoundID:   found[0].ID,
			FoundName: found[0].Name,
		})
	}

	if len(conflicts) > 0 {
		v.logger.Info("destination conflicts found", "count", len(conflicts), "checked", len(dests))
	}
	return conflicts, nil
}
