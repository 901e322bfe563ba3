package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"

	"github.com/raphaelgruber/dataops-go/internal/models"
)

// resourceRow is a resource record as stored; the record id is the GEID.
type resourceRow struct {
	ID                 surrealmodels.RecordID `json:"id"`
	Name               string                 `json:"name"`
	Labels             []string               `json:"labels"`
	Location           *string                `json:"location,omitempty"`
	ProjectCode        *string                `json:"project_code,omitempty"`
	FolderRelativePath *string                `json:"folder_relative_path,omitempty"`
	FolderLevel        int                    `json:"folder_level"`
	Archived           bool                   `json:"archived"`
	Uploader           *string                `json:"uploader,omitempty"`
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func (r resourceRow) node() (models.ResourceNode, error) {
	id, err := models.RecordIDString(r.ID)
	if err != nil {
		return models.ResourceNode{}, err
	}
	return models.ResourceNode{
		ID:                 id,
		Name:               r.Name,
		Labels:             r.Labels,
		Location:           deref(r.Location),
		ProjectCode:        deref(r.ProjectCode),
		FolderRelativePath: deref(r.FolderRelativePath),
		FolderLevel:        r.FolderLevel,
		Archived:           r.Archived,
		Uploader:           deref(r.Uploader),
	}, nil
}

func nodes(results *[]surrealdb.QueryResult[[]resourceRow]) ([]models.ResourceNode, error) {
	if results == nil || len(*results) == 0 {
		return nil, nil
	}
	rows := (*results)[len(*results)-1].Result
	out := make([]models.ResourceNode, 0, len(rows))
	for _, r := range rows {
		n, err := r.node()
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

// filterFields are the resource attributes Query accepts. Anything else is
// rejected so filter keys never reach the SQL text unchecked.
var filterFields = map[string]string{
	"labels":               "labels CONTAINSALL $f_labels",
	"project_code":         "project_code = $f_project_code",
	"folder_relative_path": "folder_relative_path = $f_folder_relative_path",
	"name":                 "name = $f_name",
	"archived":             "archived = $f_archived",
	"uploader":             "uploader = $f_uploader",
	"global_entity_id":     `id = type::record("resource", $f_global_entity_id)`,
}

// GraphStore reads and writes the resource graph.
type GraphStore struct {
	client *Client
	logger *slog.Logger
}

// NewGraphStore creates a graph store over client.
func NewGraphStore(client *Client, log *slog.Logger) *GraphStore {
	if log == nil {
		log = slog.Default()
	}
	return &GraphStore{client: client, logger: log}
}

// GetByID returns the resource with the given GEID, or nil if none exists.
func (g *GraphStore) GetByID(ctx context.Context, id string) (*models.ResourceNode, error) {
	defer g.client.observe(time.Now())

	results, err := surrealdb.Query[[]resourceRow](ctx, g.client.db, `
		SELECT * FROM type::record("resource", $id)
	`, map[string]any{"id": id})
	if err != nil {
		return nil, fmt.Errorf("get resource: %w", err)
	}
	found, err := nodes(results)
	if err != nil || len(found) == 0 {
		return nil, err
	}
	return &found[0], nil
}

// Query returns resources carrying label whose attributes equal filter.
func (g *GraphStore) Query(ctx context.Context, label string, filter map[string]any) ([]models.ResourceNode, error) {
	defer g.client.observe(time.Now())

	clauses := []string{"$label IN labels"}
	vars := map[string]any{"label": label}

	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		clause, ok := filterFields[k]
		if !ok {
			return nil, fmt.Errorf("query resources: unsupported filter field %q", k)
		}
		clauses = append(clauses, clause)
		vars["f_"+k] = filter[k]
	}

	sql := "SELECT * FROM resource WHERE " + strings.Join(clauses, " AND ")
	results, err := surrealdb.Query[[]resourceRow](ctx, g.client.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("query resources: %w", err)
	}
	return nodes(results)
}

// Connected returns the direct children (Output) or parents (Input) of id.
func (g *GraphStore) Connected(ctx context.Context, id string, dir models.Direction) ([]models.ResourceNode, error) {
	defer g.client.observe(time.Now())

	var sql string
	switch dir {
	case models.Output:
		sql = `SELECT * FROM type::record("resource", $id)->own->resource`
	case models.Input:
		sql = `SELECT * FROM type::record("resource", $id)<-own<-resource`
	default:
		return nil, fmt.Errorf("connected: unknown direction %q", dir)
	}

	results, err := surrealdb.Query[[]resourceRow](ctx, g.client.db, sql, map[string]any{"id": id})
	if err != nil {
		return nil, fmt.Errorf("connected %s: %w", dir, err)
	}
	return nodes(results)
}

// UpsertResource creates or replaces the resource record for n.
func (g *GraphStore) UpsertResource(ctx context.Context, n models.ResourceNode) error {
	labels := n.Labels
	if labels == nil {
		labels = []string{}
	}
	_, err := surrealdb.Query[any](ctx, g.client.db, `
		UPSERT type::record("resource", $id) SET
			name = $name,
			labels = $labels,
			location = $location,
			project_code = $project_code,
			folder_relative_path = $folder_relative_path,
			folder_level = $folder_level,
			archived = $archived,
			uploader = $uploader
	`, map[string]any{
		"id":                   n.ID,
		"name":                 n.Name,
		"labels":               labels,
		"location":             n.Location,
		"project_code":         n.ProjectCode,
		"folder_relative_path": n.FolderRelativePath,
		"folder_level":         n.FolderLevel,
		"archived":             n.Archived,
		"uploader":             n.Uploader,
	})
	if err != nil {
		return fmt.Errorf("upsert resource %s: %w", n.ID, wrapQueryError(err))
	}
	g.logger.Debug("resource upserted", "geid", n.ID, "name", n.Name)
	return nil
}

// LinkResources records that parent owns child. Linking twice is a no-op.
func (g *GraphStore) LinkResources(ctx context.Context, parentID, childID string) error {
	sql := `
		LET $parent_exists = (SELECT count() AS c FROM type::record("resource", $parent)).c > 0;
		LET $child_exists = (SELECT count() AS c FROM type::record("resource", $child)).c > 0;

		IF !$parent_exists OR !$child_exists {
			THROW "Resource not found"
		};

		LET $linked = (SELECT count() AS c FROM own
			WHERE in = type::record("resource", $parent) AND out = type::record("resource", $child)).c > 0;
		IF !$linked {
			RELATE type::record("resource", $parent)->own->type::record("resource", $child);
		};
	`
	_, err := surrealdb.Query[any](ctx, g.client.db, sql, map[string]any{
		"parent": parentID,
		"child":  childID,
	})
	if err = wrapQueryError(err); err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			return nil
		}
		if strings.Contains(err.Error(), "Resource not found") {
			return fmt.Errorf("link %s -> %s: %w", parentID, childID, ErrNotFound)
		}
		return fmt.Errorf("link %s -> %s: %w", parentID, childID, err)
	}
	return nil
}
