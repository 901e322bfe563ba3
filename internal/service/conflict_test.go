package service_test

import (
	"context"
	"errors"
	"testing"

	"github.com/raphaelgruber/dataops-go/internal/models"
	"github.com/raphaelgruber/dataops-go/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConflictValidator(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.seedProject()
	h.graph.add(models.ResourceNode{
		ID: "existing", Name: "a.txt", Labels: []string{"File", "Core"},
		ProjectCode: "proj", FolderRelativePath: "dest",
	}, "dest")
	h.graph.add(models.ResourceNode{
		ID: "archived", Name: "b.txt", Labels: []string{"File", "Core"},
		ProjectCode: "proj", FolderRelativePath: "dest", Archived: true,
	}, "dest")

	v := service.NewConflictValidator(h.graph, nil, nil)
	dests := []service.Destination{
		{SourceID: "a", Zone: "Core", ProjectCode: "proj", Dir: "dest", Name: "a.txt", Type: "File"},
		{SourceID: "b", Zone: "Core", ProjectCode: "proj", Dir: "dest", Name: "b.txt", Type: "File"},
		{SourceID: "c", Zone: "Greenroom", ProjectCode: "proj", Dir: "dest", Name: "a.txt", Type: "File"},
	}

	conflicts, err := v.Validate(ctx, dests)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)

	c := conflicts[0]
	assert.Equal(t, "a", c.SourceID)
	assert.Equal(t, "entity-exist", c.Error)
	assert.False(t, c.IsValid)
	assert.Equal(t, "proj/dest/a.txt", c.Path)
	assert.Equal(t, "existing", c.FoundID)
	assert.Equal(t, "a.txt", c.FoundName)
	assert.Equal(t, len(dests), h.graph.queries, "every destination is checked")
}

func TestConflictValidatorQueryError(t *testing.T) {
	h := newHarness(t)
	h.graph.queryErr = errors.New("graph down")

	_, err := service.NewConflictValidator(h.graph, nil, nil).Validate(context.Background(), []service.Destination{
		{Zone: "Core", ProjectCode: "proj", Name: "x", Type: "File"},
	})
	assert.ErrorContains(t, err, "graph down")
}
