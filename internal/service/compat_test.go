package service_test

import (
	"context"
	"testing"

	"github.com/raphaelgruber/dataops-go/internal/models"
	"github.com/raphaelgruber/dataops-go/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOperationAllowed(t *testing.T) {
	tests := []struct {
		target, current string
		want            bool
	}{
		{service.OpDelete, "", true},
		{service.OpTransfer, "", true},
		{service.OpDownload, models.ActionTransfer, true},
		{service.OpTransfer, models.ActionTransfer, false},
		{service.OpDelete, models.ActionTransfer, false},
		{service.OpDownload, models.ActionDownload, true},
		{service.OpTransfer, models.ActionDownload, true},
		{service.OpDelete, models.ActionDownload, false},
		{service.OpDownload, models.ActionUpload, false},
		{service.OpDownload, models.ActionDelete, false},
		{service.OpDownload, "data_archive", false},
	}
	for _, tt := range tests {
		t.Run(tt.target+"/"+tt.current, func(t *testing.T) {
			assert.Equal(t, tt.want, service.OperationAllowed(tt.target, tt.current))
		})
	}
}

func TestValidateActions(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)
	saveJob(t, l, "s1", models.ActionTransfer, "j1", "gr-proj/busy.txt")

	checks, err := l.ValidateActions(ctx, service.OpDelete, []string{"gr-proj/busy.txt", "gr-proj/idle.txt"})
	require.NoError(t, err)
	assert.Equal(t, []service.ActionCheck{
		{Path: "gr-proj/busy.txt", CurrentAction: models.ActionTransfer, IsValid: false},
		{Path: "gr-proj/idle.txt", CurrentAction: "", IsValid: true},
	}, checks)
}
