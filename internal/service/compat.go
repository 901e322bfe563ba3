package service

import (
	"context"
	"slices"
)

// Target operations checked against in-flight actions.
const (
	OpDownload = "download"
	OpTransfer = "transfer"
	OpDelete   = "delete"
	OpUpload   = "upload"
)

// compatible lists, per in-flight action, the operations that may start
// alongside it.
var compatible = map[string][]string{
	"data_upload":   {},
	"data_transfer": {OpDownload},
	"data_delete":   {},
	"data_download": {OpDownload, OpTransfer},
}

// OperationAllowed reports whether target may start on a path whose current
// in-flight action is current. An idle path allows anything; an action
// missing from the matrix allows nothing.
func OperationAllowed(target, current string) bool {
	if current == "" {
		return true
	}
	return slices.Contains(compatible[current], target)
}

// ActionCheck is the verdict for one path.
type ActionCheck struct {
	Path          string `json:"path"`
	CurrentAction string `json:"current_action"`
	IsValid       bool   `json:"is_valid"`
}

// ValidateActions checks target against the ledger's current action for
// every path.
func (l *JobLedger) ValidateActions(ctx context.Context, target string, paths []string) ([]ActionCheck, error) {
	out := make([]ActionCheck, 0, len(paths))
	for _, p := range paths {
		current, err := l.CurrentAction(ctx, p)
		if err != nil {
			return nil, err
		}
		out = append(out, ActionCheck{Path: p, CurrentAction: current, IsValid: OperationAllowed(target, current)})
	}
	return out, nil
}
