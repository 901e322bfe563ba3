package service

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/raphaelgruber/dataops-go/internal/events"
	"github.com/raphaelgruber/dataops-go/internal/lock"
	"github.com/raphaelgruber/dataops-go/internal/metrics"
	"github.com/raphaelgruber/dataops-go/internal/models"
)

// Operation names accepted in a batch request.
const (
	OperationCopy   = "copy"
	OperationDelete = "delete"
)

// Target is one resource named by a batch request.
type Target struct {
	ID     string `json:"id" validate:"required"`
	Rename string `json:"rename,omitempty" validate:"omitempty,excludesall=/"`
}

// BatchPayload carries the operation arguments.
type BatchPayload struct {
	Targets     []Target `json:"targets" validate:"required,min=1,dive"`
	Source      string   `json:"source,omitempty"`
	Destination string   `json:"destination,omitempty"`
	RequestID   string   `json:"request_id,omitempty"`
}

// BatchRequest is a copy or delete over several targets.
type BatchRequest struct {
	Operator  string       `json:"operator" validate:"required"`
	SessionID string       `json:"session_id" validate:"required"`
	TaskID    string       `json:"task_id"`
	ProjectID string       `json:"project_id" validate:"required"`
	Operation string       `json:"operation" validate:"required,oneof=copy delete"`
	Payload   BatchPayload `json:"payload" validate:"required"`

	// AuthToken is forwarded to workers untouched.
	AuthToken string `json:"-"`
}

// ResultKind classifies the outcome of a batch.
type ResultKind int

const (
	ResultAccepted ResultKind = iota
	ResultValidation
	ResultNotFound
	ResultConflict
	ResultLockConflict
	ResultInternal
)

func (k ResultKind) String() string {
	switch k {
	case ResultAccepted:
		return "accepted"
	case ResultValidation:
		return "validation"
	case ResultNotFound:
		return "not_found"
	case ResultConflict:
		return "conflict"
	case ResultLockConflict:
		return "lock_conflict"
	}
	return "internal"
}

// Result is the outcome of a batch. Jobs is set only for ResultAccepted,
// Conflicts only for ResultConflict; Err describes every other kind.
type Result struct {
	Kind      ResultKind
	Jobs      []models.Job
	Conflicts []Conflict
	Err       error
}

func failed(kind ResultKind, err error) Result { return Result{Kind: kind, Err: err} }

// resultFromErr maps typed errors from the planning steps to a Result.
func resultFromErr(err error) Result {
	var (
		ve *ValidationError
		ne *NotFoundError
		ce *ConflictError
		le *LockConflictError
	)
	switch {
	case errors.As(err, &ve):
		return failed(ResultValidation, err)
	case errors.As(err, &ne):
		return failed(ResultNotFound, err)
	case errors.As(err, &ce):
		return Result{Kind: ResultConflict, Conflicts: ce.Conflicts, Err: err}
	case errors.As(err, &le):
		return failed(ResultLockConflict, err)
	case errors.Is(err, ErrCycleDetected):
		return failed(ResultValidation, err)
	}
	return failed(ResultInternal, err)
}

// StorageConfig locates the on-disk roots of each zone.
type StorageConfig struct {
	GreenroomRoot string
	CoreRoot      string
}

// Dependencies holds the collaborators of a Dispatcher.
type Dependencies struct {
	Graph     MetadataProvider
	Ledger    *JobLedger
	Locker    *lock.Locker
	Publisher events.Publisher
	Storage   StorageConfig
	Metrics   *metrics.Collector
	Logger    *slog.Logger
}

// Dispatcher runs copy and delete batches.
type Dispatcher struct {
	graph     MetadataProvider
	ledger    *JobLedger
	locker    *lock.Locker
	publisher events.Publisher
	flattener *TreeFlattener
	conflicts *ConflictValidator
	storage   StorageConfig
	validate  *validator.Validate
	now       func() time.Time
	metrics   *metrics.Collector
	logger    *slog.Logger
}

// NewDispatcher wires a dispatcher from deps.
func NewDispatcher(deps Dependencies) *Dispatcher {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		graph:     deps.Graph,
		ledger:    deps.Ledger,
		locker:    deps.Locker,
		publisher: deps.Publisher,
		flattener: NewTreeFlattener(deps.Graph, deps.Metrics, log),
		conflicts: NewConflictValidator(deps.Graph, deps.Metrics, log),
		storage:   deps.Storage,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		now:       time.Now,
		metrics:   deps.Metrics,
		logger:    log,
	}
}

// leafPlan is one file-level unit of a batch.
type leafPlan struct {
	node models.ResourceNode
	path string
	dest *Destination // copy only
}

// batchPlan is everything resolved before side effects start.
type batchPlan struct {
	req         BatchRequest
	project     *models.ResourceNode
	destination *models.ResourceNode // copy only
	folders     []Destination        // copy only: destinations of folder targets
	leaves      []leafPlan
}

// Dispatch validates, expands, guards and dispatches a batch.
func (d *Dispatcher) Dispatch(ctx context.Context, req BatchRequest) Result {
	start := time.Now()
	res := d.dispatch(ctx, req)
	d.metrics.RecordTiming(metrics.OpDispatch, time.Since(start))
	d.metrics.RecordOutcome(res.Kind.String())

	attrs := []any{"operation", req.Operation, "session_id", req.SessionID, "result", res.Kind.String(), "jobs", len(res.Jobs)}
	if res.Err != nil {
		d.logger.Warn("batch rejected", append(attrs, "error", res.Err)...)
	} else {
		d.logger.Info("batch dispatched", attrs...)
	}
	return res
}

func (d *Dispatcher) dispatch(ctx context.Context, req BatchRequest) Result {
	plan, err := d.plan(ctx, req)
	if err != nil {
		return resultFromErr(err)
	}

	if req.Operation == OperationCopy {
		if err := d.checkDestinations(ctx, plan); err != nil {
			return resultFromErr(err)
		}
	}

	if err := d.guard(ctx, plan); err != nil {
		return resultFromErr(err)
	}

	jobs := make([]models.Job, 0, len(plan.leaves))
	for _, leaf := range plan.leaves {
		job := d.runLeaf(ctx, plan, leaf)
		jobs = append(jobs, job.Snapshot())
	}
	return Result{Kind: ResultAccepted, Jobs: jobs}
}

// RepeatCheck runs the copy validation and conflict analysis without locking
// or dispatching anything.
func (d *Dispatcher) RepeatCheck(ctx context.Context, req BatchRequest) Result {
	req.Operation = OperationCopy
	plan, err := d.plan(ctx, req)
	if err != nil {
		return resultFromErr(err)
	}
	if err := d.checkDestinations(ctx, plan); err != nil {
		return resultFromErr(err)
	}
	return Result{Kind: ResultAccepted}
}

func (d *Dispatcher) plan(ctx context.Context, req BatchRequest) (*batchPlan, error) {
	if err := d.validate.Struct(req); err != nil {
		return nil, &ValidationError{Msg: err.Error()}
	}

	project, err := d.lookup(ctx, "project", req.ProjectID)
	if err != nil {
		return nil, err
	}
	if t := project.Type(); t != models.TypeContainer && t != models.TypeDataset {
		return nil, &NotFoundError{Kind: "project", ID: req.ProjectID}
	}

	plan := &batchPlan{req: req, project: project}

	if req.Operation == OperationCopy {
		if req.Payload.Destination == "" {
			return nil, &ValidationError{Msg: "destination is required for copy"}
		}
		if plan.destination, err = d.folderNode(ctx, "destination", req.Payload.Destination); err != nil {
			return nil, err
		}
		if req.Payload.Source != "" {
			if _, err := d.folderNode(ctx, "source", req.Payload.Source); err != nil {
				return nil, err
			}
		}
	}

	seen := map[string]bool{}
	for _, t := range req.Payload.Targets {
		if seen[t.ID] {
			continue
		}
		seen[t.ID] = true

		node, err := d.lookup(ctx, "target", t.ID)
		if err != nil {
			return nil, err
		}
		if node.Archived {
			return nil, &ValidationError{Msg: fmt.Sprintf("target %s is archived", t.ID)}
		}

		name := cmp.Or(t.Rename, node.Name)
		switch node.Type() {
		case models.TypeFile:
			plan.addLeaf(seen, *node, nil, name)
		case models.TypeFolder:
			leaves, err := d.flattener.Flatten(ctx, node)
			if err != nil {
				return nil, fmt.Errorf("expand folder %s: %w", node.ID, err)
			}
			if plan.destination != nil {
				plan.folders = append(plan.folders, plan.destinationFor(node.ID, nil, name, models.TypeFolder))
			}
			for _, l := range leaves {
				rel := append([]string{name}, l.RelativePath...)
				plan.addLeaf(seen, l.Node, rel, l.Node.Name)
			}
		default:
			return nil, &ValidationError{Msg: fmt.Sprintf("target %s is a %q, want File or Folder", t.ID, node.Type())}
		}
	}

	// Guard order is path order so overlapping batches contend the same way.
	slices.SortFunc(plan.leaves, func(a, b leafPlan) int { return cmp.Compare(a.path, b.path) })
	return plan, nil
}

func (p *batchPlan) addLeaf(seen map[string]bool, node models.ResourceNode, rel []string, name string) {
	// A file may be listed as a target and also sit below a folder target.
	key := "leaf:" + node.ID
	if seen[key] {
		return
	}
	seen[key] = true

	leaf := leafPlan{node: node, path: node.Path()}
	if p.destination != nil {
		dest := p.destinationFor(node.ID, rel, name, models.TypeFile)
		leaf.dest = &dest
	}
	p.leaves = append(p.leaves, leaf)
}

func (p *batchPlan) destinationFor(sourceID string, rel []string, name, typ string) Destination {
	dir := path.Join(append([]string{p.destination.ChildRelativePath()}, rel...)...)
	zone := cmp.Or(p.destination.Zone(), models.ZoneCore)
	return Destination{
		SourceID:    sourceID,
		Zone:        zone,
		ProjectCode: p.project.ProjectCode,
		Dir:         dir,
		Name:        name,
		Type:        typ,
	}
}

func (d *Dispatcher) lookup(ctx context.Context, kind, id string) (*models.ResourceNode, error) {
	node, err := d.graph.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get %s %s: %w", kind, id, err)
	}
	if node == nil {
		return nil, &NotFoundError{Kind: kind, ID: id}
	}
	return node, nil
}

// folderNode resolves a copy source or destination, which must be a Folder
// or a Container.
func (d *Dispatcher) folderNode(ctx context.Context, kind, id string) (*models.ResourceNode, error) {
	node, err := d.lookup(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	switch node.Type() {
	case models.TypeFolder, models.TypeContainer:
		return node, nil
	}
	return nil, &ValidationError{Msg: fmt.Sprintf("invalid %s: %s", kind, id)}
}

func (d *Dispatcher) checkDestinations(ctx context.Context, plan *batchPlan) error {
	dests := slices.Clone(plan.folders)
	for _, l := range plan.leaves {
		dests = append(dests, *l.dest)
	}
	conflicts, err := d.conflicts.Validate(ctx, dests)
	if err != nil {
		return err
	}
	if len(conflicts) > 0 {
		return &ConflictError{Conflicts: conflicts}
	}
	return nil
}

// leafIntent maps an operation to its compatibility target and lock mode.
func leafIntent(operation string) (string, lock.Operation) {
	if operation == OperationCopy {
		return OpTransfer, lock.Read
	}
	return OpDelete, lock.Write
}

// guard checks every leaf, and for copies its destination, against
// in-flight jobs and takes the leaf's lock. The first refusal aborts the
// batch; locks taken for earlier leaves are kept.
func (d *Dispatcher) guard(ctx context.Context, plan *batchPlan) error {
	target, mode := leafIntent(plan.req.Operation)
	for _, l := range plan.leaves {
		if err := d.checkInFlight(ctx, target, l.path); err != nil {
			return err
		}
		if l.dest != nil {
			if err := d.checkInFlight(ctx, target, l.dest.ObjectPath()); err != nil {
				return err
			}
		}

		ok, err := d.locker.Lock(ctx, l.path, mode)
		if err != nil {
			return err
		}
		if !ok {
			return &LockConflictError{Path: l.path}
		}
	}
	return nil
}

func (d *Dispatcher) checkInFlight(ctx context.Context, target, p string) error {
	current, err := d.ledger.CurrentAction(ctx, p)
	if err != nil {
		return err
	}
	if !OperationAllowed(target, current) {
		return &LockConflictError{Path: p, CurrentAction: current}
	}
	return nil
}

// runLeaf records, publishes and finalises one leaf. Failures stay inside
// the returned job.
func (d *Dispatcher) runLeaf(ctx context.Context, plan *batchPlan, leaf leafPlan) *models.Job {
	req := plan.req
	action := models.ActionDelete
	if req.Operation == OperationCopy {
		action = models.ActionTransfer
	}

	job := d.ledger.Create(req.SessionID, plan.project.ProjectCode, action, req.Operator, DefaultLabel, req.TaskID)
	job.Source = leaf.path
	job.Status = models.StatusInit
	job.AddPayload("geid", models.String(leaf.node.ID))

	if err := d.ledger.AssignID(ctx, job, models.NewGEID()); err != nil {
		return d.terminate(ctx, req.Operation, job, leaf, err)
	}
	if err := d.ledger.Save(ctx, job); err != nil {
		return d.terminate(ctx, req.Operation, job, leaf, err)
	}

	var (
		eventType string
		payload   map[string]any
		extra     models.Payload
	)
	if req.Operation == OperationCopy {
		eventType, payload, extra = d.copyEvent(plan, leaf, job)
	} else {
		var err error
		eventType, payload, extra, err = d.deleteEvent(plan, leaf, job)
		if err != nil {
			return d.terminate(ctx, req.Operation, job, leaf, err)
		}
	}

	if err := d.publisher.Publish(ctx, eventType, payload); err != nil {
		return d.terminate(ctx, req.Operation, job, leaf, err)
	}

	job.Status = models.StatusRunning
	job.Payload.Merge(extra)
	if err := d.ledger.Save(ctx, job); err != nil {
		// The event is already out; the worker will report the final state.
		d.logger.Error("failed to record running job", "job_id", job.JobID, "error", err)
	}
	return job
}

// terminate marks job TERMINATED with the error and releases the leaf's
// lock, since no worker will pick the leaf up.
func (d *Dispatcher) terminate(ctx context.Context, operation string, job *models.Job, leaf leafPlan, cause error) *models.Job {
	job.Status = models.StatusTerminated
	job.AddPayload("error", models.String(cause.Error()))
	d.logger.Warn("leaf terminated", "job_id", job.JobID, "path", leaf.path, "error", cause)

	if job.JobID != "" {
		if err := d.ledger.Save(ctx, job); err != nil {
			d.logger.Error("failed to record terminated job", "job_id", job.JobID, "error", err)
		}
	}

	_, mode := leafIntent(operation)
	if _, err := d.locker.Unlock(ctx, leaf.path, mode); err != nil {
		d.logger.Error("failed to release lock", "path", leaf.path, "error", err)
	}
	return job
}

func (d *Dispatcher) copyEvent(plan *batchPlan, leaf leafPlan, job *models.Job) (string, map[string]any, models.Payload) {
	req := plan.req
	output := leaf.dest.ObjectPath()
	payload := map[string]any{
		"session_id":       req.SessionID,
		"job_id":           job.JobID,
		"operator":         req.Operator,
		"input_path":       leaf.path,
		"input_geid":       leaf.node.ID,
		"output_path":      output,
		"destination_geid": plan.destination.ID,
		"project":          plan.project.ProjectCode,
		"request_id":       req.Payload.RequestID,
		"generic":          true,
		"auth_token":       req.AuthToken,
	}
	extra := models.Payload{
		"output_path":      models.String(output),
		"destination_geid": models.String(plan.destination.ID),
		"zone":             models.String(strings.ToLower(leaf.dest.Zone)),
	}
	return events.FileCopy, payload, extra
}

func (d *Dispatcher) deleteEvent(plan *batchPlan, leaf leafPlan, job *models.Job) (string, map[string]any, models.Payload, error) {
	req := plan.req
	zone := leaf.node.Zone()
	root, frontend := d.storage.CoreRoot, "Core"
	switch zone {
	case models.ZoneGreenroom:
		root, frontend = d.storage.GreenroomRoot, "Green Room"
	case models.ZoneCore:
	default:
		return "", nil, nil, fmt.Errorf("resource %s has no zone label", leaf.node.ID)
	}
	namespace := strings.ToLower(zone)

	trash := strings.TrimSuffix(root, "/") + "/TRASH"
	output := trash + "/" + plan.project.ProjectCode + "/" + trashName(leaf.node.Name, d.now())

	payload := map[string]any{
		"session_id":  req.SessionID,
		"job_id":      job.JobID,
		"operator":    req.Operator,
		"input_path":  leaf.path,
		"input_geid":  leaf.node.ID,
		"output_path": output,
		"trash_path":  trash,
		"uploader":    leaf.node.Uploader,
		"namespace":   namespace,
		"project":     plan.project.ProjectCode,
		"generic":     true,
		"auth_token":  req.AuthToken,
	}
	extra := models.Payload{
		"zone":          models.String(namespace),
		"frontend_zone": models.String(frontend),
		"output_path":   models.String(output),
	}
	return events.FileDelete, payload, extra, nil
}

// trashName suffixes the base name with a unix timestamp, keeping the
// extension: report.csv -> report_1700000000.csv.
func trashName(name string, now time.Time) string {
	base, ext := name, ""
	if i := strings.LastIndexByte(name, '.'); i > 0 {
		base, ext = name[:i], name[i:]
	}
	return fmt.Sprintf("%s_%d%s", base, now.Unix(), ext)
}
