package engine_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/conduct"
	"github.com/xraph/conduct/action"
	"github.com/xraph/conduct/engine"
	"github.com/xraph/conduct/execution"
	"github.com/xraph/conduct/id"
	"github.com/xraph/conduct/pipeline"
	"github.com/xraph/conduct/store/memory"
)

func newTestEngine(t *testing.T) *engine.Engine {
	t.Helper()
	o, err := conduct.New(conduct.WithStore(memory.New()))
	if err != nil {
		t.Fatalf("conduct.New() error = %v", err)
	}
	eng, err := engine.Build(o)
	if err != nil {
		t.Fatalf("engine.Build() error = %v", err)
	}
	return eng
}

func syncMeta(actionType string) action.Meta {
	return action.Meta{Type: actionType, Name: actionType, Mode: action.ModeSync}
}

func eventMeta(actionType string) action.Meta {
	return action.Meta{Type: actionType, Name: actionType, Mode: action.ModeEvent}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitForExecStatus(t *testing.T, eng *engine.Engine, execID id.ExecutionID, want execution.Status) *execution.Execution {
	t.Helper()
	var got *execution.Execution
	waitFor(t, fmt.Sprintf("execution status %s", want), func() bool {
		exec, err := eng.GetExecution(context.Background(), execID)
		if err != nil {
			return false
		}
		got = exec
		return exec.Status == want
	})
	return got
}

// ── Test actions ───────────────────────────────

// recorder appends step ids in start order.
type recorder struct {
	mu    sync.Mutex
	order []string
}

func (r *recorder) add(stepID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = append(r.order, stepID)
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

type recordingAction struct {
	action.Base
	rec     *recorder
	outputs map[string]any
}

func (a *recordingAction) Execute(_ context.Context, actx *action.Context) (*action.Result, error) {
	a.rec.add(actx.StepID)
	return action.Complete(a.outputs), nil
}

type failingAction struct {
	action.Base
	msg        string
	cleanedUp  atomic.Bool
	executions atomic.Int32
}

func (a *failingAction) Execute(context.Context, *action.Context) (*action.Result, error) {
	a.executions.Add(1)
	return action.Fail(a.msg), nil
}

func (a *failingAction) Cleanup(context.Context, *action.Context) {
	a.cleanedUp.Store(true)
}

// flakyAction fails its first execution and succeeds afterwards.
type flakyAction struct {
	action.Base
	attempts atomic.Int32
}

func (a *flakyAction) Execute(context.Context, *action.Context) (*action.Result, error) {
	if a.attempts.Add(1) == 1 {
		return action.Fail("image push rejected"), nil
	}
	return action.Complete(map[string]any{"digest": "sha256:abc"}), nil
}

// awaitingAction suspends on an external workflow and completes through
// OnEvent.
type awaitingAction struct {
	action.Base
	external     string
	onEventCalls atomic.Int32
}

func (a *awaitingAction) Execute(context.Context, *action.Context) (*action.Result, error) {
	return action.Await(a.external, "deployment", time.Hour, map[string]any{"phase": "requested"})
}

func (a *awaitingAction) OnEvent(_ context.Context, ec *action.EventContext) (*action.EventResult, error) {
	a.onEventCalls.Add(1)
	switch ec.Lookup("status", "") {
	case "succeeded":
		return action.CompleteEvent(execution.StatusCompleted, map[string]any{"phase": "done"})
	case "failed":
		res, err := action.CompleteEvent(execution.StatusFailed, nil)
		if err != nil {
			return nil, err
		}
		res.Message = "remote deployment failed"
		return res, nil
	case "progress":
		p, _ := ec.Lookup("percent", 0.0).(float64)
		return action.ProgressEvent(&p, nil), nil
	default:
		return action.IgnoreEvent(), nil
	}
}

// racingAction stages a concurrent progress write against its own step
// from inside OnEvent, the way a second instance racing the completion
// write would, then completes.
type racingAction struct {
	action.Base
	race func(stepRecord id.StepID)
}

func (a *racingAction) Execute(context.Context, *action.Context) (*action.Result, error) {
	return action.Await("wf-ext-9", "deployment", time.Hour, nil)
}

func (a *racingAction) OnEvent(_ context.Context, ec *action.EventContext) (*action.EventResult, error) {
	a.race(ec.StepRecord)
	return action.CompleteEvent(execution.StatusCompleted, map[string]any{"phase": "done"})
}

// strictAction rejects submissions missing the "image" parameter.
type strictAction struct {
	action.Base
}

func (a *strictAction) Execute(context.Context, *action.Context) (*action.Result, error) {
	return action.Complete(nil), nil
}

func (a *strictAction) ValidateParams(params map[string]any) []error {
	if _, ok := params["image"]; !ok {
		return []error{errors.New("image is required")}
	}
	return nil
}

// ── Scheduling ─────────────────────────────────

func TestSubmitDAG_RunsSequenceGroupsInOrder(t *testing.T) {
	eng := newTestEngine(t)
	rec := &recorder{}
	reg := func(name string, outputs map[string]any) {
		if err := eng.RegisterAction(syncMeta(name), func() (action.Executor, error) {
			return &recordingAction{rec: rec, outputs: outputs}, nil
		}); err != nil {
			t.Fatalf("RegisterAction(%s) error = %v", name, err)
		}
	}
	reg("container_build", map[string]any{"digest": "sha256:abc"})
	reg("test_suite", nil)
	reg("k8s_rollout", map[string]any{"revision": "3"})

	steps := []pipeline.StepTemplate{
		{StepID: "build", Sequence: 1, ActionType: "container_build"},
		{StepID: "unit", Sequence: 2, ActionType: "test_suite"},
		{StepID: "integration", Sequence: 2, ActionType: "test_suite"},
		{StepID: "rollout", Sequence: 3, ActionType: "k8s_rollout"},
	}
	exec, err := eng.SubmitDAG(context.Background(), "deploy", steps, map[string]any{"env": "prod"})
	if err != nil {
		t.Fatalf("SubmitDAG() error = %v", err)
	}

	final := waitForExecStatus(t, eng, exec.ID, execution.StatusCompleted)
	if final.Progress != 100 {
		t.Errorf("Progress = %v, want 100", final.Progress)
	}

	order := rec.snapshot()
	if len(order) != 4 {
		t.Fatalf("executed %d steps, want 4: %v", len(order), order)
	}
	if order[0] != "build" {
		t.Errorf("first executed = %q, want build", order[0])
	}
	if order[3] != "rollout" {
		t.Errorf("last executed = %q, want rollout", order[3])
	}

	outputs, ok := final.FinalOutputs["build"].(map[string]any)
	if !ok || outputs["digest"] != "sha256:abc" {
		t.Errorf("FinalOutputs[build] = %v, want build digest", final.FinalOutputs["build"])
	}
}

func TestSubmitDAG_FailedStepBlocksSuccessors(t *testing.T) {
	eng := newTestEngine(t)
	failing := &failingAction{msg: "lint errors"}
	rec := &recorder{}

	if err := eng.RegisterAction(syncMeta("lint"), func() (action.Executor, error) {
		return failing, nil
	}); err != nil {
		t.Fatalf("RegisterAction() error = %v", err)
	}
	if err := eng.RegisterAction(syncMeta("container_build"), func() (action.Executor, error) {
		return &recordingAction{rec: rec}, nil
	}); err != nil {
		t.Fatalf("RegisterAction() error = %v", err)
	}

	steps := []pipeline.StepTemplate{
		{StepID: "lint", Sequence: 1, ActionType: "lint"},
		{StepID: "build", Sequence: 2, ActionType: "container_build"},
	}
	exec, err := eng.SubmitDAG(context.Background(), "ci", steps, nil)
	if err != nil {
		t.Fatalf("SubmitDAG() error = %v", err)
	}

	final := waitForExecStatus(t, eng, exec.ID, execution.StatusFailed)
	if final.ErrorInfo == "" {
		t.Error("ErrorInfo empty on failed execution")
	}

	if got := rec.snapshot(); len(got) != 0 {
		t.Errorf("successor executed %v, want blocked", got)
	}

	listed, err := eng.ListSteps(context.Background(), exec.ID)
	if err != nil {
		t.Fatalf("ListSteps() error = %v", err)
	}
	for _, step := range listed {
		if step.StepID == "build" && step.Status != execution.StatusPending {
			t.Errorf("blocked successor status = %s, want pending", step.Status)
		}
	}

	waitFor(t, "cleanup dispatch", failing.cleanedUp.Load)
}

func TestSubmitDAG_UnknownActionRejected(t *testing.T) {
	eng := newTestEngine(t)

	steps := []pipeline.StepTemplate{
		{StepID: "build", Sequence: 1, ActionType: "nope"},
	}
	_, err := eng.SubmitDAG(context.Background(), "ci", steps, nil)
	if !errors.Is(err, conduct.ErrActionNotFound) {
		t.Fatalf("SubmitDAG() error = %v, want ErrActionNotFound", err)
	}
}

func TestSubmitDAG_ParamValidationRejected(t *testing.T) {
	eng := newTestEngine(t)
	if err := eng.RegisterAction(syncMeta("container_build"), func() (action.Executor, error) {
		return &strictAction{}, nil
	}); err != nil {
		t.Fatalf("RegisterAction() error = %v", err)
	}

	steps := []pipeline.StepTemplate{
		{StepID: "build", Sequence: 1, ActionType: "container_build"},
	}
	if _, err := eng.SubmitDAG(context.Background(), "ci", steps, nil); err == nil {
		t.Fatal("SubmitDAG() error = nil, want parameter rejection")
	}

	// With the parameter supplied at the pipeline level the same DAG runs.
	exec, err := eng.SubmitDAG(context.Background(), "ci", steps, map[string]any{"image": "api:1.4.2"})
	if err != nil {
		t.Fatalf("SubmitDAG() with params error = %v", err)
	}
	waitForExecStatus(t, eng, exec.ID, execution.StatusCompleted)
}

// ── Event routing ──────────────────────────────

func submitAwaiting(t *testing.T, eng *engine.Engine, act *awaitingAction) *execution.Execution {
	t.Helper()
	if err := eng.RegisterAction(eventMeta("argo_deploy"), func() (action.Executor, error) {
		return act, nil
	}); err != nil {
		t.Fatalf("RegisterAction() error = %v", err)
	}

	steps := []pipeline.StepTemplate{
		{StepID: "deploy", Sequence: 1, ActionType: "argo_deploy"},
	}
	exec, err := eng.SubmitDAG(context.Background(), "deploy", steps, nil)
	if err != nil {
		t.Fatalf("SubmitDAG() error = %v", err)
	}

	waitFor(t, "step awaiting", func() bool {
		listed, err := eng.ListSteps(context.Background(), exec.ID)
		return err == nil && len(listed) == 1 && listed[0].AwaitingEvent
	})
	return exec
}

func TestHandleEvent_CompletesAwaitingStep(t *testing.T) {
	eng := newTestEngine(t)
	act := &awaitingAction{external: "wf-ext-9"}
	exec := submitAwaiting(t, eng, act)

	err := eng.HandleEvent(context.Background(), "wf-ext-9", map[string]any{"status": "succeeded"})
	if err != nil {
		t.Fatalf("HandleEvent() error = %v", err)
	}

	final := waitForExecStatus(t, eng, exec.ID, execution.StatusCompleted)
	outputs, ok := final.FinalOutputs["deploy"].(map[string]any)
	if !ok || outputs["phase"] != "done" {
		t.Errorf("FinalOutputs[deploy] = %v, want merged event outputs", final.FinalOutputs["deploy"])
	}
	if got := act.onEventCalls.Load(); got != 1 {
		t.Errorf("OnEvent calls = %d, want 1", got)
	}
}

func TestHandleEvent_ProgressKeepsStepAwaiting(t *testing.T) {
	eng := newTestEngine(t)
	act := &awaitingAction{external: "wf-ext-9"}
	exec := submitAwaiting(t, eng, act)

	err := eng.HandleEvent(context.Background(), "wf-ext-9", map[string]any{"status": "progress", "percent": 40.0})
	if err != nil {
		t.Fatalf("HandleEvent() error = %v", err)
	}

	waitFor(t, "step progress 40", func() bool {
		listed, err := eng.ListSteps(context.Background(), exec.ID)
		return err == nil && len(listed) == 1 && listed[0].Progress == 40 && listed[0].AwaitingEvent
	})

	got, err := eng.GetExecution(context.Background(), exec.ID)
	if err != nil {
		t.Fatalf("GetExecution() error = %v", err)
	}
	if got.Status != execution.StatusRunning {
		t.Errorf("execution status = %s, want still running", got.Status)
	}
}

func TestHandleEvent_FailureDirectiveFailsExecution(t *testing.T) {
	eng := newTestEngine(t)
	act := &awaitingAction{external: "wf-ext-9"}
	exec := submitAwaiting(t, eng, act)

	err := eng.HandleEvent(context.Background(), "wf-ext-9", map[string]any{"status": "failed"})
	if err != nil {
		t.Fatalf("HandleEvent() error = %v", err)
	}

	final := waitForExecStatus(t, eng, exec.ID, execution.StatusFailed)
	if final.ErrorInfo == "" {
		t.Error("ErrorInfo empty after failure event")
	}
}

func TestHandleEvent_UnmatchedCorrelationIsDropped(t *testing.T) {
	eng := newTestEngine(t)

	if err := eng.HandleEvent(context.Background(), "wf-nobody", map[string]any{"status": "succeeded"}); err != nil {
		t.Fatalf("HandleEvent() error = %v, want nil for unmatched correlation", err)
	}
}

func TestHandleEvent_DuplicateDeliveryIsIdempotent(t *testing.T) {
	eng := newTestEngine(t)
	act := &awaitingAction{external: "wf-ext-9"}
	exec := submitAwaiting(t, eng, act)

	ctx := context.Background()
	if err := eng.HandleEvent(ctx, "wf-ext-9", map[string]any{"status": "succeeded"}); err != nil {
		t.Fatalf("HandleEvent() error = %v", err)
	}
	waitForExecStatus(t, eng, exec.ID, execution.StatusCompleted)

	// Redelivery of the same event: no handler call, state untouched.
	if err := eng.HandleEvent(ctx, "wf-ext-9", map[string]any{"status": "succeeded"}); err != nil {
		t.Fatalf("HandleEvent() redelivery error = %v", err)
	}
	if got := act.onEventCalls.Load(); got != 1 {
		t.Errorf("OnEvent calls = %d, want 1: completed steps must not see events", got)
	}

	final, err := eng.GetExecution(ctx, exec.ID)
	if err != nil {
		t.Fatalf("GetExecution() error = %v", err)
	}
	if final.Status != execution.StatusCompleted {
		t.Errorf("execution status = %s, want completed", final.Status)
	}
}

func TestHandleEvent_CompletionRetriesPastRacingProgressWrite(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	act := &racingAction{}
	act.race = func(stepRecord id.StepID) {
		step, err := eng.Persist().GetStep(ctx, stepRecord)
		if err != nil {
			t.Errorf("GetStep() error = %v", err)
			return
		}
		cp := *step
		cp.Progress = 55
		if _, err := eng.Persist().ApplyStepTransition(ctx, &cp, step.Version); err != nil {
			t.Errorf("staged progress write error = %v", err)
		}
	}

	if err := eng.RegisterAction(eventMeta("argo_deploy"), func() (action.Executor, error) {
		return act, nil
	}); err != nil {
		t.Fatalf("RegisterAction() error = %v", err)
	}

	steps := []pipeline.StepTemplate{
		{StepID: "deploy", Sequence: 1, ActionType: "argo_deploy"},
	}
	exec, err := eng.SubmitDAG(ctx, "deploy", steps, nil)
	if err != nil {
		t.Fatalf("SubmitDAG() error = %v", err)
	}
	waitFor(t, "step awaiting", func() bool {
		listed, err := eng.ListSteps(ctx, exec.ID)
		return err == nil && len(listed) == 1 && listed[0].AwaitingEvent
	})

	// The staged write bumps the step's version between the router's read
	// and its completion write; the completion must survive the conflict.
	if err := eng.HandleEvent(ctx, "wf-ext-9", map[string]any{"status": "succeeded"}); err != nil {
		t.Fatalf("HandleEvent() error = %v", err)
	}

	final := waitForExecStatus(t, eng, exec.ID, execution.StatusCompleted)
	outputs, ok := final.FinalOutputs["deploy"].(map[string]any)
	if !ok || outputs["phase"] != "done" {
		t.Errorf("FinalOutputs[deploy] = %v, want completion outputs", final.FinalOutputs["deploy"])
	}

	listed, err := eng.ListSteps(ctx, exec.ID)
	if err != nil {
		t.Fatalf("ListSteps() error = %v", err)
	}
	if listed[0].Status != execution.StatusCompleted || listed[0].AwaitingEvent {
		t.Errorf("step state = %s awaiting=%v, want completed and not awaiting",
			listed[0].Status, listed[0].AwaitingEvent)
	}
}

// ── Retry ──────────────────────────────────────

func TestRetryStep_ReEntersFailedStep(t *testing.T) {
	eng := newTestEngine(t)
	flaky := &flakyAction{}
	if err := eng.RegisterAction(syncMeta("container_build"), func() (action.Executor, error) {
		return flaky, nil
	}); err != nil {
		t.Fatalf("RegisterAction() error = %v", err)
	}

	steps := []pipeline.StepTemplate{
		{StepID: "build", Sequence: 1, ActionType: "container_build"},
	}
	ctx := context.Background()
	exec, err := eng.SubmitDAG(ctx, "ci", steps, nil)
	if err != nil {
		t.Fatalf("SubmitDAG() error = %v", err)
	}
	waitForExecStatus(t, eng, exec.ID, execution.StatusFailed)

	listed, err := eng.ListSteps(ctx, exec.ID)
	if err != nil {
		t.Fatalf("ListSteps() error = %v", err)
	}
	if len(listed) != 1 || listed[0].Status != execution.StatusFailed {
		t.Fatalf("step state = %+v, want one failed step", listed)
	}

	if _, err := eng.RetryStep(ctx, listed[0].ID); err != nil {
		t.Fatalf("RetryStep() error = %v", err)
	}

	final := waitForExecStatus(t, eng, exec.ID, execution.StatusCompleted)
	if final.ErrorInfo != "" {
		t.Errorf("ErrorInfo = %q, want cleared after successful retry", final.ErrorInfo)
	}

	retried, err := eng.ListSteps(ctx, exec.ID)
	if err != nil {
		t.Fatalf("ListSteps() error = %v", err)
	}
	if retried[0].RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", retried[0].RetryCount)
	}
	if got := flaky.attempts.Load(); got != 2 {
		t.Errorf("executions = %d, want 2", got)
	}
}

func TestRetryStep_EnforcesDeclaredRetryBudget(t *testing.T) {
	eng := newTestEngine(t)
	failing := &failingAction{msg: "registry unreachable"}
	meta := syncMeta("container_build")
	meta.MaxRetries = 1
	if err := eng.RegisterAction(meta, func() (action.Executor, error) {
		return failing, nil
	}); err != nil {
		t.Fatalf("RegisterAction() error = %v", err)
	}

	ctx := context.Background()
	exec, err := eng.SubmitDAG(ctx, "ci", []pipeline.StepTemplate{
		{StepID: "build", Sequence: 1, ActionType: "container_build"},
	}, nil)
	if err != nil {
		t.Fatalf("SubmitDAG() error = %v", err)
	}
	waitForExecStatus(t, eng, exec.ID, execution.StatusFailed)

	listed, err := eng.ListSteps(ctx, exec.ID)
	if err != nil {
		t.Fatalf("ListSteps() error = %v", err)
	}

	if _, err := eng.RetryStep(ctx, listed[0].ID); err != nil {
		t.Fatalf("RetryStep() within budget error = %v", err)
	}
	waitFor(t, "retry failed again", func() bool {
		steps, err := eng.ListSteps(ctx, exec.ID)
		return err == nil && steps[0].Status == execution.StatusFailed && steps[0].RetryCount == 1
	})

	_, err = eng.RetryStep(ctx, listed[0].ID)
	if !errors.Is(err, conduct.ErrRetryExhausted) {
		t.Fatalf("RetryStep() past budget error = %v, want ErrRetryExhausted", err)
	}
}

func TestRetryStep_RejectsNonFailedStep(t *testing.T) {
	eng := newTestEngine(t)
	act := &awaitingAction{external: "wf-ext-9"}
	exec := submitAwaiting(t, eng, act)

	listed, err := eng.ListSteps(context.Background(), exec.ID)
	if err != nil {
		t.Fatalf("ListSteps() error = %v", err)
	}

	_, err = eng.RetryStep(context.Background(), listed[0].ID)
	if !errors.Is(err, conduct.ErrInvalidTransition) {
		t.Fatalf("RetryStep() error = %v, want ErrInvalidTransition", err)
	}
}

// ── Definitions ────────────────────────────────

func TestCreateDefinition_ValidatesActionTypes(t *testing.T) {
	eng := newTestEngine(t)

	def := &pipeline.Definition{
		Name: "deploy",
		Steps: []pipeline.StepTemplate{
			{StepID: "build", Sequence: 1, ActionType: "container_build"},
		},
	}
	err := eng.CreateDefinition(context.Background(), def)
	if !errors.Is(err, conduct.ErrActionNotFound) {
		t.Fatalf("CreateDefinition() error = %v, want ErrActionNotFound", err)
	}
}

func TestSubmitPipeline_FromStoredDefinition(t *testing.T) {
	eng := newTestEngine(t)
	rec := &recorder{}
	if err := eng.RegisterAction(syncMeta("container_build"), func() (action.Executor, error) {
		return &recordingAction{rec: rec, outputs: map[string]any{"digest": "sha256:abc"}}, nil
	}); err != nil {
		t.Fatalf("RegisterAction() error = %v", err)
	}

	ctx := context.Background()
	def := &pipeline.Definition{
		Name: "deploy",
		Steps: []pipeline.StepTemplate{
			{StepID: "build", Sequence: 1, ActionType: "container_build"},
		},
	}
	if err := eng.CreateDefinition(ctx, def); err != nil {
		t.Fatalf("CreateDefinition() error = %v", err)
	}

	exec, err := eng.SubmitPipeline(ctx, def.ID, nil, engine.WithInitiator("user_42"))
	if err != nil {
		t.Fatalf("SubmitPipeline() error = %v", err)
	}
	if exec.DefinitionID.String() != def.ID.String() {
		t.Errorf("DefinitionID = %s, want %s", exec.DefinitionID, def.ID)
	}
	if exec.Initiator != "user_42" {
		t.Errorf("Initiator = %q, want user_42", exec.Initiator)
	}
	waitForExecStatus(t, eng, exec.ID, execution.StatusCompleted)
}

func TestSubmitPipeline_DeletedDefinitionRejected(t *testing.T) {
	eng := newTestEngine(t)
	if err := eng.RegisterAction(syncMeta("container_build"), func() (action.Executor, error) {
		return &recordingAction{rec: &recorder{}}, nil
	}); err != nil {
		t.Fatalf("RegisterAction() error = %v", err)
	}

	ctx := context.Background()
	def := &pipeline.Definition{
		Name: "deploy",
		Steps: []pipeline.StepTemplate{
			{StepID: "build", Sequence: 1, ActionType: "container_build"},
		},
	}
	if err := eng.CreateDefinition(ctx, def); err != nil {
		t.Fatalf("CreateDefinition() error = %v", err)
	}
	if err := eng.DeleteDefinition(ctx, def.ID, def.Version); err != nil {
		t.Fatalf("DeleteDefinition() error = %v", err)
	}

	_, err := eng.SubmitPipeline(ctx, def.ID, nil)
	if !errors.Is(err, conduct.ErrDefinitionNotFound) {
		t.Fatalf("SubmitPipeline() error = %v, want ErrDefinitionNotFound", err)
	}
}
