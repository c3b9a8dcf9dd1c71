// Package session coordinates agent runs: sandbox provisioning,
// orchestrator execution, event persistence and fan-out, artifacts,
// and the PR merge flow.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rampdev/rampagent/internal/agent"
	"github.com/rampdev/rampagent/internal/common/config"
	apperrors "github.com/rampdev/rampagent/internal/common/errors"
	"github.com/rampdev/rampagent/internal/common/logger"
	"github.com/rampdev/rampagent/internal/events/bus"
	"github.com/rampdev/rampagent/internal/github"
	"github.com/rampdev/rampagent/internal/llm"
	"github.com/rampdev/rampagent/internal/sandbox"
	"github.com/rampdev/rampagent/internal/store"
	v1 "github.com/rampdev/rampagent/pkg/api/v1"
)

const diffTimeout = 10 * time.Second

// Merger merges pull requests. Satisfied by the github API client.
type Merger interface {
	MergePR(ctx context.Context, repoFullName string, number int) (*github.MergeResult, error)
}

// ArtifactSaver persists run artifacts. Satisfied by the artifacts
// manager.
type ArtifactSaver interface {
	Save(ctx context.Context, runID string, artifactType v1.ArtifactType, name string, data []byte, metadata map[string]interface{}) (*v1.Artifact, error)
}

// Deps bundles the controller's collaborators.
type Deps struct {
	Config    *config.Config
	Store     store.Store
	Bus       bus.EventBus
	Provider  sandbox.Provider
	LLM       llm.Client
	GitHub    *github.Client
	Merger    Merger
	Artifacts ArtifactSaver
	Logger    *logger.Logger
}

// activeSession is the live state of a session with a running or
// resumable orchestrator. The sandbox stays alive between runs so
// follow-up messages continue in the same workspace.
type activeSession struct {
	mu           sync.Mutex
	runID        string
	orchestrator *agent.Agent
	sandbox      sandbox.Sandbox
	cancel       context.CancelFunc
	commandsUsed int
	busy         bool
}

func (a *activeSession) currentRunID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.runID
}

func (a *activeSession) setRun(runID string) {
	a.mu.Lock()
	a.runID = runID
	a.commandsUsed = 0
	a.busy = true
	a.mu.Unlock()
}

func (a *activeSession) finishRun() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.busy = false
	return a.commandsUsed
}

func (a *activeSession) countCommand() {
	a.mu.Lock()
	a.commandsUsed++
	a.mu.Unlock()
}

// Controller owns run execution for all sessions.
type Controller struct {
	cfg       *config.Config
	store     store.Store
	bus       bus.EventBus
	provider  sandbox.Provider
	llm       llm.Client
	github    *github.Client
	merger    Merger
	artifacts ArtifactSaver
	logger    *logger.Logger

	mu     sync.Mutex
	active map[string]*activeSession

	wg sync.WaitGroup

	// newOrchestrator is swappable in tests.
	newOrchestrator func(deps agent.Deps, repoURL string) *agent.Agent
}

// NewController creates a controller.
func NewController(deps Deps) *Controller {
	merger := deps.Merger
	if merger == nil && deps.GitHub != nil {
		merger = deps.GitHub
	}
	return &Controller{
		cfg:             deps.Config,
		store:           deps.Store,
		bus:             deps.Bus,
		provider:        deps.Provider,
		llm:             deps.LLM,
		github:          deps.GitHub,
		merger:          merger,
		artifacts:       deps.Artifacts,
		logger:          deps.Logger,
		active:          make(map[string]*activeSession),
		newOrchestrator: agent.NewOrchestrator,
	}
}

// StartRun creates a run for the session and executes it in the
// background against a fresh sandbox.
func (c *Controller) StartRun(ctx context.Context, sessionID string) (*v1.Run, error) {
	session, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if as, ok := c.active[sessionID]; ok {
		as.mu.Lock()
		busy := as.busy
		as.mu.Unlock()
		if busy {
			c.mu.Unlock()
			return nil, apperrors.Conflict(fmt.Sprintf("session '%s' already has a run in progress", sessionID))
		}
	}
	if c.runningCountLocked() >= c.cfg.Runs.MaxConcurrent {
		c.mu.Unlock()
		return nil, apperrors.Conflict(fmt.Sprintf("max concurrent runs reached (%d)", c.cfg.Runs.MaxConcurrent))
	}
	c.mu.Unlock()

	now := time.Now().UTC()
	run := &v1.Run{
		SessionID: sessionID,
		Status:    v1.RunStatusRunning,
		StartedAt: &now,
	}
	if err := c.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}

	session.Status = v1.SessionStatusRunning
	if err := c.store.UpdateSession(ctx, session); err != nil {
		return nil, err
	}

	as := &activeSession{}
	as.setRun(run.ID)
	c.mu.Lock()
	c.active[sessionID] = as
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.executeRun(session, run, as)
	}()

	return run, nil
}

func (c *Controller) runningCountLocked() int {
	n := 0
	for _, as := range c.active {
		as.mu.Lock()
		if as.busy {
			n++
		}
		as.mu.Unlock()
	}
	return n
}

// ContinueRun delivers a follow-up user message to a session whose
// orchestrator is still alive, starting a new run for the resumed leg.
func (c *Controller) ContinueRun(ctx context.Context, sessionID, message string) (*v1.Run, error) {
	session, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	as, ok := c.active[sessionID]
	c.mu.Unlock()
	if !ok || as.orchestrator == nil {
		return nil, apperrors.Conflict(fmt.Sprintf("session '%s' has no resumable run", sessionID))
	}
	as.mu.Lock()
	busy := as.busy
	as.mu.Unlock()
	if busy {
		return nil, apperrors.Conflict(fmt.Sprintf("session '%s' already has a run in progress", sessionID))
	}

	if err := c.store.CreateMessage(ctx, &v1.Message{
		SessionID: sessionID,
		Role:      "user",
		Content:   message,
	}); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	run := &v1.Run{
		SessionID: sessionID,
		Status:    v1.RunStatusRunning,
		StartedAt: &now,
	}
	if err := c.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	as.setRun(run.ID)

	session.Status = v1.SessionStatusRunning
	if err := c.store.UpdateSession(ctx, session); err != nil {
		return nil, err
	}

	c.systemEvent(sessionID, run.ID, "status_change", map[string]interface{}{"status": "running"})
	c.systemEvent(sessionID, run.ID, "user_message", map[string]interface{}{"content": message})

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.executeResume(session, run, as, message)
	}()

	return run, nil
}

// InterruptRun requests a stop. The orchestrator flag stops the loop at
// the next checkpoint and destroying the sandbox makes in-flight
// commands fail fast.
func (c *Controller) InterruptRun(ctx context.Context, sessionID string) error {
	if _, err := c.store.GetSession(ctx, sessionID); err != nil {
		return err
	}

	c.mu.Lock()
	as, ok := c.active[sessionID]
	c.mu.Unlock()
	if !ok {
		return apperrors.Conflict(fmt.Sprintf("session '%s' has no active run", sessionID))
	}
	as.mu.Lock()
	busy := as.busy
	orch := as.orchestrator
	sb := as.sandbox
	runID := as.runID
	as.mu.Unlock()
	if !busy {
		return apperrors.Conflict(fmt.Sprintf("session '%s' has no active run", sessionID))
	}

	c.systemEvent(sessionID, runID, "status_change", map[string]interface{}{"status": "interrupt_requested"})
	if orch != nil {
		orch.Interrupt()
	}
	if sb != nil {
		if err := sb.Destroy(context.Background()); err != nil {
			c.logger.Warn("Failed to destroy sandbox on interrupt",
				zap.String("session_id", sessionID), zap.Error(err))
		}
	}
	return nil
}

// MergePR merges the latest pull request the session produced and
// records the merge on its run.
func (c *Controller) MergePR(ctx context.Context, sessionID string) (*v1.Run, error) {
	session, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	runs, err := c.store.ListRunsBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	var run *v1.Run
	for _, r := range runs {
		if r.PRNumber != nil {
			run = r
			break
		}
	}
	if run == nil {
		return nil, apperrors.Conflict(fmt.Sprintf("session '%s' has no pull request to merge", sessionID))
	}
	if run.MergedAt != nil {
		return nil, apperrors.Conflict(fmt.Sprintf("pull request #%d is already merged", *run.PRNumber))
	}

	repoFullName, err := github.ExtractRepoFullName(session.RepoURL)
	if err != nil {
		return nil, apperrors.BadRequest(err.Error())
	}

	result, err := c.merger.MergePR(ctx, repoFullName, *run.PRNumber)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to merge pull request")
	}
	if !result.Merged {
		return nil, apperrors.Conflict(fmt.Sprintf("pull request #%d was not merged: %s", *run.PRNumber, result.Message))
	}

	now := time.Now().UTC()
	run.MergeSHA = &result.SHA
	run.MergedAt = &now
	if err := c.store.UpdateRun(ctx, run); err != nil {
		return nil, err
	}

	c.systemEvent(sessionID, run.ID, "status_change", map[string]interface{}{
		"status":    "pr_merged",
		"pr_number": *run.PRNumber,
		"sha":       result.SHA,
	})
	return run, nil
}

// Close interrupts everything and waits for run goroutines to settle.
func (c *Controller) Close() {
	c.mu.Lock()
	for _, as := range c.active {
		as.mu.Lock()
		if as.orchestrator != nil {
			as.orchestrator.Interrupt()
		}
		if as.sandbox != nil {
			_ = as.sandbox.Destroy(context.Background())
			as.sandbox = nil
		}
		as.mu.Unlock()
	}
	c.mu.Unlock()
	c.wg.Wait()
}

// executeRun provisions a sandbox, runs the orchestrator, and settles
// the run and session records.
func (c *Controller) executeRun(session *v1.Session, run *v1.Run, as *activeSession) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Runs.MaxRuntime)
	defer cancel()
	as.mu.Lock()
	as.cancel = cancel
	as.mu.Unlock()

	log := c.logger.WithFields(
		zap.String("session_id", session.ID),
		zap.String("run_id", run.ID))

	c.systemEvent(session.ID, run.ID, "status_change", map[string]interface{}{"status": "starting"})
	c.systemEvent(session.ID, run.ID, "status_change", map[string]interface{}{"status": "cloning_repo"})

	sb, err := c.provider.Create(ctx, session.RepoURL, c.cfg.GitHub.Token)
	if err != nil {
		log.Error("Failed to provision sandbox", zap.Error(err))
		c.failRun(session, run, as, fmt.Sprintf("Failed to clone repository: %v", err))
		return
	}
	sb.Setenv("GITHUB_TOKEN", c.cfg.GitHub.Token)
	sb.Setenv("ANTHROPIC_API_KEY", c.cfg.Anthropic.APIKey)
	as.mu.Lock()
	as.sandbox = sb
	as.mu.Unlock()

	repoFullName, err := github.ExtractRepoFullName(session.RepoURL)
	if err != nil {
		log.Error("Unparseable repository URL", zap.Error(err))
		c.failRun(session, run, as, err.Error())
		return
	}

	deps := agent.Deps{
		LLM:     c.llm,
		Sandbox: sb,
		Git:     github.NewGitOps(sb, c.github, repoFullName, log),
		Events:  c.eventCallback(session.ID, as),
		SaveArtifact: func(ctx context.Context, artifactType, name string, data []byte, metadata map[string]interface{}) error {
			_, err := c.artifacts.Save(ctx, as.currentRunID(), v1.ArtifactType(artifactType), name, data, metadata)
			return err
		},
		Logger: log,
	}

	orch := c.newOrchestrator(deps, session.RepoURL)
	as.mu.Lock()
	as.orchestrator = orch
	as.mu.Unlock()

	output, err := orch.Run(ctx, map[string]interface{}{
		"prompt":   session.Prompt,
		"repo_url": session.RepoURL,
	})
	c.settleRun(session, run, as, output, err, "changes")
}

// executeResume continues the live orchestrator conversation for a
// follow-up message.
func (c *Controller) executeResume(session *v1.Session, run *v1.Run, as *activeSession, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Runs.MaxRuntime)
	defer cancel()
	as.mu.Lock()
	as.cancel = cancel
	orch := as.orchestrator
	as.mu.Unlock()

	output, err := orch.Resume(ctx, message)
	c.settleRun(session, run, as, output, err, "changes_followup")
}

// settleRun persists the outcome of a finished orchestrator leg: diff
// artifact, PR details, summary message, and final statuses. The run
// context may already be expired, so persistence uses its own.
func (c *Controller) settleRun(session *v1.Session, run *v1.Run, as *activeSession, output *agent.Output, runErr error, diffName string) {
	persistCtx := context.Background()
	log := c.logger.WithFields(
		zap.String("session_id", session.ID),
		zap.String("run_id", run.ID))

	run.CommandsUsed = as.finishRun()
	now := time.Now().UTC()
	run.FinishedAt = &now

	if runErr != nil {
		log.Error("Run failed", zap.Error(runErr))
		c.destroySandbox(as)
		c.finalize(persistCtx, session, run, v1.RunStatusFailed, v1.SessionStatusFailed)
		c.systemEvent(session.ID, run.ID, "error", map[string]interface{}{"message": runErr.Error()})
		return
	}

	interrupted := output.Result != nil && output.Result["status"] == "interrupted"

	// Capture the working tree diff before anything tears the sandbox
	// down.
	as.mu.Lock()
	sb := as.sandbox
	as.mu.Unlock()
	if sb != nil && !interrupted {
		c.saveDiffArtifact(persistCtx, run.ID, sb, diffName, output)
	}

	if prURL, ok := output.Result["pr_url"].(string); ok && prURL != "" {
		run.PRURL = &prURL
	}
	if prNumber, ok := numberArg(output.Result["pr_number"]); ok {
		run.PRNumber = &prNumber
	}

	if summary, ok := output.Result["summary"].(string); ok && summary != "" {
		if err := c.store.CreateMessage(persistCtx, &v1.Message{
			SessionID: session.ID,
			Role:      "agent",
			Content:   summary,
		}); err != nil {
			log.Warn("Failed to persist summary message", zap.Error(err))
		}
	}

	if interrupted {
		// An interrupted run still settles cleanly: the user asked for
		// the stop.
		c.systemEvent(session.ID, run.ID, "status_change", map[string]interface{}{"status": "interrupted"})
		c.destroySandbox(as)
		c.finalize(persistCtx, session, run, v1.RunStatusCompleted, v1.SessionStatusCompleted)
		return
	}

	if errMsg, ok := output.Result["error"].(string); ok && errMsg != "" {
		c.destroySandbox(as)
		c.finalize(persistCtx, session, run, v1.RunStatusFailed, v1.SessionStatusFailed)
		return
	}

	c.finalize(persistCtx, session, run, v1.RunStatusCompleted, v1.SessionStatusCompleted)
}

func (c *Controller) finalize(ctx context.Context, session *v1.Session, run *v1.Run, runStatus v1.RunStatus, sessionStatus v1.SessionStatus) {
	run.Status = runStatus
	if err := c.store.UpdateRun(ctx, run); err != nil {
		c.logger.Error("Failed to update run", zap.String("run_id", run.ID), zap.Error(err))
	}
	session.Status = sessionStatus
	if err := c.store.UpdateSession(ctx, session); err != nil {
		c.logger.Error("Failed to update session", zap.String("session_id", session.ID), zap.Error(err))
	}
	c.systemEvent(session.ID, run.ID, "status_change", map[string]interface{}{
		"status":     "run_finished",
		"run_status": string(runStatus),
	})
}

func (c *Controller) failRun(session *v1.Session, run *v1.Run, as *activeSession, message string) {
	persistCtx := context.Background()
	as.finishRun()
	now := time.Now().UTC()
	run.FinishedAt = &now
	c.systemEvent(session.ID, run.ID, "error", map[string]interface{}{"message": message})
	c.destroySandbox(as)
	c.finalize(persistCtx, session, run, v1.RunStatusFailed, v1.SessionStatusFailed)
}

func (c *Controller) destroySandbox(as *activeSession) {
	as.mu.Lock()
	sb := as.sandbox
	as.sandbox = nil
	as.orchestrator = nil
	as.mu.Unlock()
	if sb != nil {
		if err := sb.Destroy(context.Background()); err != nil {
			c.logger.Warn("Failed to destroy sandbox", zap.Error(err))
		}
	}
}

// saveDiffArtifact records the working tree diff of the finished leg.
func (c *Controller) saveDiffArtifact(ctx context.Context, runID string, sb sandbox.Sandbox, name string, output *agent.Output) {
	res, err := sb.RunCommand(ctx, "git diff HEAD", diffTimeout)
	if err != nil || res.ExitCode != 0 || res.Stdout == "" {
		return
	}
	metadata := map[string]interface{}{}
	if summary, ok := output.Result["summary"].(string); ok {
		metadata["summary"] = summary
	}
	if _, err := c.artifacts.Save(ctx, runID, v1.ArtifactTypeDiff, name, []byte(res.Stdout), metadata); err != nil {
		c.logger.Warn("Failed to save diff artifact", zap.String("run_id", runID), zap.Error(err))
	}
}

// eventCallback persists every agent event under the session's current
// run and fans it out to live subscribers.
func (c *Controller) eventCallback(sessionID string, as *activeSession) agent.EventCallback {
	return func(ev agent.Event) {
		runID := as.currentRunID()
		if ev.Type == "tool_call" {
			if tool, _ := ev.Data["tool"].(string); tool == "run_command" {
				as.countCommand()
			}
		}
		stored := &v1.Event{
			RunID:     runID,
			Role:      ev.Role,
			Type:      ev.Type,
			Data:      ev.Data,
			Timestamp: ev.Timestamp,
		}
		if err := c.store.AppendEvent(context.Background(), stored); err != nil {
			c.logger.Error("Failed to persist event",
				zap.String("run_id", runID), zap.String("type", ev.Type), zap.Error(err))
		}
		c.bus.Publish(sessionID, bus.Event{
			ID:        stored.ID,
			Role:      ev.Role,
			Type:      ev.Type,
			Data:      ev.Data,
			Timestamp: ev.Timestamp,
		})
	}
}

// systemEvent persists and publishes a controller-originated event.
func (c *Controller) systemEvent(sessionID, runID, eventType string, data map[string]interface{}) {
	busEv := bus.NewEvent("system", eventType, data)
	ev := &v1.Event{
		RunID:     runID,
		Role:      busEv.Role,
		Type:      busEv.Type,
		Data:      busEv.Data,
		Timestamp: busEv.Timestamp,
	}
	if err := c.store.AppendEvent(context.Background(), ev); err != nil {
		c.logger.Error("Failed to persist event",
			zap.String("run_id", runID), zap.String("type", eventType), zap.Error(err))
	}
	busEv.ID = ev.ID
	c.bus.Publish(sessionID, busEv)
}

// numberArg extracts an int from JSON-decoded numeric shapes.
func numberArg(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
