package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/squadlite/squadlite/internal/common/apperr"
	"github.com/squadlite/squadlite/internal/common/config"
	"github.com/squadlite/squadlite/internal/common/logger"
	"github.com/squadlite/squadlite/internal/common/tracing"
	"github.com/squadlite/squadlite/internal/events"
	"github.com/squadlite/squadlite/internal/events/bus"
	"github.com/squadlite/squadlite/internal/store"
)

const (
	setupStepTimeout = 120 * time.Second
	signalTimeout    = 30 * time.Second

	defaultCPUCount  = 2
	defaultMemoryMB  = 2048
	defaultTimeoutMs = 30 * 60 * 1000
)

// uuidShaped gates identifiers that end up on sandbox command lines. Task
// text never goes on a command line at all; it travels in AGENT_TASK.
var uuidShaped = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// OutputHandler receives stdout/stderr chunks from agent processes.
type OutputHandler func(agentID, stream, data string)

// ProcessState is the in-memory status of one agent process.
type ProcessState string

const (
	ProcessRunning   ProcessState = "running"
	ProcessCompleted ProcessState = "completed"
	ProcessError     ProcessState = "error"
	ProcessKilled    ProcessState = "killed"
)

type agentProcess struct {
	agentID   string
	state     ProcessState
	startedAt time.Time
	cancel    context.CancelFunc
	done      chan ProcessState
}

// RunHandle lets the launcher of an agent process await its exit.
type RunHandle struct {
	AgentID string
	done    chan ProcessState
}

// NewRunHandle wraps an externally managed done channel. The channel
// receives the final state and is then closed.
func NewRunHandle(agentID string, done chan ProcessState) *RunHandle {
	return &RunHandle{AgentID: agentID, done: done}
}

// Done is closed after the process exits; the final state is sent first.
func (h *RunHandle) Done() <-chan ProcessState {
	return h.done
}

// AgentStatus is one agent's entry in the orchestrator status report.
type AgentStatus struct {
	AgentID        string               `json:"agentId"`
	AgentType      store.AgentType      `json:"agentType"`
	Specialization store.Specialization `json:"specialization,omitempty"`
	ProcessState   ProcessState         `json:"processState,omitempty"`
}

// Status reports the shared sandbox and its registered agents.
type Status struct {
	SandboxID  string        `json:"sandboxId"`
	IsReady    bool          `json:"isReady"`
	AgentCount int           `json:"agentCount"`
	Agents     []AgentStatus `json:"agents"`
}

type registeredAgent struct {
	agentType      store.AgentType
	specialization store.Specialization
}

// Orchestrator owns the single shared sandbox and the agent processes
// inside it.
type Orchestrator struct {
	provider Provider
	repo     store.Repository
	bus      bus.EventBus
	cfg      config.SandboxConfig
	mongoCfg config.MongoConfig
	llmCfg   config.LLMConfig
	output   OutputHandler
	logger   *logger.Logger

	mu        sync.Mutex
	instance  Instance
	setupDone bool
	agents    map[string]registeredAgent
	processes map[string]*agentProcess
}

// NewOrchestrator builds an orchestrator. The output handler may be nil.
func NewOrchestrator(provider Provider, repo store.Repository, eventBus bus.EventBus, cfg config.SandboxConfig, mongoCfg config.MongoConfig, llmCfg config.LLMConfig, output OutputHandler, log *logger.Logger) *Orchestrator {
	return &Orchestrator{
		provider:  provider,
		repo:      repo,
		bus:       eventBus,
		cfg:       cfg,
		mongoCfg:  mongoCfg,
		llmCfg:    llmCfg,
		output:    output,
		logger:    log.WithFields(zap.String("component", "sandbox-orchestrator")),
		agents:    make(map[string]registeredAgent),
		processes: make(map[string]*agentProcess),
	}
}

// Register attaches an agent to the shared sandbox, creating and setting it
// up on first use. Registration is idempotent per agent.
func (o *Orchestrator) Register(ctx context.Context, agentID string, agentType store.AgentType, specialization store.Specialization) error {
	if !uuidShaped.MatchString(agentID) {
		return apperr.Validation("agentId %q is not a UUID", agentID)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.ensureSandboxLocked(ctx); err != nil {
		return err
	}
	if _, ok := o.agents[agentID]; ok {
		return nil
	}
	o.agents[agentID] = registeredAgent{agentType: agentType, specialization: specialization}

	now := time.Now().UTC()
	rec := &store.SandboxRecord{
		SandboxID: o.instance.Name(),
		AgentID:   agentID,
		Status:    store.SandboxActive,
		Metadata: store.SandboxMetadata{
			AgentType:      agentType,
			Specialization: specialization,
			CreatedBy:      "control-plane",
		},
		Lifecycle: store.SandboxLifecycle{CreatedAt: now, LastHeartbeat: now},
		Resources: store.SandboxResources{
			CPUCount:  defaultCPUCount,
			MemoryMB:  defaultMemoryMB,
			TimeoutMs: defaultTimeoutMs,
		},
	}
	if err := o.repo.UpsertSandboxRecord(ctx, rec); err != nil {
		return err
	}
	if err := o.repo.SetAgentSandbox(ctx, agentID, o.instance.Name(), store.AgentSandboxActive); err != nil {
		return err
	}

	o.publish(ctx, events.SandboxEvent, map[string]any{
		"sandboxId": o.instance.Name(),
		"agentId":   agentID,
		"action":    "registered",
	})
	o.logger.Info("Agent registered in sandbox",
		zap.String("agent_id", agentID),
		zap.String("sandbox_id", o.instance.Name()))
	return nil
}

// ensureSandboxLocked lazily creates the shared sandbox and performs the
// one-time setup. Caller holds o.mu.
func (o *Orchestrator) ensureSandboxLocked(ctx context.Context) error {
	if o.instance != nil {
		return nil
	}

	o.logger.Info("Creating shared sandbox", zap.String("name", o.cfg.Name))
	instance, err := o.provider.Create(ctx, o.cfg.Name)
	if err != nil {
		return err
	}
	o.instance = instance

	if !o.setupDone {
		if err := o.setupLocked(ctx); err != nil {
			o.instance = nil
			_ = instance.Destroy()
			return err
		}
		o.setupDone = true
	}

	o.publish(ctx, events.SandboxEvent, map[string]any{
		"sandboxId": instance.Name(),
		"action":    "created",
	})
	return nil
}

// setupLocked uploads the agent runtime binary to its fixed path. Setup
// runs once per sandbox; later registrations reuse it.
func (o *Orchestrator) setupLocked(ctx context.Context) error {
	data, err := os.ReadFile(o.cfg.AgentBinary)
	if err != nil {
		return fmt.Errorf("agent binary not found at %s: %w", o.cfg.AgentBinary, err)
	}

	stepCtx, cancel := context.WithTimeout(ctx, setupStepTimeout)
	defer cancel()

	o.logger.Debug("Uploading agent binary",
		zap.String("path", o.cfg.AgentPath),
		zap.Int("size_bytes", len(data)))

	cmd := o.instance.Command(stepCtx, CommandOptions{}, "sh", "-c",
		fmt.Sprintf("cat > %[1]s && chmod +x %[1]s", o.cfg.AgentPath))
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to open upload pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start upload: %w", err)
	}
	if _, err := stdin.Write(data); err != nil {
		return fmt.Errorf("failed to write agent binary: %w", err)
	}
	if err := stdin.Close(); err != nil {
		return fmt.Errorf("failed to close upload pipe: %w", err)
	}
	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("agent binary upload failed: %w", err)
	}

	if _, err := o.instance.Command(stepCtx, CommandOptions{}, "test", "-x", o.cfg.AgentPath).Output(); err != nil {
		return fmt.Errorf("agent binary verification failed: %w", err)
	}
	return nil
}

// RunAgent launches the agent runtime process for one agent. The task body
// travels only through the AGENT_TASK environment variable; the command
// line carries UUID-shaped identifiers and enum values exclusively.
func (o *Orchestrator) RunAgent(ctx context.Context, agentID, task, parentID string) (*RunHandle, error) {
	_, span := tracing.Tracer("sandbox").Start(ctx, "orchestrator.run_agent")
	defer span.End()
	span.SetAttributes(attribute.String("agent.id", agentID))

	if !uuidShaped.MatchString(agentID) {
		return nil, apperr.Validation("agentId %q is not a UUID", agentID)
	}
	if parentID != "" && !uuidShaped.MatchString(parentID) {
		return nil, apperr.Validation("parentId %q is not a UUID", parentID)
	}

	o.mu.Lock()
	if o.instance == nil {
		o.mu.Unlock()
		return nil, apperr.ErrSandboxNotFound
	}
	reg, ok := o.agents[agentID]
	if !ok {
		o.mu.Unlock()
		return nil, apperr.NotFound("registered agent", agentID)
	}
	if proc, ok := o.processes[agentID]; ok && proc.state == ProcessRunning {
		o.mu.Unlock()
		return nil, fmt.Errorf("agent %s: %w", agentID, apperr.ErrAgentAlreadyRunning)
	}

	args := []string{"--agentId", agentID, "--agentType", string(reg.agentType)}
	if reg.specialization != "" {
		args = append(args, "--specialization", string(reg.specialization))
	}
	if parentID != "" {
		args = append(args, "--parentId", parentID)
	}

	env := []string{
		"AGENT_TASK=" + task,
		"ANTHROPIC_API_KEY=" + o.llmCfg.APIKey,
		"MONGODB_URI=" + o.mongoCfg.URI,
		"MONGODB_DB_NAME=" + o.mongoCfg.DBName,
	}

	procCtx, cancel := context.WithCancel(context.Background())
	cmd := o.instance.Command(procCtx, CommandOptions{
		Env:    env,
		Stdout: &streamWriter{agentID: agentID, stream: "stdout", handler: o.output},
		Stderr: &streamWriter{agentID: agentID, stream: "stderr", handler: o.output},
	}, o.cfg.AgentPath, args...)

	if err := cmd.Start(); err != nil {
		cancel()
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", apperr.ErrCommandExecution, err)
	}

	proc := &agentProcess{
		agentID:   agentID,
		state:     ProcessRunning,
		startedAt: time.Now().UTC(),
		cancel:    cancel,
		done:      make(chan ProcessState, 1),
	}
	o.processes[agentID] = proc
	sandboxID := o.instance.Name()
	o.mu.Unlock()

	o.logger.Info("Agent process started",
		zap.String("agent_id", agentID),
		zap.String("agent_type", string(reg.agentType)))

	go o.reap(sandboxID, proc, cmd)
	return &RunHandle{AgentID: agentID, done: proc.done}, nil
}

// reap waits for an agent process to exit and settles its state, costs,
// and events.
func (o *Orchestrator) reap(sandboxID string, proc *agentProcess, cmd Process) {
	err := cmd.Wait()
	runtime := time.Since(proc.startedAt).Seconds()

	o.mu.Lock()
	state := proc.state
	if state == ProcessRunning {
		if err != nil {
			state = ProcessError
		} else {
			state = ProcessCompleted
		}
		proc.state = state
	}
	o.mu.Unlock()
	proc.cancel()
	proc.done <- state
	close(proc.done)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if costErr := o.repo.AddSandboxCost(ctx, sandboxID, proc.agentID, runtime, runtime*o.cfg.CostPerSecond); costErr != nil {
		o.logger.Warn("Failed to record sandbox cost",
			zap.String("agent_id", proc.agentID), zap.Error(costErr))
	}

	o.publish(ctx, events.SandboxEvent, map[string]any{
		"sandboxId":      sandboxID,
		"agentId":        proc.agentID,
		"action":         "process_exit",
		"processState":   string(state),
		"runtimeSeconds": runtime,
	})
	o.logger.Info("Agent process exited",
		zap.String("agent_id", proc.agentID),
		zap.String("state", string(state)),
		zap.Float64("runtime_seconds", runtime),
		zap.Error(err))
}

// Kill marks one agent's process killed and best-effort terminates it by
// matching the agent id on its command line. The sandbox stays alive for
// the other agents.
func (o *Orchestrator) Kill(ctx context.Context, agentID string) error {
	if !uuidShaped.MatchString(agentID) {
		return apperr.Validation("agentId %q is not a UUID", agentID)
	}

	o.mu.Lock()
	instance := o.instance
	proc := o.processes[agentID]
	if proc != nil {
		proc.state = ProcessKilled
		proc.cancel()
	}
	o.mu.Unlock()

	if instance != nil {
		killCtx, cancel := context.WithTimeout(ctx, signalTimeout)
		defer cancel()
		// pkill exits 1 when nothing matched, which is fine here.
		_, _ = instance.Command(killCtx, CommandOptions{}, "sh", "-c",
			fmt.Sprintf("pkill -f 'squad-agent.*%s' || true", agentID)).CombinedOutput()

		if err := o.repo.SetAgentSandbox(ctx, agentID, instance.Name(), store.AgentSandboxKilled); err != nil {
			o.logger.Warn("Failed to mark agent sandbox status killed",
				zap.String("agent_id", agentID), zap.Error(err))
		}
		if _, err := o.repo.SetSandboxRecordStatus(ctx, instance.Name(), agentID, store.SandboxKilled, time.Now().UTC()); err != nil {
			o.logger.Warn("Failed to mark sandbox record killed",
				zap.String("agent_id", agentID), zap.Error(err))
		}
	}

	o.publish(ctx, events.AgentKilled, map[string]any{
		"agentId": agentID,
	})
	o.logger.Info("Agent killed", zap.String("agent_id", agentID))
	return nil
}

// ExecuteOptions configures a one-shot command run via Execute.
type ExecuteOptions struct {
	Dir      string
	Env      []string
	Timeout  time.Duration
	OnStdout func(data string)
	OnStderr func(data string)
}

// ExecuteResult is the outcome of a one-shot command.
type ExecuteResult struct {
	ExitCode int    `json:"exitCode"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	Error    bool   `json:"error"`
}

// Execute runs a one-shot command in the shared sandbox on behalf of an
// agent, streaming output while capturing it. A timeout is reported as
// ErrCommandTimeout; any other failure is carried in the result with
// Error set and the process exit code.
func (o *Orchestrator) Execute(ctx context.Context, agentID, command string, opts ExecuteOptions) (*ExecuteResult, error) {
	if !uuidShaped.MatchString(agentID) {
		return nil, apperr.Validation("agentId %q is not a UUID", agentID)
	}
	o.mu.Lock()
	instance := o.instance
	o.mu.Unlock()
	if instance == nil {
		return nil, apperr.ErrSandboxNotFound
	}

	runCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	stdout := &captureWriter{callback: opts.OnStdout}
	stderr := &captureWriter{callback: opts.OnStderr}
	cmd := instance.Command(runCtx, CommandOptions{
		Env:    opts.Env,
		Dir:    opts.Dir,
		Stdout: stdout,
		Stderr: stderr,
	}, "sh", "-c", command)

	err := cmd.Start()
	if err == nil {
		err = cmd.Wait()
	}

	result := &ExecuteResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return result, nil
	}
	result.Error = true
	if runCtx.Err() == context.DeadlineExceeded {
		result.ExitCode = -1
		return result, fmt.Errorf("command exceeded %s: %w", opts.Timeout, apperr.ErrCommandTimeout)
	}
	result.ExitCode = commandExitCode(err)
	o.logger.Warn("Command failed",
		zap.String("agent_id", agentID),
		zap.Int("exit_code", result.ExitCode),
		zap.Error(err))
	return result, nil
}

func commandExitCode(err error) int {
	var coder interface{ ExitCode() int }
	if errors.As(err, &coder) {
		return coder.ExitCode()
	}
	return 1
}

// Pause suspends every process in the shared sandbox. All attached agents
// transition to paused together.
func (o *Orchestrator) Pause(ctx context.Context) error {
	return o.signalAll(ctx, "-STOP", store.SandboxPaused, store.AgentSandboxPaused, "paused")
}

// Resume lifts a Pause. All attached agents transition back to active.
func (o *Orchestrator) Resume(ctx context.Context) error {
	return o.signalAll(ctx, "-CONT", store.SandboxActive, store.AgentSandboxActive, "resumed")
}

func (o *Orchestrator) signalAll(ctx context.Context, signal string, recStatus store.SandboxStatus, agentStatus store.AgentSandboxStatus, action string) error {
	o.mu.Lock()
	instance := o.instance
	o.mu.Unlock()
	if instance == nil {
		return apperr.ErrSandboxNotFound
	}

	sigCtx, cancel := context.WithTimeout(ctx, signalTimeout)
	defer cancel()
	if _, err := instance.Command(sigCtx, CommandOptions{}, "sh", "-c",
		fmt.Sprintf("pkill %s -f squad-agent || true", signal)).CombinedOutput(); err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrCommandExecution, err)
	}

	now := time.Now().UTC()
	if _, err := o.repo.SetSandboxStatusAll(ctx, instance.Name(), recStatus, now); err != nil {
		return err
	}
	if _, err := o.repo.SetSandboxStatusForAgents(ctx, instance.Name(), agentStatus); err != nil {
		return err
	}

	o.publish(ctx, events.SandboxEvent, map[string]any{
		"sandboxId": instance.Name(),
		"action":    action,
	})
	o.logger.Info("Sandbox "+action, zap.String("sandbox_id", instance.Name()))
	return nil
}

// KillSandbox tears down the shared sandbox: every attached agent and
// sandbox record moves to killed, the VM is destroyed, and in-memory state
// is released so the next Register starts fresh.
func (o *Orchestrator) KillSandbox(ctx context.Context) error {
	o.mu.Lock()
	instance := o.instance
	for _, proc := range o.processes {
		if proc.state == ProcessRunning {
			proc.state = ProcessKilled
			proc.cancel()
		}
	}
	o.instance = nil
	o.setupDone = false
	o.agents = make(map[string]registeredAgent)
	o.processes = make(map[string]*agentProcess)
	o.mu.Unlock()

	if instance == nil {
		return apperr.ErrSandboxNotFound
	}

	now := time.Now().UTC()
	if _, err := o.repo.SetSandboxStatusAll(ctx, instance.Name(), store.SandboxKilled, now); err != nil {
		o.logger.Warn("Failed to mark sandbox records killed", zap.Error(err))
	}
	if _, err := o.repo.SetSandboxStatusForAgents(ctx, instance.Name(), store.AgentSandboxKilled); err != nil {
		o.logger.Warn("Failed to mark agents killed", zap.Error(err))
	}
	if err := instance.Destroy(); err != nil {
		o.logger.Warn("Failed to destroy sandbox", zap.Error(err))
	}

	o.publish(ctx, events.SandboxEvent, map[string]any{
		"sandboxId": instance.Name(),
		"action":    "killed",
	})
	o.logger.Info("Shared sandbox killed", zap.String("sandbox_id", instance.Name()))
	return nil
}

// Status reports the sandbox and its agents.
func (o *Orchestrator) Status() *Status {
	o.mu.Lock()
	defer o.mu.Unlock()

	status := &Status{AgentCount: len(o.agents)}
	if o.instance != nil {
		status.SandboxID = o.instance.Name()
		status.IsReady = o.setupDone
	}
	for agentID, reg := range o.agents {
		entry := AgentStatus{
			AgentID:        agentID,
			AgentType:      reg.agentType,
			Specialization: reg.specialization,
		}
		if proc, ok := o.processes[agentID]; ok {
			entry.ProcessState = proc.state
		}
		status.Agents = append(status.Agents, entry)
	}
	return status
}

// ProcessStateOf returns the in-memory process state for an agent, or ""
// when no process was ever launched.
func (o *Orchestrator) ProcessStateOf(agentID string) ProcessState {
	o.mu.Lock()
	defer o.mu.Unlock()
	if proc, ok := o.processes[agentID]; ok {
		return proc.state
	}
	return ""
}

func (o *Orchestrator) publish(ctx context.Context, subject string, data map[string]any) {
	if o.bus == nil {
		return
	}
	if err := o.bus.Publish(ctx, subject, bus.NewEvent(events.WireType(subject), "sandbox-orchestrator", data)); err != nil {
		o.logger.Warn("Failed to publish sandbox event", zap.Error(err))
	}
}

// streamWriter forwards process output chunks to the output handler.
type streamWriter struct {
	agentID string
	stream  string
	handler OutputHandler
}

func (w *streamWriter) Write(p []byte) (int, error) {
	if w.handler != nil && len(p) > 0 {
		w.handler(w.agentID, w.stream, string(p))
	}
	return len(p), nil
}

// captureWriter buffers command output and forwards each chunk to an
// optional callback.
type captureWriter struct {
	mu       sync.Mutex
	buf      strings.Builder
	callback func(data string)
}

func (w *captureWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	w.buf.Write(p)
	w.mu.Unlock()
	if w.callback != nil && len(p) > 0 {
		w.callback(string(p))
	}
	return len(p), nil
}

func (w *captureWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}
