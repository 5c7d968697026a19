package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/squadlite/squadlite/internal/common/config"
	"github.com/squadlite/squadlite/internal/common/logger"
	"github.com/squadlite/squadlite/internal/coordination"
	"github.com/squadlite/squadlite/internal/llm"
	"github.com/squadlite/squadlite/internal/store"
)

const decomposePrompt = `You are a director agent coordinating a team of specialists.
Decompose the user's task into 1-4 subtasks. Respond with JSON only, no prose:
{"subtasks":[{"title":"...","description":"...","specialization":"researcher|writer|analyst|general"}]}`

const summarizePrompt = `You are a director agent. Specialists have finished working on the task below.
Write a concise executive summary of their combined results.`

// Subtask is one unit of the decomposition plan.
type Subtask struct {
	Title          string `json:"title"`
	Description    string `json:"description"`
	Specialization string `json:"specialization"`
}

type decomposition struct {
	Subtasks []Subtask `json:"subtasks"`
}

// Director runs the procedural orchestration pipeline: decompose the task,
// spawn and assign specialists, wait for their tasks to settle, aggregate,
// and summarize.
type Director struct {
	provider llm.Provider
	svc      *coordination.Service
	self     *store.Agent
	cfg      config.DirectorConfig
	logger   *logger.Logger

	// tokensUsed accumulates across the pipeline's LLM calls and is
	// stamped on each phase checkpoint.
	tokensUsed int64
}

// NewDirector builds a director runtime for the given agent record.
func NewDirector(provider llm.Provider, svc *coordination.Service, self *store.Agent, cfg config.DirectorConfig, log *logger.Logger) *Director {
	return &Director{
		provider: provider,
		svc:      svc,
		self:     self,
		cfg:      cfg,
		logger:   log.WithAgentID(self.AgentID),
	}
}

// Run executes the full pipeline and returns the final summary text.
// rootTaskID may be empty when the director was launched without a stored
// root task.
func (d *Director) Run(ctx context.Context, task, rootTaskID string) (string, error) {
	subtasks, err := d.decompose(ctx, task)
	if err != nil {
		return "", err
	}
	d.logger.Info("Task decomposed", zap.Int("subtasks", len(subtasks)))

	if err := d.checkpoint(ctx, task, "spawning", "spawn specialists and assign subtasks", nil, subtaskTitles(subtasks)); err != nil {
		return "", err
	}

	spawned, err := d.spawnAndAssign(ctx, subtasks, rootTaskID)
	if err != nil {
		return "", err
	}

	spawnedIDs := make([]string, len(spawned))
	for i, sp := range spawned {
		spawnedIDs[i] = sp.agentID
	}
	if err := d.checkpoint(ctx, task, "waiting", "poll subtasks until terminal",
		[]string{fmt.Sprintf("spawned %d specialists: %s", len(spawnedIDs), strings.Join(spawnedIDs, ", "))},
		subtaskTitles(subtasks)); err != nil {
		return "", err
	}

	settled := d.waitForTasks(ctx, spawned)
	aggregated := d.aggregate(spawned, settled)

	summary, err := d.summarize(ctx, task, aggregated)
	if err != nil {
		d.logger.Warn("Summarization failed, returning aggregate", zap.Error(err))
		summary = aggregated
	}

	if err := d.checkpoint(ctx, task, "complete", "done",
		[]string{"decomposed task", "ran specialists", "aggregated results"}, nil); err != nil {
		return "", err
	}
	return summary, nil
}

// decompose asks the model for a subtask plan. Any parse failure degrades
// to a single general subtask carrying the whole job.
func (d *Director) decompose(ctx context.Context, task string) ([]Subtask, error) {
	resp, err := d.provider.Chat(ctx, decomposePrompt,
		[]llm.ChatMessage{{Role: llm.RoleUser, Content: task}}, nil)
	if err != nil {
		return nil, fmt.Errorf("decompose call failed: %w", err)
	}
	d.recordUsage(ctx, resp.Usage)

	subtasks := ParseDecomposition(resp.Content)
	if len(subtasks) == 0 {
		d.logger.Warn("Decomposition unparseable, falling back to single subtask")
		subtasks = []Subtask{{Title: "Complete task", Description: task, Specialization: string(store.SpecializationGeneral)}}
	}
	return subtasks, nil
}

// ParseDecomposition extracts the first {...} JSON object from the model's
// reply. Returns nil when nothing usable is found.
func ParseDecomposition(content string) []Subtask {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return nil
	}
	var plan decomposition
	if err := json.Unmarshal([]byte(content[start:end+1]), &plan); err != nil {
		return nil
	}
	var out []Subtask
	for _, st := range plan.Subtasks {
		if st.Title == "" || st.Description == "" {
			continue
		}
		if !store.ValidSpecialization(store.Specialization(st.Specialization)) {
			st.Specialization = string(store.SpecializationGeneral)
		}
		out = append(out, st)
	}
	return out
}

type spawnedSpecialist struct {
	agentID string
	taskID  string
	title   string
}

// spawnAndAssign registers one specialist per subtask, creates and assigns
// its task, and sends the task briefing. Subtasks are independent, so they
// spawn concurrently; slice order follows the decomposition plan.
func (d *Director) spawnAndAssign(ctx context.Context, subtasks []Subtask, rootTaskID string) ([]spawnedSpecialist, error) {
	spawned := make([]spawnedSpecialist, len(subtasks))
	g, gctx := errgroup.WithContext(ctx)
	for i, st := range subtasks {
		g.Go(func() error {
			agent, err := d.svc.RegisterAgent(gctx, store.AgentTypeSpecialist, d.self.AgentID, store.Specialization(st.Specialization))
			if err != nil {
				return fmt.Errorf("spawn specialist for %q: %w", st.Title, err)
			}
			task, err := d.svc.CreateTask(gctx, st.Title, st.Description, rootTaskID)
			if err != nil {
				return fmt.Errorf("create subtask %q: %w", st.Title, err)
			}
			if _, err := d.svc.AssignTask(gctx, task.TaskID, agent.AgentID); err != nil {
				return fmt.Errorf("assign subtask %q: %w", st.Title, err)
			}
			if _, err := d.svc.SendMessage(gctx, d.self.AgentID, agent.AgentID,
				st.Title+"\n\n"+st.Description, store.MessageTask, "", store.PriorityHigh); err != nil {
				d.logger.Warn("Failed to message specialist", zap.Error(err), zap.String("specialist", agent.AgentID))
			}
			spawned[i] = spawnedSpecialist{agentID: agent.AgentID, taskID: task.TaskID, title: st.Title}
			d.logger.Info("Specialist spawned",
				zap.String("specialist", agent.AgentID),
				zap.String("taskId", task.TaskID),
				zap.String("specialization", st.Specialization))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return spawned, nil
}

// waitForTasks polls until every spawned subtask reaches a terminal status
// or the wait budget runs out. Partial completion on timeout is acceptable.
func (d *Director) waitForTasks(ctx context.Context, spawned []spawnedSpecialist) map[string]*store.Task {
	settled := make(map[string]*store.Task, len(spawned))
	deadline := time.Now().Add(d.cfg.WaitTimeoutDuration())
	ticker := time.NewTicker(d.cfg.PollIntervalDuration())
	defer ticker.Stop()

	for {
		for _, sp := range spawned {
			if _, done := settled[sp.taskID]; done {
				continue
			}
			task, err := d.svc.GetTask(ctx, sp.taskID)
			if err != nil {
				d.logger.Warn("Task poll failed", zap.Error(err), zap.String("taskId", sp.taskID))
				continue
			}
			if task.Status.IsTerminal() {
				settled[sp.taskID] = task
				d.logger.Info("Subtask settled",
					zap.String("taskId", task.TaskID),
					zap.String("status", string(task.Status)))
			}
		}
		if len(settled) == len(spawned) {
			return settled
		}
		if time.Now().After(deadline) {
			d.logger.Warn("Wait budget exhausted",
				zap.Int("settled", len(settled)),
				zap.Int("expected", len(spawned)))
			return settled
		}
		select {
		case <-ctx.Done():
			return settled
		case <-ticker.C:
		}
	}
}

// aggregate concatenates successful results into a Markdown document with
// one level-2 heading per subtask title.
func (d *Director) aggregate(spawned []spawnedSpecialist, settled map[string]*store.Task) string {
	var b strings.Builder
	for _, sp := range spawned {
		task, ok := settled[sp.taskID]
		if !ok {
			fmt.Fprintf(&b, "## %s\n\n_No result: specialist did not finish in time._\n\n", sp.title)
			continue
		}
		if task.Status == store.TaskFailed {
			fmt.Fprintf(&b, "## %s\n\n_Failed: %s_\n\n", sp.title, task.Result)
			continue
		}
		fmt.Fprintf(&b, "## %s\n\n%s\n\n", sp.title, task.Result)
	}
	return strings.TrimSpace(b.String())
}

func (d *Director) summarize(ctx context.Context, task, aggregated string) (string, error) {
	resp, err := d.provider.Chat(ctx, summarizePrompt,
		[]llm.ChatMessage{{Role: llm.RoleUser, Content: "Task:\n" + task + "\n\nResults:\n" + aggregated}}, nil)
	if err != nil {
		return "", fmt.Errorf("summarize call failed: %w", err)
	}
	d.recordUsage(ctx, resp.Usage)
	if strings.TrimSpace(resp.Content) == "" {
		return aggregated, nil
	}
	return resp.Content, nil
}

func (d *Director) checkpoint(ctx context.Context, goal, phase, nextAction string, completed, pending []string) error {
	_, err := d.svc.CreateCheckpoint(ctx, d.self.AgentID,
		store.CheckpointSummary{Goal: goal, Completed: completed, Pending: pending},
		store.ResumePointer{NextAction: nextAction, Phase: phase}, d.tokensUsed)
	if err != nil {
		return fmt.Errorf("checkpoint %q: %w", phase, err)
	}
	return nil
}

func (d *Director) recordUsage(ctx context.Context, usage llm.Usage) {
	d.tokensUsed += usage.InputTokens + usage.OutputTokens
	if _, err := d.svc.AddTokens(ctx, d.self.AgentID, usage.InputTokens, usage.OutputTokens); err != nil {
		d.logger.Warn("Failed to record token usage", zap.Error(err))
	}
}

func subtaskTitles(subtasks []Subtask) []string {
	titles := make([]string, len(subtasks))
	for i, st := range subtasks {
		titles[i] = st.Title
	}
	return titles
}
