package proc

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"orchd/internal/logging"
)

// llmConcurrency is the process-wide cap on concurrent LLM invocations.
const llmConcurrency = 2

// Broker serializes LLM invocations through a weighted semaphore.
// Background callers queue; an operator-initiated call may cancel one
// in-flight background call when both slots are busy (at most one
// preemption at a time).
type Broker struct {
	sem     *semaphore.Weighted
	command string // LLM CLI binary
	model   string // default model

	mu        sync.Mutex
	bgCancels map[int64]context.CancelCauseFunc
	nextID    int64

	preemptMu sync.Mutex
}

// NewBroker creates a broker for the given LLM CLI binary and default model.
func NewBroker(command, model string) *Broker {
	return &Broker{
		sem:       semaphore.NewWeighted(llmConcurrency),
		command:   command,
		model:     model,
		bgCancels: make(map[int64]context.CancelCauseFunc),
	}
}

// LLMOpts tunes one LLM invocation.
type LLMOpts struct {
	Model        string // default from broker config
	Schema       string // JSON schema for constrained decoding
	AllowedTools []string
	MaxTurns     int
	Timeout      time.Duration // default 60s
	Operator     bool          // operator-initiated; may preempt a background slot
}

// InvokeLLM pipes prompt to the LLM CLI in print mode and returns stdout.
// Concurrency is capped at 2 across the process. Errors follow the shell
// taxonomy; a preempted background call returns ErrPreempted.
func (b *Broker) InvokeLLM(ctx context.Context, prompt string, opts LLMOpts) (string, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	if opts.Operator {
		if err := b.acquireOperator(ctx); err != nil {
			return "", err
		}
		defer b.sem.Release(1)
		return b.run(ctx, prompt, opts, timeout)
	}

	if err := b.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer b.sem.Release(1)

	// Register so an operator call can cancel us while we run.
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	id := b.register(cancel)
	defer b.unregister(id)

	out, err := b.run(runCtx, prompt, opts, timeout)
	if err != nil && context.Cause(runCtx) == ErrPreempted {
		return "", ErrPreempted
	}
	return out, err
}

// acquireOperator takes a slot immediately if one is free, otherwise
// preempts one background invocation and waits for its slot.
func (b *Broker) acquireOperator(ctx context.Context) error {
	if b.sem.TryAcquire(1) {
		return nil
	}

	b.preemptMu.Lock()
	defer b.preemptMu.Unlock()

	// Re-check: a slot may have freed while waiting for the preemption lock.
	if b.sem.TryAcquire(1) {
		return nil
	}

	b.mu.Lock()
	for id, cancel := range b.bgCancels {
		logging.Proc("operator call preempting background llm invocation %d", id)
		cancel(ErrPreempted)
		break
	}
	b.mu.Unlock()

	return b.sem.Acquire(ctx, 1)
}

func (b *Broker) register(cancel context.CancelCauseFunc) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.bgCancels[id] = cancel
	return id
}

func (b *Broker) unregister(id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.bgCancels, id)
}

func (b *Broker) run(ctx context.Context, prompt string, opts LLMOpts, timeout time.Duration) (string, error) {
	model := opts.Model
	if model == "" {
		model = b.model
	}

	argv := []string{b.command, "-p", "--model", model, "--output-format", "text"}
	if opts.Schema != "" {
		argv = append(argv, "--json-schema", opts.Schema)
	}
	if len(opts.AllowedTools) > 0 {
		argv = append(argv, "--allowedTools", strings.Join(opts.AllowedTools, ","))
	}
	if opts.MaxTurns > 0 {
		argv = append(argv, "--max-turns", strconv.Itoa(opts.MaxTurns))
	}

	start := time.Now()
	res, err := RunShell(ctx, argv, ShellOpts{Timeout: timeout, Input: prompt})
	if err != nil {
		return "", err
	}
	logging.Proc("llm invocation complete in %dms (%d bytes out)", time.Since(start).Milliseconds(), len(res.Stdout))

	return strings.TrimSpace(res.Stdout), nil
}
