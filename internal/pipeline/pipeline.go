package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"polaralign/internal/logging"
	"polaralign/internal/polar"
	"polaralign/internal/storage"
)

// ErrQueueFull is returned by Submit when no queue slot is free.
var ErrQueueFull = errors.New("job queue is full")

// JobType enumerates supported job categories.
type JobType string

const (
	JobSolve    JobType = "solve"
	JobSimulate JobType = "simulate"
)

// Job represents a single request. FrameA and FrameB are the two captures
// of a solve; simulate jobs write them instead.
type Job struct {
	ID      string         `json:"id"`
	Type    JobType        `json:"type"`
	FrameA  string         `json:"frame_a"`
	FrameB  string         `json:"frame_b"`
	Output  string         `json:"output,omitempty"`
	Options map[string]any `json:"options,omitempty"`
}

// Result captures the outcome of a Job. Report is set for solve jobs that
// got as far as running the solver.
type Result struct {
	Job    Job            `json:"job"`
	Error  error          `json:"-"`
	Meta   map[string]any `json:"meta"`
	Report *polar.Report  `json:"report,omitempty"`
}

// MarshalJSON adds the error text, which error values do not encode.
func (r Result) MarshalJSON() ([]byte, error) {
	type plain Result
	return json.Marshal(struct {
		plain
		Error string `json:"error,omitempty"`
	}{plain: plain(r), Error: errString(r.Error)})
}

// Processor executes a job and returns a Result.
type Processor interface {
	Process(ctx context.Context, job Job) Result
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, job Job) Result

func (f ProcessorFunc) Process(ctx context.Context, job Job) Result { return f(ctx, job) }

// Options sizes the worker pool.
type Options struct {
	Concurrency int
	QueueSize   int
}

// Pipeline orchestrates job dispatch across workers.
type Pipeline struct {
	processor Processor
	log       *slog.Logger
	jobs      chan Job
	wg        sync.WaitGroup
	cancel    context.CancelFunc
	stopOnce  sync.Once
	store     *storage.Store
	mu        sync.Mutex
	stopped   bool
	subs      map[int]chan Result
	nextSubID int
}

// New starts opts.Concurrency workers feeding jobs to proc.
func New(ctx context.Context, opts Options, logger *slog.Logger, store *storage.Store, proc Processor) *Pipeline {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.QueueSize < 1 {
		opts.QueueSize = opts.Concurrency * 2
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &Pipeline{
		processor: proc,
		log:       logger,
		jobs:      make(chan Job, opts.QueueSize),
		cancel:    cancel,
		store:     store,
		subs:      make(map[int]chan Result),
	}

	for i := 0; i < opts.Concurrency; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	return p
}

// NewID returns a fresh job id with the given prefix.
func NewID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

// Submit adds a job to the processing queue. An empty ID is filled in.
func (p *Pipeline) Submit(job Job) (string, error) {
	if job.ID == "" {
		job.ID = NewID(string(job.Type))
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return "", errors.New("pipeline stopped")
	}

	if p.store != nil {
		optsJSON, _ := json.Marshal(job.Options)
		if err := p.store.RecordJobQueued(storage.JobRecord{
			ID:          job.ID,
			JobType:     string(job.Type),
			Status:      "queued",
			FrameA:      job.FrameA,
			FrameB:      job.FrameB,
			OptionsJSON: string(optsJSON),
		}); err != nil {
			p.log.Warn("record queued job", "id", job.ID, "error", err)
		}
	}

	select {
	case p.jobs <- job:
		return job.ID, nil
	default:
		if p.store != nil {
			_ = p.store.RecordJobResult(job.ID, "rejected", nil, ErrQueueFull.Error())
		}
		return "", ErrQueueFull
	}
}

// Stop signals workers to exit and waits for completion.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopped = true
		close(p.jobs)
		p.mu.Unlock()

		p.cancel()
		p.wg.Wait()

		p.mu.Lock()
		for id, ch := range p.subs {
			close(ch)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	})
}

func (p *Pipeline) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			p.broadcast(p.run(ctx, job))
		}
	}
}

func (p *Pipeline) run(ctx context.Context, job Job) (res Result) {
	start := time.Now()
	logging.LogJobStart(p.log, string(job.Type), job.ID, job.FrameA, job.FrameB, job.Options)
	if p.store != nil {
		_ = p.store.RecordJobStart(job.ID)
	}

	defer func() {
		if r := recover(); r != nil {
			res = Result{Job: job, Error: fmt.Errorf("processor panic: %v", r)}
		}
		duration := time.Since(start)
		status := "completed"
		if res.Error != nil {
			status = "failed"
			logging.LogJobError(p.log, string(job.Type), job.ID, duration, res.Error, map[string]any{
				"frame_a": job.FrameA,
				"frame_b": job.FrameB,
				"options": job.Options,
			})
		} else {
			logging.LogJobComplete(p.log, string(job.Type), job.ID, duration, res.Meta)
		}
		if p.store != nil {
			_ = p.store.RecordJobResult(job.ID, status, res.Meta, errString(res.Error))
		}
	}()

	if p.processor == nil {
		return Result{Job: job, Error: errors.New("no processor configured")}
	}
	return p.processor.Process(ctx, job)
}

// Subscribe returns a channel for receiving job results and an unsubscribe function.
func (p *Pipeline) Subscribe() (<-chan Result, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	ch := make(chan Result, 8)
	p.subs[id] = ch
	unsub := func() {
		p.mu.Lock()
		if c, ok := p.subs[id]; ok {
			close(c)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	}
	return ch, unsub
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (p *Pipeline) broadcast(res Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.subs {
		select {
		case ch <- res:
		default:
			p.log.Warn("result channel full", "subscriber", id, "job", res.Job.ID)
		}
	}
}
