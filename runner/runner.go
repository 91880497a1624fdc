// Package runner replays request sources through an executor with a pool of
// workers. Each source is read sequentially by one worker; progress is
// checkpointed per source so an interrupted run resumes after the last
// replayed line.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gurre/ddb-effect/aws"
	"github.com/gurre/ddb-effect/checkpoint"
	"github.com/gurre/ddb-effect/ddberr"
	"github.com/gurre/ddb-effect/executor"
	"github.com/gurre/ddb-effect/metrics"
	"github.com/gurre/ddb-effect/request"
	"github.com/gurre/s3streamer"
	"github.com/rs/zerolog"
)

// Options control a run.
type Options struct {
	Sources          []string // s3://bucket/key, file:// URIs or paths
	MaxWorkers       int
	CheckpointEvery  int // Save after this many requests per source
	StreamRetries    int // Attempts to resume a broken stream
	ReportURI        string
	ProgressInterval time.Duration
	ShutdownTimeout  time.Duration // Budget for the final checkpoint after cancellation
}

// WorkerStatus tracks the progress of one worker.
type WorkerStatus struct {
	LastErrorTime time.Time
	StartTime     time.Time
	LastActive    time.Time
	LastError     error
	CurrentSource string
	Requests      int64
	Failures      int64
	ID            int
}

// Runner replays request sources.
type Runner struct {
	opts     Options
	s3       s3streamer.Streamer
	files    s3streamer.Streamer
	decoder  request.Decoder
	executor executor.Executor
	store    checkpoint.Store
	metrics  *metrics.Metrics
	reports  ReportUploader
	logger   zerolog.Logger

	stateMu sync.Mutex
	state   checkpoint.State

	statusMu     sync.RWMutex
	workerStatus map[int]*WorkerStatus
}

// New creates a Runner. s3 streams s3:// sources, usually an *S3Streamer,
// and may be nil when every source is local. reports may be nil when no report location is set.
func New(
	opts Options,
	s3 s3streamer.Streamer,
	decoder request.Decoder,
	exec executor.Executor,
	store checkpoint.Store,
	m *metrics.Metrics,
	reports ReportUploader,
	logger zerolog.Logger,
) *Runner {
	if opts.MaxWorkers < 1 {
		opts.MaxWorkers = 1
	}
	if opts.CheckpointEvery < 1 {
		opts.CheckpointEvery = 100
	}
	if opts.StreamRetries < 1 {
		opts.StreamRetries = 3
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 30 * time.Second
	}
	if m == nil {
		m = metrics.NewMetrics(nil)
	}
	return &Runner{
		opts:         opts,
		s3:           s3,
		files:        FileStreamer{},
		decoder:      decoder,
		executor:     exec,
		store:        store,
		metrics:      m,
		reports:      reports,
		logger:       logger,
		workerStatus: make(map[int]*WorkerStatus),
	}
}

// Run replays every source not yet completed according to the checkpoint
// and returns the final report.
func (r *Runner) Run(ctx context.Context) (metrics.Report, error) {
	sources, err := r.parseSources()
	if err != nil {
		return metrics.Report{}, err
	}

	state, err := r.store.Load(ctx)
	if err != nil {
		return metrics.Report{}, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if state.RunID == "" {
		state.RunID = uuid.NewString()
	}
	r.state = state.Clone()
	logger := r.logger.With().Str("run", r.state.RunID).Logger()
	logger.Info().Int("sources", len(sources)).Int("workers", r.opts.MaxWorkers).Msg("replay started")

	// A failing worker cancels runCtx so the others stop at the next line.
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	progressCtx, stopProgress := context.WithCancel(runCtx)
	defer stopProgress()
	if r.opts.ProgressInterval > 0 {
		go r.reportProgress(progressCtx, logger)
	}

	tasks := make(chan aws.Location)
	results := make(chan error, r.opts.MaxWorkers)
	var wg sync.WaitGroup
	for i := 0; i < r.opts.MaxWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			r.initWorker(workerID)
			if err := r.worker(runCtx, workerID, tasks); err != nil {
				results <- fmt.Errorf("worker %d failed: %w", workerID, err)
				cancelRun()
			}
		}(i)
	}

	dispatchErr := func() error {
		defer close(tasks)
		for _, src := range sources {
			if r.snapshot().Done(src.String()) {
				logger.Debug().Str("source", src.String()).Msg("source already completed")
				continue
			}
			select {
			case tasks <- src:
			case <-runCtx.Done():
				return runCtx.Err()
			}
		}
		return nil
	}()
	wg.Wait()
	close(results)
	stopProgress()

	var errs []error
	for err := range results {
		errs = append(errs, err)
	}
	if dispatchErr != nil && len(errs) == 0 {
		errs = append(errs, dispatchErr)
	}

	if runCtx.Err() != nil {
		// Keep the progress made so far for the next run.
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.ShutdownTimeout)
		defer cancel()
		if err := r.saveState(saveCtx); err != nil {
			errs = append(errs, err)
		}
	}

	report := r.metrics.GenerateReport(r.state.RunID)
	if len(errs) > 0 {
		return report, fmt.Errorf("replay %s failed: %w", r.state.RunID, errors.Join(errs...))
	}

	logger.Info().Int64("requests", report.Processed).Int64("failed", report.Failed).Dur("duration", report.Duration).Msg("replay completed")
	if r.opts.ReportURI != "" && r.reports != nil {
		if err := r.reports.UploadReport(ctx, r.opts.ReportURI, report); err != nil {
			return report, fmt.Errorf("failed to upload report: %w", err)
		}
		logger.Info().Str("uri", r.opts.ReportURI).Msg("report uploaded")
	}
	return report, nil
}

// Requests decodes every line a Run would replay and passes each request to
// fn, without sending anything. Completed sources are skipped and the others
// are read from their checkpointed offset. Corrupt lines are ignored.
func (r *Runner) Requests(ctx context.Context, fn func(request.Request)) error {
	sources, err := r.parseSources()
	if err != nil {
		return err
	}
	state, err := r.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load checkpoint: %w", err)
	}
	for _, src := range sources {
		name := src.String()
		if state.Done(name) {
			continue
		}
		streamer, bucket, key := r.streamerFor(src)
		err := streamer.Stream(ctx, bucket, key, state.Offset(name), func(line []byte, _ int64) error {
			if len(bytes.TrimSpace(line)) == 0 {
				return nil
			}
			req, err := r.decoder.Decode(line)
			if errors.Is(err, request.ErrCorrupt) {
				return nil
			}
			if err != nil {
				return err
			}
			fn(req)
			return nil
		})
		if err != nil {
			return fmt.Errorf("source %s: %w", name, err)
		}
	}
	return nil
}

func (r *Runner) streamerFor(src aws.Location) (s3streamer.Streamer, string, string) {
	if src.IsS3() {
		return r.s3, src.Bucket, src.Key
	}
	return r.files, "", src.Path
}

func (r *Runner) parseSources() ([]aws.Location, error) {
	if len(r.opts.Sources) == 0 {
		return nil, errors.New("no request sources")
	}
	sources := make([]aws.Location, 0, len(r.opts.Sources))
	for _, uri := range r.opts.Sources {
		loc, err := aws.ParseLocation(uri)
		if err != nil {
			return nil, fmt.Errorf("invalid request source: %w", err)
		}
		if loc.IsS3() && r.s3 == nil {
			return nil, fmt.Errorf("no S3 streamer for %s", uri)
		}
		sources = append(sources, loc)
	}
	return sources, nil
}

// worker replays whole sources taken from tasks.
func (r *Runner) worker(ctx context.Context, id int, tasks <-chan aws.Location) error {
	for src := range tasks {
		name := src.String()
		r.updateWorkerStatus(id, func(s *WorkerStatus) {
			s.CurrentSource = name
		})
		if err := r.replaySource(ctx, id, src); err != nil {
			r.recordError(id, err)
			return fmt.Errorf("source %s: %w", name, err)
		}
	}
	return nil
}

// replaySource streams src from its checkpointed offset. A broken stream is
// resumed from the last replayed line.
func (r *Runner) replaySource(ctx context.Context, id int, src aws.Location) error {
	name := src.String()
	streamer, bucket, key := r.streamerFor(src)

	offset := r.snapshot().Offset(name)
	sinceCheckpoint := 0

	var streamErr error
	for attempt := 0; attempt < r.opts.StreamRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(1<<uint(attempt-1)) * time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
			r.logger.Warn().Err(streamErr).Str("source", name).Int64("offset", offset).Msg("resuming stream")
		}

		start := offset
		streamErr = streamer.Stream(ctx, bucket, key, start, func(line []byte, lineOffset int64) error {
			// lineOffset is relative to start; the checkpoint keeps the
			// absolute offset of the following line.
			next := start + lineOffset + int64(len(line)) + 1
			if len(bytes.TrimSpace(line)) > 0 {
				if err := r.replayLine(ctx, id, name, line); err != nil {
					return err
				}
				sinceCheckpoint++
			}
			offset = next
			r.setOffset(name, next)
			if sinceCheckpoint >= r.opts.CheckpointEvery {
				sinceCheckpoint = 0
				return r.saveState(ctx)
			}
			return nil
		})
		if streamErr == nil || ctx.Err() != nil || errors.Is(streamErr, errStop) {
			break
		}
	}
	if streamErr != nil {
		if errors.Is(streamErr, errStop) {
			return ctx.Err()
		}
		return fmt.Errorf("failed to replay after %d attempts: %w", r.opts.StreamRetries, streamErr)
	}

	r.setOffset(name, checkpoint.Completed)
	if err := r.saveState(ctx); err != nil {
		return fmt.Errorf("failed to save completion checkpoint: %w", err)
	}
	r.logger.Info().Str("source", name).Msg("source completed")
	return nil
}

// errStop ends a stream without counting as a stream failure.
var errStop = errors.New("replay stopped")

// replayLine decodes and executes one line. Request failures are counted and
// logged; only cancellation stops the source.
func (r *Runner) replayLine(ctx context.Context, id int, source string, line []byte) error {
	req, err := r.decoder.Decode(line)
	if errors.Is(err, request.ErrCorrupt) {
		r.metrics.RecordCorrupt()
		r.logger.Warn().Err(err).Str("source", source).Msg("skipping corrupt line")
		return nil
	}
	if err != nil {
		return err
	}

	out, err := r.executor.Execute(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return errStop
		}
		r.updateWorkerStatus(id, func(s *WorkerStatus) {
			s.Requests++
			s.Failures++
			s.LastError = err
			s.LastErrorTime = time.Now()
		})
		event := r.logger.Warn().Err(err).Str("source", source).Str("id", req.ID).Str("op", req.Op)
		if de, ok := ddberr.As(err); ok {
			event = event.Str("error", de.Name)
		}
		event.Msg("request failed")
		return nil
	}

	r.updateWorkerStatus(id, func(s *WorkerStatus) {
		s.Requests++
	})
	r.logger.Trace().Str("id", req.ID).Str("op", out.Op).Int32("items", out.Items).Int("attempts", out.Attempts).Msg("request done")
	return nil
}

func (r *Runner) setOffset(source string, offset int64) {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	r.state.Offsets[source] = offset
}

func (r *Runner) snapshot() checkpoint.State {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	return r.state.Clone()
}

// saveState persists all offsets. Saves are serialized so a slow save never
// overwrites a newer one.
func (r *Runner) saveState(ctx context.Context) error {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	if err := r.store.Save(ctx, r.state.Clone()); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// Status returns a copy of every worker's status.
func (r *Runner) Status() []WorkerStatus {
	r.statusMu.RLock()
	defer r.statusMu.RUnlock()
	out := make([]WorkerStatus, 0, len(r.workerStatus))
	for i := 0; i < len(r.workerStatus); i++ {
		if s, ok := r.workerStatus[i]; ok {
			out = append(out, *s)
		}
	}
	return out
}

func (r *Runner) initWorker(id int) {
	r.statusMu.Lock()
	defer r.statusMu.Unlock()
	now := time.Now()
	r.workerStatus[id] = &WorkerStatus{ID: id, StartTime: now, LastActive: now}
}

func (r *Runner) updateWorkerStatus(id int, fn func(*WorkerStatus)) {
	r.statusMu.Lock()
	defer r.statusMu.Unlock()
	if status, ok := r.workerStatus[id]; ok {
		fn(status)
		status.LastActive = time.Now()
	}
}

func (r *Runner) recordError(id int, err error) {
	r.updateWorkerStatus(id, func(s *WorkerStatus) {
		s.LastError = err
		s.LastErrorTime = time.Now()
	})
}

// reportProgress logs totals every ProgressInterval.
func (r *Runner) reportProgress(ctx context.Context, logger zerolog.Logger) {
	ticker := time.NewTicker(r.opts.ProgressInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			var requests, failures int64
			active := 0
			for _, s := range r.Status() {
				if time.Since(s.LastActive) < 2*r.opts.ProgressInterval {
					active++
				}
				requests += s.Requests
				failures += s.Failures
			}
			logger.Info().
				Int64("requests", requests).
				Int64("failures", failures).
				Int64("corrupt", r.metrics.Corrupt()).
				Int("activeWorkers", active).
				Msg("progress")
		case <-ctx.Done():
			return
		}
	}
}
