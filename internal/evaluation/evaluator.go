package evaluation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/raaihank/reflex-layer/internal/injection"
	"github.com/raaihank/reflex-layer/internal/logger"
	"github.com/raaihank/reflex-layer/internal/pii"
	"github.com/raaihank/reflex-layer/internal/pipeline"
)

// maxReportedErrors caps the row errors kept in a report
const maxReportedErrors = 20

// Evaluator runs labeled datasets through the detectors
type Evaluator struct {
	pii       *pii.Detector
	injection *injection.Detector
	config    Config
	logger    *logger.Logger
}

// outcome is the verdict for one sample
type outcome struct {
	label      int
	action     pipeline.Action
	categories []string
	piiTypes   []string
	latency    time.Duration
}

// New creates an evaluator. The PII detector is optional.
func New(cfg Config, piiDetector *pii.Detector, injectionDetector *injection.Detector, log *logger.Logger) (*Evaluator, error) {
	if injectionDetector == nil {
		return nil, errors.New("evaluation requires an injection detector")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &Evaluator{
		pii:       piiDetector,
		injection: injectionDetector,
		config:    cfg,
		logger:    log.WithComponent("evaluation"),
	}, nil
}

// Run reads every sample from r and returns the aggregated report. On
// cancellation the partial report is returned with the context error.
func (e *Evaluator) Run(ctx context.Context, r SampleReader) (*Report, error) {
	e.logger.Info("Starting evaluation",
		zap.Int("batch_size", e.config.BatchSize),
		zap.Int("workers", e.config.Workers),
		zap.String("mode", string(e.injection.Mode())))

	report := newReport()
	report.Mode = string(e.injection.Mode())

	start := time.Now()
	var detectTime time.Duration
	nextProgress := e.config.ProgressEvery

	for {
		if err := ctx.Err(); err != nil {
			report.Duration = time.Since(start)
			report.finalize(detectTime)
			return report, err
		}

		batch, done, err := e.readBatch(r, report)
		if err != nil {
			report.Duration = time.Since(start)
			report.finalize(detectTime)
			return report, fmt.Errorf("failed to read batch: %w", err)
		}

		outcomes, err := e.evaluateBatch(ctx, batch)
		for _, o := range outcomes {
			report.add(o)
			detectTime += o.latency
		}
		if err != nil {
			report.Duration = time.Since(start)
			report.finalize(detectTime)
			return report, err
		}

		if nextProgress > 0 && report.TotalSamples >= nextProgress {
			e.reportProgress(report, start)
			nextProgress += e.config.ProgressEvery
		}
		if done {
			break
		}
	}

	report.Duration = time.Since(start)
	report.finalize(detectTime)

	e.logger.Info("Evaluation completed",
		zap.Int64("total_samples", report.TotalSamples),
		zap.Int64("skipped", report.Skipped),
		zap.Float64("precision", report.Precision),
		zap.Float64("recall", report.Recall),
		zap.Float64("false_positive_rate", report.FalsePositiveRate),
		zap.Duration("duration", report.Duration))

	return report, nil
}

// readBatch reads up to BatchSize valid samples. done is set at end of input.
func (e *Evaluator) readBatch(r SampleReader, report *Report) ([]Sample, bool, error) {
	batch := make([]Sample, 0, e.config.BatchSize)
	for len(batch) < e.config.BatchSize {
		s, err := r.Next()
		if errors.Is(err, io.EOF) {
			return batch, true, nil
		}
		var rowErr *RowError
		if errors.As(err, &rowErr) {
			report.skip(rowErr.Error())
			continue
		}
		if err != nil {
			return batch, false, err
		}

		if msg := e.validate(s); msg != "" {
			report.skip(msg)
			continue
		}
		batch = append(batch, s)
	}
	return batch, false, nil
}

func (e *Evaluator) validate(s Sample) string {
	if !e.config.ValidateData {
		return ""
	}
	if strings.TrimSpace(s.Text) == "" {
		return "empty text"
	}
	if !utf8.ValidString(s.Text) {
		return "text is not valid UTF-8"
	}
	if e.config.MaxTextLength > 0 && utf8.RuneCountInString(s.Text) > e.config.MaxTextLength {
		return fmt.Sprintf("text longer than %d characters", e.config.MaxTextLength)
	}
	if s.Label != 0 && s.Label != 1 {
		return fmt.Sprintf("invalid label %d", s.Label)
	}
	return ""
}

// evaluateBatch fans the batch out to the worker pool. Outcomes keep input
// order; samples skipped after cancellation are left out.
func (e *Evaluator) evaluateBatch(ctx context.Context, batch []Sample) ([]outcome, error) {
	if len(batch) == 0 {
		return nil, nil
	}

	results := make([]outcome, len(batch))
	evaluated := make([]bool, len(batch))
	jobs := make(chan int)

	var wg sync.WaitGroup
	for w := 0; w < e.config.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				results[i] = e.evaluate(batch[i])
				evaluated[i] = true
			}
		}()
	}

	var err error
dispatch:
	for i := range batch {
		select {
		case <-ctx.Done():
			err = ctx.Err()
			break dispatch
		case jobs <- i:
		}
	}
	close(jobs)
	wg.Wait()

	out := results[:0]
	for i, ok := range evaluated {
		if ok {
			out = append(out, results[i])
		}
	}
	return out, err
}

func (e *Evaluator) evaluate(s Sample) outcome {
	start := time.Now()

	var piiResult pii.ProcessResult
	if e.pii != nil {
		piiResult = e.pii.ProcessText(s.Text)
	}
	injResult := e.injection.Analyze(s.Text)
	verdict := pipeline.Decide(piiResult, injResult)

	o := outcome{
		label:   s.Label,
		action:  verdict.Action,
		latency: time.Since(start),
	}

	seen := make(map[string]bool)
	for _, m := range verdict.InjectionMatches {
		if c := string(m.Category); !seen[c] {
			seen[c] = true
			o.categories = append(o.categories, c)
		}
	}
	seenPII := make(map[string]bool)
	for _, m := range verdict.PIIMatches {
		if t := string(m.Type); !seenPII[t] {
			seenPII[t] = true
			o.piiTypes = append(o.piiTypes, t)
		}
	}
	return o
}

func (e *Evaluator) reportProgress(report *Report, start time.Time) {
	elapsed := time.Since(start)
	e.logger.Info("Evaluation progress",
		zap.Int64("samples", report.TotalSamples),
		zap.Int64("skipped", report.Skipped),
		zap.Float64("rate_per_sec", float64(report.TotalSamples)/elapsed.Seconds()),
		zap.Duration("elapsed", elapsed))
}

func (r *Report) add(o outcome) {
	r.TotalSamples++
	r.Confusion.add(o.label, o.action == pipeline.ActionBlock)
	r.Actions[string(o.action)]++
	for _, c := range o.categories {
		r.Categories[c]++
	}
	for _, t := range o.piiTypes {
		r.PIITypes[t]++
	}
}

func (r *Report) skip(reason string) {
	r.Skipped++
	if len(r.Errors) < maxReportedErrors {
		r.Errors = append(r.Errors, reason)
	}
}
