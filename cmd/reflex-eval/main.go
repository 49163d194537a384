package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/raaihank/reflex-layer/internal/config"
	"github.com/raaihank/reflex-layer/internal/evaluation"
	"github.com/raaihank/reflex-layer/internal/injection"
	"github.com/raaihank/reflex-layer/internal/logger"
	"github.com/raaihank/reflex-layer/internal/pii"
)

func main() {
	defaults := evaluation.DefaultConfig()
	var (
		configPath = flag.String("config", "", "Configuration file path")
		inputFile  = flag.String("input", "", "Labeled dataset (CSV, Parquet, or JSON lines)")
		outputFile = flag.String("output", "", "Write the JSON report here instead of stdout")
		batchSize  = flag.Int("batch-size", defaults.BatchSize, "Samples per batch")
		workers    = flag.Int("workers", defaults.Workers, "Number of worker goroutines")
		mode       = flag.String("mode", "", "Override the injection mode (strict, standard, relaxed)")
		skipPII    = flag.Bool("skip-pii", false, "Run the injection detector only")
		noValidate = flag.Bool("no-validate", false, "Evaluate samples without validation")
	)
	flag.Parse()

	if *inputFile == "" {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s --input dataset.csv --batch-size 500\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --input dataset.parquet --workers 8 --mode strict\n", os.Args[0])
		os.Exit(1)
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *mode != "" {
		cfg.Injection.Mode = *mode
	}

	// Logs go to stderr so the report can be piped
	log, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: "console",
		Output: "stderr",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("Received shutdown signal, reporting partial results...")
		cancel()
	}()

	evalCfg := defaults
	evalCfg.BatchSize = *batchSize
	evalCfg.Workers = *workers
	evalCfg.ValidateData = !*noValidate
	evalCfg.MaxTextLength = cfg.Pipeline.MaxLength

	report, err := evaluate(ctx, cfg, evalCfg, *inputFile, *skipPII, log)
	if report != nil {
		if werr := writeReport(report, *outputFile); werr != nil {
			log.Error("Failed to write report", zap.Error(werr))
			os.Exit(1)
		}
	}
	if err != nil {
		log.Error("Evaluation failed", zap.Error(err))
		log.Sync()
		os.Exit(1)
	}
}

func evaluate(ctx context.Context, cfg *config.Config, evalCfg evaluation.Config, inputFile string, skipPII bool, log *logger.Logger) (*evaluation.Report, error) {
	var piiDetector *pii.Detector
	if !skipPII {
		d, err := pii.New(cfg.PII, log)
		if err != nil {
			return nil, fmt.Errorf("failed to create PII detector: %w", err)
		}
		piiDetector = d
	}
	injDetector, err := injection.New(cfg.Injection, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create injection detector: %w", err)
	}

	evaluator, err := evaluation.New(evalCfg, piiDetector, injDetector, log)
	if err != nil {
		return nil, err
	}

	reader, format, err := evaluation.Open(inputFile)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	log.Info("Evaluating dataset",
		zap.String("file", inputFile),
		zap.String("format", string(format)))

	report, err := evaluator.Run(ctx, reader)
	if report != nil {
		report.Source = inputFile
		report.Format = format
	}
	return report, err
}

func writeReport(report *evaluation.Report, path string) error {
	out := os.Stdout
	if path != "" {
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
