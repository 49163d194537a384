package evaluation

import (
	"path/filepath"
	"strings"
	"time"
)

// Sample is one labeled prompt. Label is 1 for an injection attempt and 0
// for benign text.
type Sample struct {
	Text      string `csv:"text" parquet:"text" json:"text"`
	LabelText string `csv:"label_text" parquet:"label_text" json:"label_text"`
	Label     int    `csv:"label" parquet:"label" json:"label"`
}

// Config controls an evaluation run
type Config struct {
	BatchSize     int
	Workers       int
	MaxTextLength int
	ValidateData  bool
	// ProgressEvery logs progress after this many samples; zero disables it
	ProgressEvery int64
}

// DefaultConfig returns the CLI defaults
func DefaultConfig() Config {
	return Config{
		BatchSize:     1000,
		Workers:       4,
		MaxTextLength: 100000,
		ValidateData:  true,
		ProgressEvery: 10000,
	}
}

// ConfusionMatrix counts predictions against labels, with "blocked" as the
// positive prediction.
type ConfusionMatrix struct {
	TruePositives  int64 `json:"true_positives"`
	FalsePositives int64 `json:"false_positives"`
	TrueNegatives  int64 `json:"true_negatives"`
	FalseNegatives int64 `json:"false_negatives"`
}

func (c *ConfusionMatrix) add(label int, predicted bool) {
	switch {
	case label == 1 && predicted:
		c.TruePositives++
	case label == 1:
		c.FalseNegatives++
	case predicted:
		c.FalsePositives++
	default:
		c.TrueNegatives++
	}
}

// Total returns the number of counted samples
func (c ConfusionMatrix) Total() int64 {
	return c.TruePositives + c.FalsePositives + c.TrueNegatives + c.FalseNegatives
}

// Precision is TP / (TP + FP)
func (c ConfusionMatrix) Precision() float64 {
	return ratio(c.TruePositives, c.TruePositives+c.FalsePositives)
}

// Recall is TP / (TP + FN)
func (c ConfusionMatrix) Recall() float64 {
	return ratio(c.TruePositives, c.TruePositives+c.FalseNegatives)
}

// FalsePositiveRate is FP / (FP + TN)
func (c ConfusionMatrix) FalsePositiveRate() float64 {
	return ratio(c.FalsePositives, c.FalsePositives+c.TrueNegatives)
}

// Accuracy is (TP + TN) / total
func (c ConfusionMatrix) Accuracy() float64 {
	return ratio(c.TruePositives+c.TrueNegatives, c.Total())
}

// F1 is the harmonic mean of precision and recall
func (c ConfusionMatrix) F1() float64 {
	p, r := c.Precision(), c.Recall()
	if p+r == 0 {
		return 0
	}
	return 2 * p * r / (p + r)
}

func ratio(num, den int64) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

// Report is the outcome of an evaluation run
type Report struct {
	Source            string           `json:"source"`
	Format            Format           `json:"format"`
	Mode              string           `json:"mode"`
	TotalSamples      int64            `json:"total_samples"`
	Skipped           int64            `json:"skipped"`
	Confusion         ConfusionMatrix  `json:"confusion"`
	Precision         float64          `json:"precision"`
	Recall            float64          `json:"recall"`
	FalsePositiveRate float64          `json:"false_positive_rate"`
	Accuracy          float64          `json:"accuracy"`
	F1                float64          `json:"f1"`
	Actions           map[string]int64 `json:"actions"`
	Categories        map[string]int64 `json:"categories"`
	PIITypes          map[string]int64 `json:"pii_types"`
	Duration          time.Duration    `json:"duration"`
	SamplesPerSecond  float64          `json:"samples_per_second"`
	AvgLatencyMS      float64          `json:"avg_latency_ms"`
	Errors            []string         `json:"errors,omitempty"`
}

func newReport() *Report {
	return &Report{
		Actions:    make(map[string]int64),
		Categories: make(map[string]int64),
		PIITypes:   make(map[string]int64),
	}
}

// finalize fills the derived rates
func (r *Report) finalize(detectTime time.Duration) {
	r.Precision = r.Confusion.Precision()
	r.Recall = r.Confusion.Recall()
	r.FalsePositiveRate = r.Confusion.FalsePositiveRate()
	r.Accuracy = r.Confusion.Accuracy()
	r.F1 = r.Confusion.F1()
	if r.Duration > 0 {
		r.SamplesPerSecond = float64(r.TotalSamples) / r.Duration.Seconds()
	}
	if r.TotalSamples > 0 {
		r.AvgLatencyMS = float64(detectTime.Microseconds()) / 1000 / float64(r.TotalSamples)
	}
}

// Format is a dataset file format
type Format string

const (
	FormatCSV     Format = "csv"
	FormatParquet Format = "parquet"
	FormatJSON    Format = "json"
)

// DetectFormat picks a format from the file extension, defaulting to CSV
func DetectFormat(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".parquet":
		return FormatParquet
	case ".json", ".jsonl", ".ndjson":
		return FormatJSON
	default:
		return FormatCSV
	}
}
