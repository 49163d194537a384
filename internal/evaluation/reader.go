package evaluation

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/segmentio/parquet-go"
)

// SampleReader yields samples until io.EOF. A *RowError means only the
// current row was unusable and reading may continue.
type SampleReader interface {
	Next() (Sample, error)
	Close() error
}

// RowError reports a single malformed row
type RowError struct {
	Row int64
	Err error
}

func (e *RowError) Error() string {
	return fmt.Sprintf("row %d: %v", e.Row, e.Err)
}

func (e *RowError) Unwrap() error {
	return e.Err
}

// Open returns a reader for the dataset at path
func Open(path string) (SampleReader, Format, error) {
	format := DetectFormat(path)
	file, err := os.Open(path)
	if err != nil {
		return nil, format, fmt.Errorf("failed to open dataset: %w", err)
	}

	var r SampleReader
	switch format {
	case FormatParquet:
		r, err = newParquetReader(file)
	case FormatJSON:
		r = newJSONReader(file)
	default:
		r, err = newCSVReader(file)
	}
	if err != nil {
		file.Close()
		return nil, format, err
	}
	return r, format, nil
}

// ParseLabel maps common label spellings to 0 or 1
func ParseLabel(v string) (int, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "injection", "malicious", "jailbreak":
		return 1, nil
	case "0", "false", "no", "benign", "safe", "legitimate":
		return 0, nil
	}
	if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
		if n > 0 {
			return 1, nil
		}
		return 0, nil
	}
	return 0, fmt.Errorf("unrecognized label %q", v)
}

// csvReader reads a CSV file with a header naming text, label_text and label
type csvReader struct {
	file     *os.File
	reader   *csv.Reader
	textCol  int
	labelCol int
	ltextCol int
	row      int64
}

func newCSVReader(file *os.File) (*csvReader, error) {
	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}

	r := &csvReader{file: file, reader: reader, textCol: -1, labelCol: -1, ltextCol: -1}
	for i, name := range header {
		switch strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))) {
		case "text", "prompt":
			r.textCol = i
		case "label":
			r.labelCol = i
		case "label_text":
			r.ltextCol = i
		}
	}
	if r.textCol < 0 || r.labelCol < 0 {
		return nil, fmt.Errorf("CSV header must name text and label columns, got %v", header)
	}
	return r, nil
}

func (r *csvReader) Next() (Sample, error) {
	record, err := r.reader.Read()
	r.row++
	if err != nil {
		var parseErr *csv.ParseError
		if errors.As(err, &parseErr) {
			return Sample{}, &RowError{Row: r.row, Err: err}
		}
		return Sample{}, err
	}
	if len(record) <= r.textCol || len(record) <= r.labelCol {
		return Sample{}, &RowError{Row: r.row, Err: fmt.Errorf("record has %d fields", len(record))}
	}

	label, err := ParseLabel(record[r.labelCol])
	if err != nil {
		return Sample{}, &RowError{Row: r.row, Err: err}
	}
	s := Sample{Text: record[r.textCol], Label: label}
	if r.ltextCol >= 0 && r.ltextCol < len(record) {
		s.LabelText = strings.TrimSpace(record[r.ltextCol])
	}
	return s, nil
}

func (r *csvReader) Close() error {
	return r.file.Close()
}

// jsonReader reads one JSON object per line
type jsonReader struct {
	file    *os.File
	decoder *json.Decoder
	row     int64
}

func newJSONReader(file *os.File) *jsonReader {
	return &jsonReader{file: file, decoder: json.NewDecoder(file)}
}

func (r *jsonReader) Next() (Sample, error) {
	var raw struct {
		Text      string          `json:"text"`
		LabelText string          `json:"label_text"`
		Label     json.RawMessage `json:"label"`
	}
	if err := r.decoder.Decode(&raw); err != nil {
		return Sample{}, err
	}
	r.row++

	label, err := ParseLabel(strings.Trim(string(raw.Label), `"`))
	if err != nil {
		return Sample{}, &RowError{Row: r.row, Err: err}
	}
	return Sample{Text: raw.Text, LabelText: raw.LabelText, Label: label}, nil
}

func (r *jsonReader) Close() error {
	return r.file.Close()
}

// parquetReader reads rows shaped like Sample
type parquetReader struct {
	file   *os.File
	reader *parquet.Reader
}

func newParquetReader(file *os.File) (*parquetReader, error) {
	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat Parquet file: %w", err)
	}
	if info.Size() == 0 {
		return nil, errors.New("parquet file is empty")
	}
	return &parquetReader{file: file, reader: parquet.NewReader(file)}, nil
}

func (r *parquetReader) Next() (Sample, error) {
	var s Sample
	if err := r.reader.Read(&s); err != nil {
		return Sample{}, err
	}
	return s, nil
}

func (r *parquetReader) Close() error {
	r.reader.Close()
	return r.file.Close()
}
