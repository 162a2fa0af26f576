package metrics

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

// FileSink appends one JSON object per record to a local file.
type FileSink struct {
	file *os.File
	enc  *json.Encoder
}

// NewFileSink opens (or creates) path for appending.
func NewFileSink(path string) (*FileSink, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, &SinkError{Sink: "file", Err: err}
	}
	return &FileSink{file: file, enc: json.NewEncoder(file)}, nil
}

func (s *FileSink) Log(record Record) error {
	if err := s.enc.Encode(record); err != nil {
		return &SinkError{Sink: "file", Err: err}
	}
	return nil
}

func (s *FileSink) Close() error {
	return s.file.Close()
}

var csvHeader = []string{"name", "value", "split", "epoch"}

// CSVSink appends records to a CSV file, writing the header row only
// when the file is new or empty.
type CSVSink struct {
	file   *os.File
	writer *csv.Writer
}

// NewCSVSink opens (or creates) path for appending.
func NewCSVSink(path string) (*CSVSink, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, &SinkError{Sink: "csv", Err: err}
	}
	s := &CSVSink{file: file, writer: csv.NewWriter(file)}

	info, err := file.Stat()
	if err == nil && info.Size() == 0 {
		if err := s.writer.Write(csvHeader); err != nil {
			file.Close()
			return nil, &SinkError{Sink: "csv", Err: err}
		}
	}
	return s, nil
}

func (s *CSVSink) Log(record Record) error {
	row := []string{
		record.Name,
		fmt.Sprintf("%g", record.Value),
		record.Split,
		strconv.Itoa(record.Epoch),
	}
	if err := s.writer.Write(row); err != nil {
		return &SinkError{Sink: "csv", Err: err}
	}
	s.writer.Flush()
	if err := s.writer.Error(); err != nil {
		return &SinkError{Sink: "csv", Err: err}
	}
	return nil
}

func (s *CSVSink) Close() error {
	s.writer.Flush()
	return s.file.Close()
}
