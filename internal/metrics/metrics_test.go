package metrics

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	zerolog.SetGlobalLevel(zerolog.Disabled)
	os.Exit(m.Run())
}

func TestFileSinkWritesJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.jsonl")
	sink, err := NewFileSink(path)
	require.NoError(t, err)

	records := []Record{
		{Name: "loss", Value: 1.25, Split: "train", Epoch: 1},
		{Name: "acc", Value: 0.5, Split: "val", Epoch: 1},
	}
	for _, r := range records {
		require.NoError(t, sink.Log(r))
	}
	require.NoError(t, sink.Close())

	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()

	var got []Record
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var r Record
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &r))
		got = append(got, r)
	}
	assert.Equal(t, records, got)
}

func TestCSVSinkWritesHeaderOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.csv")

	sink, err := NewCSVSink(path)
	require.NoError(t, err)
	require.NoError(t, sink.Log(Record{Name: "loss", Value: 2, Split: "train", Epoch: 1}))
	require.NoError(t, sink.Close())

	// Reopen and append; header must not repeat.
	sink, err = NewCSVSink(path)
	require.NoError(t, err)
	require.NoError(t, sink.Log(Record{Name: "loss", Value: 1, Split: "train", Epoch: 2}))
	require.NoError(t, sink.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := 0
	for _, b := range data {
		if b == '\n' {
			lines++
		}
	}
	assert.Equal(t, 3, lines) // header + two rows
}

type failingSink struct{ calls int }

func (s *failingSink) Log(Record) error {
	s.calls++
	return errors.New("boom")
}
func (s *failingSink) Close() error { return nil }

type countingSink struct{ calls int }

func (s *countingSink) Log(Record) error { s.calls++; return nil }
func (s *countingSink) Close() error     { return nil }

func TestMultiSinkDisablesFailedSink(t *testing.T) {
	bad := &failingSink{}
	good := &countingSink{}
	multi := NewMultiSink(bad, good, nil)

	for i := 0; i < 5; i++ {
		require.NoError(t, multi.Log(Record{Name: "loss", Value: 1, Split: "train", Epoch: i}))
	}

	// The failing sink is tried once, then disabled; the healthy sink
	// keeps receiving records.
	assert.Equal(t, 1, bad.calls)
	assert.Equal(t, 5, good.calls)
	require.NoError(t, multi.Close())
}

func TestAverager(t *testing.T) {
	var avg Averager
	assert.Zero(t, avg.Mean())

	avg.Add(1)
	avg.Add(2)
	avg.Add(3)
	assert.InDelta(t, 2.0, avg.Mean(), 1e-12)
	assert.Equal(t, 3, avg.Count())

	avg.Reset()
	assert.Zero(t, avg.Mean())
	assert.Zero(t, avg.Count())
}

func TestAveragerAddN(t *testing.T) {
	var avg Averager
	avg.AddN(2.0, 4) // full batch
	avg.AddN(5.0, 2) // short final batch
	assert.Equal(t, 6, avg.Count())
	assert.InDelta(t, 3.0, avg.Mean(), 1e-12)
}
