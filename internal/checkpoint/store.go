// Package checkpoint persists training snapshots. Writes are atomic
// (temp file + rename) and flushed to durable storage before Save
// returns, so a crash after a successful Save can never lose the
// checkpoint it reported.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog/log"

	"github.com/icvlp/icvlpr/internal/config"
	"github.com/icvlp/icvlpr/internal/model"
)

// Snapshot is a persisted view of model state plus the metadata needed
// to resume or to serve the model standalone. Never mutated after
// creation.
type Snapshot struct {
	Epoch      int                  `json:"epoch"`
	GlobalStep int64                `json:"global_step"`
	Metric     float64              `json:"metric"`
	BestMetric float64              `json:"best_metric"`
	BestEpoch  int                  `json:"best_epoch"`
	Seed       int64                `json:"seed"`
	SavedAt    time.Time            `json:"saved_at"`
	Config     config.Config        `json:"config"`
	Weights    map[string][]float32 `json:"weights"`
	Optimizer  model.OptimizerState `json:"optimizer"`
}

// Store writes epoch-keyed checkpoints under one directory and tracks
// which of them holds the best validation metric. The best checkpoint
// is never pruned.
type Store struct {
	dir    string
	prefix string
	keep   int
	best   string
}

// NewStore creates the checkpoint directory if needed. keep bounds how
// many epoch checkpoints Prune retains; keep <= 0 disables pruning.
func NewStore(dir, prefix string, keep int) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	if prefix == "" {
		prefix = "epoch"
	}
	return &Store{dir: dir, prefix: prefix, keep: keep}, nil
}

// Save persists an epoch checkpoint and returns its path.
func (s *Store) Save(snap *Snapshot) (string, error) {
	path := filepath.Join(s.dir, fmt.Sprintf("%s_%d.json.gz", s.prefix, snap.Epoch))
	if err := s.write(path, snap); err != nil {
		return "", err
	}
	log.Info().Msgf("checkpoint saved to %s", path)
	return path, nil
}

// SaveBest persists the best-so-far checkpoint under a fixed name so it
// survives any pruning policy.
func (s *Store) SaveBest(snap *Snapshot) (string, error) {
	path := filepath.Join(s.dir, fmt.Sprintf("%s_best.json.gz", s.prefix))
	if err := s.write(path, snap); err != nil {
		return "", err
	}
	s.best = path
	log.Info().Msgf("best checkpoint (metric %.4f, epoch %d) saved to %s",
		snap.Metric, snap.Epoch, path)
	return path, nil
}

// BestPath returns the path of the best checkpoint written this run, or
// empty if none was written yet.
func (s *Store) BestPath() string { return s.best }

func (s *Store) write(path string, snap *Snapshot) error {
	tmp, err := os.CreateTemp(s.dir, filepath.Base(path)+".tmp")
	if err != nil {
		return fmt.Errorf("create checkpoint temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	gz := gzip.NewWriter(tmp)
	if err := json.NewEncoder(gz).Encode(snap); err != nil {
		tmp.Close()
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	if err := gz.Close(); err != nil {
		tmp.Close()
		return fmt.Errorf("compress checkpoint: %w", err)
	}
	// Flush file content before the rename makes it visible.
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close checkpoint: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("publish checkpoint: %w", err)
	}
	return syncDir(s.dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// Load reads a snapshot written by Save or SaveBest.
func Load(path string) (*Snapshot, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint: %w", err)
	}
	defer file.Close()

	gz, err := gzip.NewReader(file)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	defer gz.Close()

	var snap Snapshot
	if err := json.NewDecoder(gz).Decode(&snap); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	return &snap, nil
}

// Prune removes the oldest epoch checkpoints beyond the keep limit. The
// best checkpoint and the newest keep epoch files are always retained.
func (s *Store) Prune() error {
	if s.keep <= 0 {
		return nil
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}

	type epochFile struct {
		epoch int
		path  string
	}
	var files []epochFile
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, s.prefix+"_") || !strings.HasSuffix(name, ".json.gz") {
			continue
		}
		num := strings.TrimSuffix(strings.TrimPrefix(name, s.prefix+"_"), ".json.gz")
		epoch, err := strconv.Atoi(num)
		if err != nil {
			continue // the best checkpoint or an unrelated file
		}
		files = append(files, epochFile{epoch: epoch, path: filepath.Join(s.dir, name)})
	}

	sort.Slice(files, func(a, b int) bool { return files[a].epoch > files[b].epoch })
	for _, f := range files[min(len(files), s.keep):] {
		if err := os.Remove(f.path); err != nil {
			return err
		}
		log.Debug().Msgf("pruned checkpoint %s", f.path)
	}
	return nil
}
