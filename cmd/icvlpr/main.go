// Command icvlpr trains and evaluates the license plate recognizer.
//
// Flags configure the run; every flag can also be set through an
// ICVLPR_* environment variable (dashes become underscores).
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/icvlp/icvlpr/internal/checkpoint"
	"github.com/icvlp/icvlpr/internal/config"
	"github.com/icvlp/icvlpr/internal/dataset"
	"github.com/icvlp/icvlpr/internal/metrics"
	"github.com/icvlp/icvlpr/internal/model"
	"github.com/icvlp/icvlpr/internal/train"
)

const (
	exitOK       = 0
	exitConfig   = 1
	exitDiverged = 2
	exitResource = 3
)

var errConfig = errors.New("invalid configuration")

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := loadConfig(args)
	if errors.Is(err, pflag.ErrHelp) {
		return exitOK
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfig
	}
	setupLogging(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := runTraining(ctx, cfg); err != nil {
		var datasetErr *dataset.DatasetError
		var divergedErr *train.DivergedError
		switch {
		case errors.Is(err, context.Canceled):
			log.Info().Msg("run canceled, exiting cleanly")
			return exitOK
		case errors.Is(err, errConfig), errors.As(err, &datasetErr):
			log.Error().Err(err).Msg("startup validation failed")
			return exitConfig
		case errors.As(err, &divergedErr):
			log.Error().Err(err).Msg("training diverged")
			return exitDiverged
		default:
			log.Error().Err(err).Msg("training failed")
			return exitResource
		}
	}
	return exitOK
}

func loadConfig(args []string) (config.Config, error) {
	def := config.Default()
	fs := pflag.NewFlagSet("icvlpr", pflag.ContinueOnError)
	fs.String("data-dir", def.DataDir, "dataset root directory")
	fs.Int("max-label-len", def.MaxLabelLen, "longest plate label accepted")
	fs.Float64("learning-rate", def.LearningRate, "Adam learning rate")
	fs.Int("batch-size", def.BatchSize, "samples per optimizer step")
	fs.Int("epochs", def.Epochs, "training epochs")
	fs.Int("lr-step", def.LRStep, "epochs between learning-rate decays")
	fs.Float64("lr-gamma", def.LRGamma, "learning-rate decay factor")
	fs.Int64("seed", 0, "RNG seed (0 picks a time-based seed)")
	fs.Int("patience", def.Patience, "early-stop patience in epochs (0 disables)")
	fs.Int("workers", def.Workers, "prefetch workers per loader")
	fs.Int("prefetch", def.Prefetch, "batches buffered ahead of the consumer")
	fs.Bool("augment", def.Augment, "augment train images")
	fs.Bool("final-train", def.FinalTrain, "train on train+val and evaluate on test")
	fs.String("checkpoint-dir", def.CheckpointDir, "checkpoint directory")
	fs.String("checkpoint-prefix", def.CheckpointPrefix, "checkpoint filename prefix")
	fs.Int("checkpoint-interval", def.CheckpointInterval, "epochs between checkpoints")
	fs.Int("keep-checkpoints", def.KeepCheckpoints, "interval checkpoints retained (0 keeps all)")
	fs.Bool("save-last", def.SaveLast, "save a checkpoint after the final epoch")
	fs.Bool("save-on-interrupt", def.SaveOnInterrupt, "save a checkpoint when interrupted")
	fs.String("resume", def.Resume, "checkpoint to resume from")
	fs.String("metrics-file", def.MetricsFile, "JSONL metrics output path")
	fs.String("metrics-csv", def.MetricsCSV, "CSV metrics output path")
	fs.String("statsd-addr", def.StatsdAddr, "statsd agent address (host:port)")
	fs.String("log-level", def.LogLevel, "log level (trace|debug|info|warn|error)")

	if err := fs.Parse(args); err != nil {
		return config.Config{}, err
	}

	v := viper.New()
	if err := v.BindPFlags(fs); err != nil {
		return config.Config{}, err
	}
	v.SetEnvPrefix("ICVLPR")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	var cfg config.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return config.Config{}, fmt.Errorf("parse configuration: %w", err)
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func setupLogging(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(lvl).With().Timestamp().Logger()
}

func runTraining(ctx context.Context, cfg config.Config) error {
	var resumeSnap *checkpoint.Snapshot
	if cfg.Resume != "" {
		snap, err := checkpoint.Load(cfg.Resume)
		if err != nil {
			return fmt.Errorf("load resume checkpoint: %w", err)
		}
		resumeSnap = snap
		// Reuse the original seed so shuffles and augmentation pick up
		// where the interrupted run left off.
		if snap.Seed != 0 {
			cfg.Seed = snap.Seed
		}
	}

	netCfg := model.DefaultConfig()
	netCfg.Seed = cfg.Seed
	net, err := model.New(netCfg)
	if err != nil {
		return fmt.Errorf("%w: %v", errConfig, err)
	}
	if cfg.MaxLabelLen > net.MaxLabelLen() {
		return fmt.Errorf("%w: max-label-len %d exceeds the %d characters decodable over %d time steps",
			errConfig, cfg.MaxLabelLen, net.MaxLabelLen(), net.Steps())
	}

	ix, err := dataset.Scan(cfg.DataDir, cfg.MaxLabelLen)
	if err != nil {
		return err
	}

	trainPre := &dataset.Preprocessor{Width: netCfg.Width, Height: netCfg.Height, Augment: cfg.Augment}
	evalPre := &dataset.Preprocessor{Width: netCfg.Width, Height: netCfg.Height}

	trainSamples := ix.Samples(dataset.SplitTrain)
	var valSamples []dataset.Sample
	if cfg.FinalTrain {
		trainSamples = ix.Merged(dataset.SplitTrain, dataset.SplitVal)
		log.Info().Msgf("final-train: training on %d train+val samples, validation disabled", len(trainSamples))
	} else {
		valSamples = ix.Samples(dataset.SplitVal)
	}

	evalCfg := dataset.LoaderConfig{
		BatchSize: cfg.BatchSize,
		Workers:   cfg.Workers,
		Prefetch:  cfg.Prefetch,
		Seed:      cfg.Seed,
	}
	trainCfg := evalCfg
	trainCfg.Shuffle = true

	trainLoader, err := dataset.NewLoader(trainSamples, trainPre, trainCfg)
	if err != nil {
		return err
	}
	var valSource train.BatchSource
	if len(valSamples) > 0 {
		valLoader, err := dataset.NewLoader(valSamples, evalPre, evalCfg)
		if err != nil {
			return err
		}
		valSource = train.NewSource(valLoader)
	}
	testLoader, err := dataset.NewLoader(ix.Samples(dataset.SplitTest), evalPre, evalCfg)
	if err != nil {
		return err
	}

	sink, err := buildSink(cfg)
	if err != nil {
		return err
	}
	defer sink.Close()

	store, err := checkpoint.NewStore(cfg.CheckpointDir, cfg.CheckpointPrefix, cfg.KeepCheckpoints)
	if err != nil {
		return err
	}

	trainer, err := train.New(train.Params{
		Model:     net,
		Optimizer: model.NewAdam(),
		Schedule: model.StepSchedule{
			Base:     cfg.LearningRate,
			Gamma:    cfg.LRGamma,
			StepSize: cfg.LRStep,
		},
		Train:  train.NewSource(trainLoader),
		Val:    valSource,
		Test:   train.NewSource(testLoader),
		Store:  store,
		Sink:   sink,
		Config: cfg,
	})
	if err != nil {
		return err
	}
	if resumeSnap != nil {
		if err := trainer.Resume(resumeSnap); err != nil {
			return err
		}
	}
	return trainer.Run(ctx)
}

func buildSink(cfg config.Config) (metrics.Sink, error) {
	var sinks []metrics.Sink
	if cfg.MetricsFile != "" {
		s, err := metrics.NewFileSink(cfg.MetricsFile)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, s)
	}
	if cfg.MetricsCSV != "" {
		s, err := metrics.NewCSVSink(cfg.MetricsCSV)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, s)
	}
	if cfg.StatsdAddr != "" {
		s, err := metrics.NewStatsdSink(cfg.StatsdAddr, "icvlpr")
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, s)
	}
	if len(sinks) == 0 {
		return metrics.NopSink{}, nil
	}
	return metrics.NewMultiSink(sinks...), nil
}
