package bundle

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/BoozeLee/conduit/internal/common/clock"
	"github.com/BoozeLee/conduit/internal/common/logger"
	"github.com/BoozeLee/conduit/internal/orchestrator"
	"github.com/BoozeLee/conduit/internal/repro/replay"
	"github.com/BoozeLee/conduit/internal/repro/tape"
)

// RunOptions configure Run.
type RunOptions struct {
	Speed        float64
	ContinueLive bool
	// Target receives the replayed sessions. When nil a read-only
	// orchestrator is created and shut down before Run returns.
	Target replay.Target
	Clock  clock.Clock
	Logger *logger.Logger
}

// RunResult reports a finished Run.
type RunResult struct {
	*replay.Result
	Meta *Meta `json:"meta,omitempty"`
	// DataDir is where the bundle was read from. It no longer exists
	// after Run returns when the bundle had to be extracted.
	DataDir string `json:"data_dir"`
}

// Run replays a bundle. path is either a bundle file, which is extracted
// into a temporary directory removed on return, or a directory a bundle
// was already extracted to.
func Run(ctx context.Context, path string, opts RunOptions) (*RunResult, error) {
	if opts.Logger == nil {
		opts.Logger = logger.Default()
	}
	log := opts.Logger.WithFields(zap.String("component", "bundle"), zap.String("bundle", path))

	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	res := &RunResult{DataDir: path}
	if !fi.IsDir() {
		dir, err := os.MkdirTemp("", "conduit-repro-*")
		if err != nil {
			return nil, fmt.Errorf("create extraction directory: %w", err)
		}
		defer func() {
			if err := os.RemoveAll(dir); err != nil {
				log.Warn("failed to remove extraction directory", zap.String("dir", dir), zap.Error(err))
			}
		}()
		if res.Meta, err = ExtractFile(path, dir); err != nil {
			return nil, err
		}
		res.DataDir = dir
		log.Info("bundle extracted", zap.String("dir", dir), zap.String("bundle_id", res.Meta.ID))
	}

	target := opts.Target
	if target == nil {
		orch, err := orchestrator.New(orchestrator.Options{ReadOnly: true, Clock: opts.Clock, Logger: opts.Logger})
		if err != nil {
			return nil, err
		}
		defer func() {
			if err := orch.Shutdown(context.WithoutCancel(ctx)); err != nil {
				log.Warn("failed to shut down replay orchestrator", zap.Error(err))
			}
		}()
		target = replay.OrchestratorTarget{Orchestrator: orch}
	}

	r := replay.New(target, replay.Options{
		Speed:        opts.Speed,
		ContinueLive: opts.ContinueLive,
		Clock:        opts.Clock,
		Logger:       opts.Logger,
	})
	res.Result, err = r.ReplayFile(ctx, tape.Path(res.DataDir))
	return res, err
}
