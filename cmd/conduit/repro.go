package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/BoozeLee/conduit/internal/agent/events"
	"github.com/BoozeLee/conduit/internal/agent/process"
	"github.com/BoozeLee/conduit/internal/orchestrator"
	"github.com/BoozeLee/conduit/internal/repro/bundle"
	"github.com/BoozeLee/conduit/internal/repro/replay"
	"github.com/BoozeLee/conduit/internal/repro/tape"
	"github.com/BoozeLee/conduit/internal/session"
)

func reproCommand() *command {
	return &command{
		name:    "repro",
		usage:   "conduit repro <command> [flags]",
		summary: "Package, unpack and replay recorded sessions.",
		subcommands: []*command{
			exportCommand(),
			extractCommand(),
			runCommand(),
			inspectCommand(),
		},
	}
}

func exportCommand() *command {
	return &command{
		name:    "export",
		usage:   "conduit repro export -o <bundle> [flags]",
		summary: "Write the data directory to a bundle. Stop the server first.",
		flags: func() *pflag.FlagSet {
			fs := pflag.NewFlagSet("export", pflag.ContinueOnError)
			configFlags(fs)
			fs.StringP("output", "o", "", "bundle file to write")
			fs.String("mode", string(bundle.ModeFull), "full or shareable (scrubs secrets from the tape only)")
			fs.String("compression", string(bundle.CompressionZstd), "zstd or lz4")
			fs.String("workspace", "", "git checkout whose uncommitted changes are included")
			return fs
		},
		run: func(fs *pflag.FlagSet, _ []string) error {
			cfg, log, err := loadConfig(fs)
			if err != nil {
				return err
			}
			out, _ := fs.GetString("output")
			if out == "" {
				return errors.New("export: --output is required")
			}
			modeFlag, _ := fs.GetString("mode")
			mode, err := bundle.ParseMode(modeFlag)
			if err != nil {
				return err
			}
			compressionFlag, _ := fs.GetString("compression")
			compression, err := bundle.ParseCompression(compressionFlag)
			if err != nil {
				return err
			}
			workspace, _ := fs.GetString("workspace")

			meta, err := bundle.ExportFile(context.Background(), out, bundle.ExportOptions{
				DataDir:      cfg.DataDir,
				Mode:         mode,
				Compression:  compression,
				WorkspaceDir: workspace,
				Logger:       log,
			})
			if err != nil {
				return err
			}
			if mode == bundle.ModeShareable {
				fmt.Fprintf(os.Stderr, "note: %s\n", bundle.StorageNotice)
			}
			fmt.Printf("%s  %s  %d tape entries\n", out, meta.ID, meta.TapeEntries)
			return nil
		},
	}
}

func extractCommand() *command {
	return &command{
		name:    "extract",
		usage:   "conduit repro extract <bundle> --into <dir>",
		summary: "Unpack a bundle into a data directory.",
		flags: func() *pflag.FlagSet {
			fs := pflag.NewFlagSet("extract", pflag.ContinueOnError)
			fs.String("into", "", "target data directory")
			return fs
		},
		run: func(fs *pflag.FlagSet, args []string) error {
			if len(args) != 1 {
				return errors.New("extract: exactly one bundle path is required")
			}
			into, _ := fs.GetString("into")
			if into == "" {
				return errors.New("extract: --into is required")
			}
			meta, err := bundle.ExtractFile(args[0], into)
			if err != nil {
				return err
			}
			fmt.Printf("extracted %s into %s\n", meta.ID, into)
			return nil
		},
	}
}

func runCommand() *command {
	return &command{
		name:    "run",
		usage:   "conduit repro run <bundle|dir> [flags]",
		summary: "Replay a bundle and print its events as JSON lines.",
		flags: func() *pflag.FlagSet {
			fs := pflag.NewFlagSet("run", pflag.ContinueOnError)
			configFlags(fs)
			fs.Float64("speed", 0, "replay speed factor; 0 replays without delays")
			fs.Bool("continue-live", false, "hand sessions to their backends once the tape is drained")
			return fs
		},
		run: func(fs *pflag.FlagSet, args []string) error {
			if len(args) != 1 {
				return errors.New("run: exactly one bundle path is required")
			}
			cfg, log, err := loadConfig(fs)
			if err != nil {
				return err
			}
			speed, _ := fs.GetFloat64("speed")
			continueLive, _ := fs.GetBool("continue-live")

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			opts := orchestrator.Options{
				Agents:   cfg.Agents,
				Session:  cfg.Session,
				ReadOnly: !continueLive,
				Logger:   log,
			}
			if continueLive {
				opts.Spawner = session.SupervisorSpawner{Supervisor: process.NewSupervisor(cfg.Session.MaxLineBytes, log)}
			}
			orch, err := orchestrator.New(opts)
			if err != nil {
				return err
			}
			printer := newEventPrinter(orch, os.Stdout, log.Zap())

			res, err := bundle.Run(ctx, args[0], bundle.RunOptions{
				Speed:        speed,
				ContinueLive: continueLive,
				Target:       printer,
				Logger:       log,
			})
			if err == nil && res.WentLive {
				log.Info("sessions continue live, interrupt to stop")
				<-ctx.Done()
			}
			if serr := orch.Shutdown(context.WithoutCancel(ctx)); serr != nil {
				log.Warn("orchestrator shutdown error", zap.Error(serr))
			}
			printer.wait()
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "replayed %d of %d entries across %d sessions\n", res.Replayed, res.Total, len(res.Sessions))
			return nil
		},
	}
}

// eventPrinter attaches replayed sessions and writes every event they
// publish to out, one JSON object per line.
type eventPrinter struct {
	orch *orchestrator.Orchestrator
	log  *zap.Logger

	mu  sync.Mutex
	enc *json.Encoder
	wg  sync.WaitGroup
}

func newEventPrinter(orch *orchestrator.Orchestrator, out io.Writer, log *zap.Logger) *eventPrinter {
	return &eventPrinter{orch: orch, enc: json.NewEncoder(out), log: log}
}

type printedEvent struct {
	SessionID string       `json:"session_id"`
	Event     events.Event `json:"event"`
}

func (p *eventPrinter) Attach(ctx context.Context, spec orchestrator.ReplaySpec) (replay.Session, error) {
	s, err := p.orch.AttachReplay(ctx, spec)
	if err != nil {
		return nil, err
	}
	sub, err := s.Subscribe(ctx)
	if err != nil {
		return nil, err
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for ev := range sub.Events() {
			p.mu.Lock()
			err := p.enc.Encode(printedEvent{SessionID: spec.ID, Event: ev})
			p.mu.Unlock()
			if err != nil {
				p.log.Warn("failed to print event", zap.Error(err))
			}
		}
	}()
	return s, nil
}

// wait returns once every attached session has terminated and its events
// are printed.
func (p *eventPrinter) wait() { p.wg.Wait() }

func inspectCommand() *command {
	return &command{
		name:    "inspect",
		usage:   "conduit repro inspect <bundle|tape.jsonl>",
		summary: "Validate a bundle or summarize a tape, printed as YAML.",
		run: func(_ *pflag.FlagSet, args []string) error {
			if len(args) != 1 {
				return errors.New("inspect: exactly one path is required")
			}
			var v any
			var err error
			if strings.HasSuffix(args[0], ".jsonl") {
				v, err = summarizeTape(args[0])
			} else {
				v, err = inspectBundle(args[0])
			}
			if v != nil {
				enc := yaml.NewEncoder(os.Stdout)
				enc.SetIndent(2)
				if eerr := enc.Encode(v); eerr != nil {
					return eerr
				}
				_ = enc.Close()
			}
			return err
		},
	}
}

func inspectBundle(path string) (*bundle.Meta, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return bundle.Inspect(f)
}

type tapeSummary struct {
	SchemaVersion int            `yaml:"schema_version"`
	StartedAt     string         `yaml:"started_at"`
	Entries       int            `yaml:"entries"`
	DurationMs    int64          `yaml:"duration_ms"`
	Sessions      []sessionStats `yaml:"sessions"`
	Corrupt       string         `yaml:"corrupt,omitempty"`
}

type sessionStats struct {
	ID      string         `yaml:"id"`
	Backend string         `yaml:"backend,omitempty"`
	Inputs  int            `yaml:"inputs"`
	Events  map[string]int `yaml:"events"`
}

// summarizeTape reports what a tape holds per session. A damaged tape is
// summarized up to the damage and the error is returned alongside.
func summarizeTape(path string) (*tapeSummary, error) {
	t, err := tape.ReadFile(path)
	if t == nil {
		return nil, err
	}
	sum := &tapeSummary{
		SchemaVersion: t.Header.SchemaVersion,
		StartedAt:     t.Header.StartedAt.Format("2006-01-02T15:04:05.000Z07:00"),
		Entries:       len(t.Entries),
	}
	if err != nil {
		sum.Corrupt = err.Error()
	}
	byID := make(map[string]*sessionStats)
	for i := range t.Entries {
		e := &t.Entries[i]
		st, ok := byID[e.SessionID]
		if !ok {
			st = &sessionStats{ID: e.SessionID, Events: make(map[string]int)}
			byID[e.SessionID] = st
		}
		sum.DurationMs = e.At
		switch e.Kind {
		case tape.KindAgentInput:
			st.Inputs++
			if in, ierr := e.Input(); ierr == nil && st.Backend == "" {
				st.Backend = in.Backend
			}
		case tape.KindAgentEvent:
			if ev, eerr := e.Event(); eerr == nil {
				st.Events[string(ev.Type)]++
			}
		}
	}
	for _, st := range byID {
		sum.Sessions = append(sum.Sessions, *st)
	}
	sort.Slice(sum.Sessions, func(i, j int) bool { return sum.Sessions[i].ID < sum.Sessions[j].ID })
	return sum, err
}
