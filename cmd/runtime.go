package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"grimm.is/leakshield/internal/config"
	"grimm.is/leakshield/internal/engine"
	"grimm.is/leakshield/internal/filter"
	"grimm.is/leakshield/internal/install/memory"
	"grimm.is/leakshield/internal/logging"
	"grimm.is/leakshield/internal/metrics"
	"grimm.is/leakshield/internal/policy"
	"grimm.is/leakshield/internal/state"
)

// session is a loaded policy with the services built from it.
type session struct {
	env    *Env
	cfg    *config.Config
	policy *policy.Policy
	logger *logging.Logger
}

// load reads, validates and resolves the policy file. Validation warnings
// are logged; errors abort.
func load(env *Env, g *globalFlags) (*session, error) {
	cfg, err := config.LoadFile(g.configFile)
	if err != nil {
		return nil, err
	}

	logger, err := newLogger(env, cfg, g.logLevel)
	if err != nil {
		return nil, err
	}

	errs := cfg.Validate()
	for _, w := range errs.Warnings() {
		logger.Warn("Configuration warning", "field", w.Field, "message", w.Message)
	}
	if errs.HasErrors() {
		return nil, fmt.Errorf("configuration invalid: %w", errs.Errors())
	}

	p, err := policy.Build(cfg, policy.WithNetlinker(env.Netlinker))
	if err != nil {
		return nil, err
	}
	if len(p.Discovered) > 0 {
		logger.Debug("Discovered LAN networks", "networks", p.Discovered)
	}
	if len(p.Resolvers) > 0 {
		logger.Debug("Discovered resolvers", "servers", p.Resolvers)
	}
	return &session{env: env, cfg: cfg, policy: p, logger: logger}, nil
}

func newLogger(env *Env, cfg *config.Config, override string) (*logging.Logger, error) {
	lc := logging.DefaultConfig()
	lc.Output = env.Err

	level := cfg.Log.Level
	if override != "" {
		level = override
	}
	lvl, err := logging.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	lc.Level = lvl
	lc.JSON = cfg.Log.JSON
	lc.File = cfg.Log.File

	logger := logging.New(lc)
	logging.SetDefault(logger)
	return logger, nil
}

func (s *session) installer() Installer {
	return s.env.NewInstaller(s.cfg.Table, s.logger.WithComponent("firewall"))
}

func (s *session) openJournal() (*state.Store, error) {
	store, err := state.Open(s.cfg.StateDB)
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", s.cfg.StateDB, err)
	}
	return store, nil
}

// run executes op through a fully wired engine and writes metrics afterwards,
// whatever the outcome.
func (s *session) run(ctx context.Context, op string) error {
	reg := metrics.NewRegistry()
	opts := []engine.Option{
		engine.WithLogger(s.logger.WithComponent("engine")),
		engine.WithMetrics(reg),
	}

	journal, err := s.openJournal()
	if err != nil {
		// The journal is bookkeeping only.
		s.logger.Warn("Journal unavailable", "error", err)
	} else {
		defer journal.Close()
		opts = append(opts, engine.WithJournal(journal))
	}

	if s.cfg.LockFile != "" {
		if err := os.MkdirAll(filepath.Dir(s.cfg.LockFile), 0o755); err != nil {
			return fmt.Errorf("create lock directory: %w", err)
		}
		opts = append(opts, engine.WithLockFile(s.cfg.LockFile))
	}

	eng := engine.New(s.installer(), opts...)
	if op == engine.OpRemove {
		err = eng.Remove(ctx, s.policy.Rules, s.policy.Context)
	} else {
		err = eng.Apply(ctx, s.policy.Rules, s.policy.Context)
	}

	if s.cfg.MetricsFile != "" {
		if mErr := reg.WriteTextfile(s.cfg.MetricsFile); mErr != nil {
			s.logger.Warn("Failed to write metrics", "path", s.cfg.MetricsFile, "error", mErr)
		}
	}
	return err
}

// dryRun executes op against an in-memory copy of the configured filters
// that are active on the live installer. Nothing is installed, journaled or
// written to the metrics file. It returns how many configured filters were
// active before and after.
func (s *session) dryRun(ctx context.Context, op string) (before, after int, err error) {
	specs, err := s.plan()
	if err != nil {
		return 0, 0, err
	}
	active, err := s.installer().Active(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("list active filters: %w", err)
	}
	isActive := make(map[filter.ID]bool, len(active))
	for _, id := range active {
		isActive[id] = true
	}

	inst, mem := memory.NewInstaller()
	for _, spec := range specs {
		if !isActive[spec.ID()] {
			continue
		}
		if err := mem.InstallFilter(spec); err != nil {
			return 0, 0, err
		}
	}
	before = mem.Len()

	eng := engine.New(inst, engine.WithLogger(s.logger.WithComponent("engine").WithFields(map[string]any{"dry_run": true})))
	if op == engine.OpRemove {
		err = eng.Remove(ctx, s.policy.Rules, s.policy.Context)
	} else {
		err = eng.Apply(ctx, s.policy.Rules, s.policy.Context)
	}
	return before, mem.Len(), err
}
