package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"netgauge/internal/config"
	"netgauge/internal/controller"
	"netgauge/internal/engine"
	"netgauge/internal/engine/scripted"
	"netgauge/internal/engine/speedtestgo"
	"netgauge/internal/metadata"
	"netgauge/internal/metrics"
	logx "netgauge/pkg/logx"
)

// Built-in ramp used by the scripted driver when no script file is set.
const (
	rampSteps = 15
	rampStep  = 1e7
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapSpeedtestConfig(cfg *config.Config) (speedtestgo.Config, error) {
	sc := cfg.Engine.Speedtest
	transfer, err := config.ParseDurationOrDefault("engine.speedtest.transfer_timeout", sc.TransferTimeout, 4*time.Second)
	if err != nil {
		return speedtestgo.Config{}, err
	}
	return speedtestgo.Config{
		ServerCount:     sc.ServerCount,
		PingConcurrency: sc.PingConcurrency,
		SavingMode:      sc.SavingMode,
		MaxConnections:  sc.MaxConnections,
		TransferTimeout: transfer,
	}, nil
}

func mapScript(cfg *config.Config) (scripted.Script, error) {
	sc := cfg.Engine.Scripted
	delay, err := config.ParseDurationOrDefault("engine.scripted.step_delay", sc.StepDelay, 200*time.Millisecond)
	if err != nil {
		return scripted.Script{}, err
	}
	path := strings.TrimSpace(sc.Script)
	if path == "" {
		return scripted.Ramp(rampSteps, rampStep, delay), nil
	}
	s, err := scripted.LoadFile(path)
	if err != nil {
		return scripted.Script{}, err
	}
	if s.StepDelay <= 0 {
		s.StepDelay = delay
	}
	return s, nil
}

// buildEngine constructs the engine the config currently selects.
func buildEngine(cfg *config.Config, log logx.Logger) (engine.Engine, error) {
	switch strings.TrimSpace(cfg.Engine.Driver) {
	case "", config.DriverSpeedtest:
		sc, err := mapSpeedtestConfig(cfg)
		if err != nil {
			return nil, err
		}
		return speedtestgo.New(sc, log.With(logx.String("comp", "speedtest"))), nil
	case config.DriverScripted:
		s, err := mapScript(cfg)
		if err != nil {
			return nil, err
		}
		return scripted.New(s), nil
	default:
		return nil, fmt.Errorf("unknown engine driver %q", cfg.Engine.Driver)
	}
}

// engineFactory reads the config on every run so reloads apply to the next run.
func engineFactory(current func() *config.Config, log logx.Logger) controller.EngineFactory {
	return func() (engine.Engine, error) {
		return buildEngine(current(), log)
	}
}

// metadataSource builds a fetcher from the current config for every run.
type metadataSource struct {
	current func() *config.Config
	metrics *metrics.Recorder
	log     logx.Logger
}

func (s metadataSource) Start(ctx context.Context) *metadata.Pending {
	cfg := s.current()
	if !cfg.Metadata.Enabled {
		return metadata.Resolved(nil)
	}
	timeout, err := config.ParseDurationOrDefault("metadata.timeout", cfg.Metadata.Timeout, metadata.DefaultTimeout)
	if err != nil {
		timeout = metadata.DefaultTimeout
	}
	f := metadata.New(metadata.Config{
		URL:       cfg.Metadata.URL,
		Timeout:   timeout,
		UserAgent: cfg.Metadata.UserAgent,
	}, s.log)
	f.OnFailure = func(error) { s.metrics.MetadataFailure() }
	return f.Start(ctx)
}
