package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/ehr/clinlogic/internal/config"
	"github.com/ehr/clinlogic/internal/domain/encounter"
	"github.com/ehr/clinlogic/internal/domain/observation"
	"github.com/ehr/clinlogic/internal/domain/person"
	"github.com/ehr/clinlogic/internal/domain/rules"
	"github.com/ehr/clinlogic/internal/platform/logic"
)

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg != nil && cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	if cfg != nil && cfg.LogLevel != "" {
		if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
			logger = logger.Level(lvl)
		}
	}
	return logger
}

// buildService wires the concept dictionary, the data sources and the rule
// registry into a Service. Order matters: built-ins are registered before
// the data source keys so a built-in keeps its token when a source also
// exposes a key of that name.
// sourceTables are the tables the data sources read.
func sourceTables() []string {
	return []string{
		person.Schema().Table,
		encounter.Schema().Table,
		observation.Schema(observation.NewDictionary()).Table,
		observation.ConceptTable,
	}
}

func buildService(ctx context.Context, cfg *config.Config, q logic.Querier, opts logic.Options, logger zerolog.Logger) (*logic.Service, error) {
	dict := observation.NewDictionary()
	n, err := dict.Load(ctx, q)
	switch {
	case err != nil:
		logger.Warn().Err(err).Msg("concept table unavailable, using built-in concepts")
		dict = observation.NewDictionary(observation.DefaultConcepts...)
	case n == 0:
		logger.Warn().Msg("concept table is empty, using built-in concepts")
		dict = observation.NewDictionary(observation.DefaultConcepts...)
	default:
		logger.Info().Int("concepts", n).Msg("loaded concept dictionary")
	}

	sources := logic.NewSourceRegistry(
		person.NewDataSource(q, logger),
		encounter.NewDataSource(q, logger),
		observation.NewDataSource(q, dict, logger),
	)

	if opts.Workers == 0 {
		opts.Workers = cfg.EvalWorkers
	}
	if opts.PatientTimeout == 0 {
		opts.PatientTimeout = cfg.EvalPatientTimeout
	}
	svc := logic.NewService(logic.NewRegistry(logger), logic.NewResultCache(), sources, opts, logger)

	if err := rules.RegisterBuiltins(svc); err != nil {
		return nil, fmt.Errorf("register built-in rules: %w", err)
	}
	if _, err := svc.RegisterDataSourceKeys(); err != nil {
		return nil, fmt.Errorf("register data source keys: %w", err)
	}

	if cfg.RulesFile != "" {
		loaded, err := rules.LoadFile(cfg.RulesFile, svc)
		if err != nil {
			return nil, err
		}
		logger.Info().Int("rules", loaded).Str("file", cfg.RulesFile).Msg("loaded rule definitions")
	}

	return svc, nil
}
