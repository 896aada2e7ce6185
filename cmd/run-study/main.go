package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/synaptica-ai/eventchain/pkg/common/config"
	"github.com/synaptica-ai/eventchain/pkg/common/logger"
	"github.com/synaptica-ai/eventchain/pkg/experiment"
	"github.com/synaptica-ai/eventchain/pkg/runs"
)

func main() {
	configPath := flag.String("config", "", "TOML config file")
	outputDir := flag.String("output", "", "output directory, overrides the config")
	icd9 := flag.Bool("include-icd9", true, "expand diagnosis codes with their ICD-9 equivalents")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] study.json [study.json...]\n", filepath.Base(os.Args[0]))
		flag.PrintDefaults()
	}
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		logger.Log.Debug("No .env file found, using environment")
	}
	logger.Init()

	cfg, err := config.LoadFile(*configPath)
	if err != nil {
		logger.Log.WithError(err).Fatal("Failed to load config")
	}
	if *outputDir != "" {
		cfg.OutputDir = *outputDir
	}
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "include-icd9" {
			cfg.IncludeICD9 = *icd9
		}
	})

	studies := flag.Args()
	if len(studies) == 0 && cfg.StudyDir != "" {
		studies, _ = filepath.Glob(filepath.Join(cfg.StudyDir, "*.json"))
	}
	if len(studies) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	runner, cleanup, err := runs.FromConfig(cfg)
	if err != nil {
		logger.Log.WithError(err).Fatal("Failed to initialize runner")
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	failed := 0
	for _, path := range studies {
		if !runStudy(ctx, runner, path) {
			failed++
		}
	}
	if failed > 0 {
		logger.Log.WithField("failed", failed).Error("Some studies did not complete")
		cleanup()
		os.Exit(1)
	}
}

func runStudy(ctx context.Context, runner *runs.Runner, path string) bool {
	log := logger.WithField("study_file", path)
	study, err := experiment.ReadFile(path)
	if err != nil {
		log.WithError(err).Error("Invalid study config")
		return false
	}

	report, err := runner.Run(ctx, study)
	if err != nil {
		log.WithError(err).Error("Study run failed")
		return false
	}
	for _, g := range report.Groups {
		entry := log.WithFields(map[string]interface{}{
			"group":  g.Key,
			"status": g.Status,
		})
		if g.Err != nil {
			entry.WithError(g.Err).Warn("Group did not complete")
			continue
		}
		entry.Info("Group finished")
	}
	log.WithFields(map[string]interface{}{
		"run_id":   report.RunID,
		"patients": report.Patients,
		"failed":   len(report.Failed()),
	}).Info("Study finished")
	return len(report.Failed()) < len(report.Groups) || len(report.Groups) == 0
}
