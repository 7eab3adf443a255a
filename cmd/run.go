package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/viper"

	"github.com/collidesec/collide/internal/config"
	"github.com/collidesec/collide/pkg/race"
)

func runRace(ctx context.Context, target string) error {
	rc := cfg.Race
	rc.TargetURL = target

	if rc.EndpointsFile != "" {
		endpoints, err := config.LoadEndpoints(rc.EndpointsFile)
		if err != nil {
			return err
		}
		rc.Endpoints = endpoints
	}

	engine, err := race.New(&rc, log, tel)
	if err != nil {
		return err
	}

	printBanner(&rc)

	report, err := engine.Run(ctx)
	if err != nil {
		return err
	}

	if store != nil {
		if err := store.SaveReport(ctx, report); err != nil {
			log.Warnw("Failed to persist run", "run_id", report.RunID, "error", err)
		}
	}

	displayReport(report)

	if out := viper.GetString("output"); out != "" {
		if err := writeReport(out, report); err != nil {
			return err
		}
		color.White("Full report written to %s\n", out)
	}

	if report.Verdict.RaceDetected {
		exitCode = 2
	}
	return nil
}

func writeReport(path string, report *race.RunReport) error {
	raw, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	if err := os.WriteFile(path, raw, 0600); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}
