package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/MultiplicityFoundation/Phase-Mirror-sub007/pkg/fpstore"
)

// runReview marks a recorded finding as a reviewed false positive, feeding
// the suppression window for subsequent evaluations.
func runReview(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("review", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		findingID  = fs.String("finding", "", "finding id to mark as a false positive")
		reviewer   = fs.String("reviewer", "", "reviewer identity")
		ticket     = fs.String("ticket", "", "suppression ticket reference")
		configPath = fs.String("config", "", "path to an explicit config file (YAML)")
		profileDir = fs.String("profile-dir", "profiles", "directory holding profile_<name>.yaml files")
		profile    = fs.String("profile", "", "named profile to load")
	)
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if *findingID == "" || *reviewer == "" {
		fmt.Fprintln(stderr, "review: -finding and -reviewer are required")
		return exitUsage
	}

	cfg, err := loadConfig(*configPath, *profileDir, *profile)
	if err != nil {
		fmt.Fprintf(stderr, "review: %v\n", err)
		return exitUsage
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "review: %v\n", err)
		return exitUsage
	}

	ctx := context.Background()
	rt := &runtime{}
	if err := rt.buildFPStore(cfg); err != nil {
		fmt.Fprintf(stderr, "review: %v\n", err)
		return exitUsage
	}
	defer rt.close(ctx)

	if err := rt.fpStore.MarkFalsePositive(ctx, *findingID, *reviewer, *ticket); err != nil {
		if errors.Is(err, fpstore.ErrNotFound) {
			fmt.Fprintf(stderr, "review: finding %s has no recorded event\n", *findingID)
			return 1
		}
		fmt.Fprintf(stderr, "review: %v\n", err)
		return exitUsage
	}

	fmt.Fprintf(stdout, "finding %s marked as false positive by %s\n", *findingID, *reviewer)
	return 0
}
