package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/MultiplicityFoundation/Phase-Mirror-sub007/pkg/breaker"
	"github.com/MultiplicityFoundation/Phase-Mirror-sub007/pkg/config"
	"github.com/MultiplicityFoundation/Phase-Mirror-sub007/pkg/invariant"
	"github.com/MultiplicityFoundation/Phase-Mirror-sub007/pkg/oracle"
	"github.com/MultiplicityFoundation/Phase-Mirror-sub007/pkg/rules"
)

// evaluationInput is the snapshot document the runner hands to evaluate.
type evaluationInput struct {
	State    invariant.SnapshotState `json:"state"`
	Context  rules.InvocationContext `json:"context"`
	Evidence []rules.Evidence        `json:"evidence"`
	Nonce    string                  `json:"nonce,omitempty"`
}

func runEvaluate(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("evaluate", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		mode       = fs.String("mode", "pull_request", "invocation mode: pull_request, merge_group, drift, local")
		inputPath  = fs.String("input", "", "path to the snapshot input document (JSON)")
		rulesPath  = fs.String("rules", "", "path to the rule set (JSON array)")
		invPath    = fs.String("invariants", "", "path to the invariant checker config (JSON)")
		configPath = fs.String("config", "", "path to an explicit config file (YAML)")
		profileDir = fs.String("profile-dir", "profiles", "directory holding profile_<name>.yaml files")
		profile    = fs.String("profile", "", "named profile to load")
		nonceVer   = fs.String("nonce-version", "v1", "active nonce version")
	)
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if *inputPath == "" || *rulesPath == "" {
		fmt.Fprintln(stderr, "evaluate: -input and -rules are required")
		return exitUsage
	}

	cfg, err := loadConfig(*configPath, *profileDir, *profile)
	if err != nil {
		fmt.Fprintf(stderr, "evaluate: %v\n", err)
		return exitUsage
	}

	input, err := loadInput(*inputPath)
	if err != nil {
		fmt.Fprintf(stderr, "evaluate: %v\n", err)
		return exitUsage
	}
	local := *mode == "local"
	if local {
		input.Context.EventType = "local"
	}

	checker, err := loadChecker(*invPath, local, input.State)
	if err != nil {
		fmt.Fprintf(stderr, "evaluate: %v\n", err)
		return exitUsage
	}

	registry, err := loadRules(*rulesPath)
	if err != nil {
		fmt.Fprintf(stderr, "evaluate: %v\n", err)
		return exitUsage
	}

	ctx := context.Background()
	rt, err := buildRuntime(ctx, cfg, local, *nonceVer)
	if err != nil {
		fmt.Fprintf(stderr, "evaluate: %v\n", err)
		return exitUsage
	}
	defer rt.close(ctx)

	evaluator := rules.NewEvaluator(registry, rt.fpStore, rt.consensus, rt.redactor, rules.EvaluatorConfig{
		WindowSize:  cfg.FPWindowSize,
		CriticalFPR: cfg.CriticalFPR,
	})

	deps := oracle.Deps{
		Checker:       checker,
		Evaluator:     evaluator,
		Breaker:       breaker.New(rt.counter, breakerConfig(cfg)),
		Store:         rt.fpStore,
		Counter:       rt.counter,
		Anonymizer:    rt.anonymizer,
		Archiver:      rt.archiver,
		Observability: rt.observability,
	}
	if rt.identity != nil {
		deps.Usage = rt.identity
	}

	pipeline, err := oracle.New(oracle.Config{
		Tier:          cfg.Tier,
		EngineVersion: engineVersion,
		Timeout:       cfg.EvaluationTimeout,
	}, deps)
	if err != nil {
		fmt.Fprintf(stderr, "evaluate: %v\n", err)
		return exitUsage
	}

	result, err := pipeline.Run(ctx, oracle.Request{
		Mode:  *mode,
		State: input.State,
		Input: rules.Input{Context: input.Context, Evidence: input.Evidence},
		Nonce: input.Nonce,
	})
	if err != nil {
		fmt.Fprintf(stderr, "evaluate: %v\n", err)
		return exitUsage
	}

	fmt.Fprintln(stdout, string(result.Canonical))
	return result.ExitCode
}

func loadConfig(configPath, profileDir, profile string) (config.Config, error) {
	switch {
	case configPath != "":
		return config.LoadFile(configPath)
	case profile != "":
		return config.LoadProfile(profileDir, profile)
	default:
		return config.Default(), nil
	}
}

func loadInput(path string) (*evaluationInput, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read input: %w", err)
	}
	var input evaluationInput
	if err := json.Unmarshal(data, &input); err != nil {
		return nil, fmt.Errorf("parse input %s: %w", path, err)
	}
	return &input, nil
}

// loadChecker builds the L0 checker. Outside local mode the expectations must
// come from a pinned config file; in local mode the snapshot's own schema
// hash is accepted so developers can run without operator config.
func loadChecker(path string, local bool, state invariant.SnapshotState) (*invariant.Checker, error) {
	cfg := invariant.DefaultCheckerConfig()
	switch {
	case path != "":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read invariants: %w", err)
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse invariants %s: %w", path, err)
		}
	case local:
		cfg.ExpectedSchemaHash = state.SchemaHash
	default:
		return nil, fmt.Errorf("-invariants is required outside local mode")
	}
	return invariant.NewChecker(cfg)
}

func loadRules(path string) (*rules.Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules: %w", err)
	}
	var ruleSet []rules.Rule
	if err := json.Unmarshal(data, &ruleSet); err != nil {
		return nil, fmt.Errorf("parse rules %s: %w", path, err)
	}
	if len(ruleSet) == 0 {
		return nil, fmt.Errorf("rule set %s is empty", path)
	}

	registry, err := rules.NewRegistry()
	if err != nil {
		return nil, err
	}
	for _, r := range ruleSet {
		if err := registry.Register(r); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

func breakerConfig(cfg config.Config) breaker.Config {
	bc := breaker.DefaultConfig()
	bc.Threshold = cfg.CircuitBreakerThreshold
	bc.WindowHours = cfg.CircuitBreakerWindowHours
	bc.Cooldown = cfg.BreakerCooldown()
	return bc
}
