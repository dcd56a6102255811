package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"forge.dev/engine/internal/cache"
	"forge.dev/engine/internal/engine"
	"forge.dev/engine/internal/pathglobs"
	"forge.dev/engine/internal/process"
	"forge.dev/engine/internal/rule"
	"forge.dev/engine/internal/snapshot"
	"forge.dev/engine/internal/store"
)

// commandSpec is the input value of the exec subcommand's root request.
type commandSpec struct {
	Argv        []string          `json:"argv"`
	Env         map[string]string `json:"env"`
	InputGlobs  []string          `json:"inputGlobs"`
	OutputFiles []string          `json:"outputFiles"`
	OutputDirs  []string          `json:"outputDirs"`
	WorkingDir  string            `json:"workingDir"`
	Timeout     time.Duration     `json:"timeout"`
	NoCache     bool              `json:"noCache"`
}

// commandResult is what the exec subcommand renders.
type commandResult struct {
	ExitCode    int
	Stdout      []byte
	Stderr      []byte
	OutputFiles []string
	Cached      bool
}

// ExecCmd runs one command hermetically through the full engine stack:
// workspace globs are captured as the input snapshot, the process runs in
// a sandbox, and declared outputs land in the content-addressed store.
var ExecCmd = &cobra.Command{
	Use:   "exec [flags] -- <argv...>",
	Short: "Run a command hermetically and cache the result",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runExec,
}

func init() {
	flags := ExecCmd.Flags()
	flags.StringArray("input-glob", nil, "workspace glob captured into the sandbox (repeatable)")
	flags.StringArray("output-file", nil, "file captured from the sandbox after exit (repeatable)")
	flags.StringArray("output-dir", nil, "directory captured from the sandbox after exit (repeatable)")
	flags.StringToString("env", nil, "environment the process sees, e.g. --env PATH=/usr/bin")
	flags.String("workdir", "", "working directory relative to the sandbox root")
	flags.Duration("timeout", 0, "wall-clock limit for the process (0 = unbounded)")
	flags.Bool("no-cache", false, "always execute, never consult or fill the caches")
}

// executeRule is the one registered rule of the exec command: it turns a
// commandSpec into a commandResult, going through the snapshot and
// process intrinsics.
func executeRule(st store.Store) *rule.Rule {
	return &rule.Rule{
		Name:   "execute-command",
		Output: rule.TypeOf[commandResult](),
		Params: []rule.TypeID{rule.TypeOf[commandSpec]()},
		Gets: []rule.Demand{
			{Output: rule.TypeOf[snapshot.Snapshot](), Input: rule.TypeOf[pathglobs.PathGlobs]()},
			{Output: rule.TypeOf[process.Result](), Input: rule.TypeOf[process.Request]()},
		},
		Body: func(ctx context.Context, g rule.Getter, params []any) (any, error) {
			spec := params[0].(commandSpec)

			opts := []process.RequestOption{
				process.WithEnv(spec.Env),
				process.WithOutputFiles(spec.OutputFiles...),
				process.WithOutputDirectories(spec.OutputDirs...),
				process.WithWorkingDirectory(spec.WorkingDir),
				process.WithTimeout(spec.Timeout),
				process.WithDescription(strings.Join(spec.Argv, " ")),
			}
			if spec.NoCache {
				opts = append(opts, process.WithCacheScope(process.CacheNever))
			}
			if len(spec.InputGlobs) > 0 {
				input, err := rule.Get[snapshot.Snapshot](ctx, g,
					pathglobs.NewPathGlobs(spec.InputGlobs...).WithOrigin("--input-glob"))
				if err != nil {
					return nil, err
				}
				opts = append(opts, process.WithInput(input.Digest()))
			}
			req, err := process.NewRequest(spec.Argv, opts...)
			if err != nil {
				return nil, err
			}

			result, err := rule.Get[process.Result](ctx, g, req)
			if err != nil {
				return nil, err
			}

			stdout, err := loadBytes(ctx, st, result.StdoutDigest)
			if err != nil {
				return nil, err
			}
			stderr, err := loadBytes(ctx, st, result.StderrDigest)
			if err != nil {
				return nil, err
			}
			outputs, err := snapshot.FromDigest(ctx, st, result.OutputDigest)
			if err != nil {
				return nil, err
			}
			return commandResult{
				ExitCode:    result.ExitCode,
				Stdout:      stdout,
				Stderr:      stderr,
				OutputFiles: outputs.Files(),
				Cached:      result.Metadata["cached"] == "true",
			}, nil
		},
	}
}

func runExec(cmd *cobra.Command, argv []string) error {
	ctx := cmd.Context()
	opts := Root.Options

	cacheRoot := opts.GetString("cache-root", defaultCacheRoot())
	cas, err := store.NewCAS(cacheRoot)
	if err != nil {
		return err
	}
	defer func() { _ = cas.Close() }()

	actionCache, err := cache.NewActionCache(cache.WithLocalRoot(cacheRoot))
	if err != nil {
		return err
	}

	executorOpts := []process.ExecutorOption{process.WithActionCache(actionCache)}
	if opts.GetBool("keep-sandboxes", false) {
		executorOpts = append(executorOpts, process.WithKeepSandboxes())
	}
	executor := process.NewExecutor(cas, executorOpts...)

	reg := rule.NewRegistry().
		Register(executeRule(cas)).
		RegisterQuery(rule.Query{
			Output: rule.TypeOf[commandResult](),
			Inputs: []rule.TypeID{rule.TypeOf[commandSpec]()},
		})
	graph, err := engine.RegisterIntrinsics(reg).Validate()
	if err != nil {
		return err
	}

	engineOpts := []engine.Option{engine.WithWorkspace(opts.GetString("workspace", "."))}
	if workers := opts.GetInt("workers", 0); workers > 0 {
		engineOpts = append(engineOpts, engine.WithWorkers(workers))
	}
	eng, err := engine.New(ctx, graph, cas, executor, engineOpts...)
	if err != nil {
		return err
	}
	defer func() { _ = eng.Close() }()

	spec, err := specFromFlags(cmd, argv)
	if err != nil {
		return err
	}

	session := eng.NewSession(ctx)
	result, err := engine.Request[commandResult](session, spec)
	if err != nil {
		return err
	}

	_, _ = cmd.OutOrStdout().Write(result.Stdout)
	_, _ = cmd.ErrOrStderr().Write(result.Stderr)
	if len(result.OutputFiles) > 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "captured outputs:\n")
		for _, f := range result.OutputFiles {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", f)
		}
	}
	if result.Cached {
		fmt.Fprintln(cmd.ErrOrStderr(), "(served from cache)")
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("command exited with code %d", result.ExitCode)
	}
	return nil
}

func specFromFlags(cmd *cobra.Command, argv []string) (commandSpec, error) {
	flags := cmd.Flags()
	inputGlobs, err := flags.GetStringArray("input-glob")
	if err != nil {
		return commandSpec{}, err
	}
	outputFiles, err := flags.GetStringArray("output-file")
	if err != nil {
		return commandSpec{}, err
	}
	outputDirs, err := flags.GetStringArray("output-dir")
	if err != nil {
		return commandSpec{}, err
	}
	env, err := flags.GetStringToString("env")
	if err != nil {
		return commandSpec{}, err
	}
	workdir, err := flags.GetString("workdir")
	if err != nil {
		return commandSpec{}, err
	}
	timeout, err := flags.GetDuration("timeout")
	if err != nil {
		return commandSpec{}, err
	}
	noCache, err := flags.GetBool("no-cache")
	if err != nil {
		return commandSpec{}, err
	}
	return commandSpec{
		Argv:        argv,
		Env:         env,
		InputGlobs:  inputGlobs,
		OutputFiles: outputFiles,
		OutputDirs:  outputDirs,
		WorkingDir:  workdir,
		Timeout:     timeout,
		NoCache:     noCache,
	}, nil
}
