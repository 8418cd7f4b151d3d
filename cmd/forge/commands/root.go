package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// globalFlags are the persistent flags shared by every command.
type globalFlags struct {
	target        string
	output        string
	storage       string
	registry      string
	verbosity     int
	schemaEngine  string
	policyDirs    []string
	statePath     string
	logFormat     string
	traceExporter string
	traceEndpoint string

	// metricsAddr is set by watch.
	metricsAddr string
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	flags := &globalFlags{}
	var e *env

	rootCmd := &cobra.Command{
		Use:   "forge",
		Short: "stackforge - hierarchical deployment compiler",
		Long: `stackforge compiles a deployment descriptor and the component models it
imports into artifacts for a target platform.

Pipeline:
  - Fetch documents (file, http, https, sftp) and validate their schema
  - Resolve values, instances and connector adjacency
  - Check the resolved instances against Rego policies
  - Translate composites in dependency order through the target adapter
  - Pack, write and optionally apply the artifacts`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			e, err = newEnv(cmd.Context(), cmd.Name(), flags, version)
			if err != nil {
				return err
			}
			cmd.SetContext(e.tel.WithContext(cmd.Context()))
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			return e.close(cmd.Context())
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flags.target, "target", "compose", "target platform: k8s, compose or wasm:<manifest|module>")
	pf.StringVarP(&flags.output, "output", "o", "build", "artifact output directory (cleared on every compile)")
	pf.StringVar(&flags.storage, "storage", "", "default storage URL for permanent volumes")
	pf.StringVar(&flags.registry, "registry", "", "container registry prefixed to sources")
	pf.CountVarP(&flags.verbosity, "verbose", "v", "increase log verbosity (-v info, -vv debug, -vvv trace)")
	pf.StringVar(&flags.schemaEngine, "schema-engine", "cue", "document schema engine: cue or jsonschema")
	pf.StringSliceVar(&flags.policyDirs, "policy", nil, "extra Rego policy files or directories")
	pf.StringVar(&flags.statePath, "state", "", "SQLite file recording compile history")
	pf.StringVar(&flags.logFormat, "log-format", "console", "log format: console or json")
	pf.StringVar(&flags.traceExporter, "trace-exporter", "none", "trace exporter: none, stdout or otlp")
	pf.StringVar(&flags.traceEndpoint, "trace-endpoint", "", "OTLP collector endpoint, e.g. localhost:4317")

	getEnv := func() *env { return e }
	rootCmd.AddCommand(newValidateCommand(getEnv))
	rootCmd.AddCommand(newTranslateCommand(getEnv))
	rootCmd.AddCommand(newApplyCommand(getEnv, "deploy"))
	rootCmd.AddCommand(newApplyCommand(getEnv, "undeploy"))
	rootCmd.AddCommand(newGraphCommand(getEnv))
	rootCmd.AddCommand(newWatchCommand(getEnv, flags))
	rootCmd.AddCommand(newHistoryCommand(getEnv))

	return rootCmd
}
