package commands

import (
	"fmt"

	"github.com/openfroyo/stackforge/pkg/adapters"
	"github.com/openfroyo/stackforge/pkg/engine"
	"github.com/openfroyo/stackforge/pkg/telemetry"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newValidateCommand(getEnv func() *env) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <url>",
		Short: "Resolve a deployment and check it against the policies",
		Long: `Validate fetches the deployment and every model it imports, checks their
schema, resolves all instances and runs the policy checks. Nothing is
translated or written.`,
		Example: `  # Validate a local deployment
  forge validate deploy/prod.yaml

  # Validate with extra policies and the JSON Schema engine
  forge validate --policy ./policies --schema-engine jsonschema https://example.com/prod.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e := getEnv()
			result, err := e.compiler(nil).Validate(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d instances resolved\n", args[0], result.Registry.Len())
			return nil
		},
	}
}

func newTranslateCommand(getEnv func() *env) *cobra.Command {
	return &cobra.Command{
		Use:   "translate <url>",
		Short: "Compile a deployment into target artifacts",
		Long: `Translate compiles the deployment for --target and writes the artifacts to
--output. The output directory is cleared first, and only after the
compile succeeded.`,
		Example: `  # Compose project in ./build
  forge translate deploy/prod.yaml

  # Kubernetes manifests with a private registry
  forge translate --target k8s --registry registry.local:5000 -o manifests deploy/prod.yaml

  # Artifacts from a WASM adapter plugin
  forge translate --target wasm:plugins/nomad.yaml deploy/prod.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e := getEnv()
			ctx := cmd.Context()

			adapter, release, err := e.adapter(ctx, adapters.Config{})
			if err != nil {
				return err
			}
			defer release()

			opts := e.options()
			result, err := e.compiler(adapter).Compile(ctx, args[0], opts)
			if err != nil {
				return err
			}
			if err := engine.WriteArtifacts(opts.OutputDir, result.Artifacts); err != nil {
				return err
			}
			_ = telemetry.EventsFromContext(ctx).PublishArtifactsWritten(result.ID, opts.OutputDir, len(result.Artifacts))
			e.written(ctx, result)

			printArtifacts(cmd, result, opts.OutputDir)
			return nil
		},
	}
}

// newApplyCommand builds deploy or undeploy.
func newApplyCommand(getEnv func() *env, command string) *cobra.Command {
	var remote adapters.Config

	short := "Compile a deployment and apply it to the target"
	if command == "undeploy" {
		short = "Compile a deployment and remove it from the target"
	}

	cmd := &cobra.Command{
		Use:   command + " <url>",
		Short: short,
		Long: fmt.Sprintf(`The %[1]s command compiles the deployment, writes the artifacts to
--output and runs the target's %[1]s step: "docker compose" for compose,
"kubectl" for k8s, or the command a WASM plugin asks for.

With --host the artifacts are copied to the host over SFTP and the
command runs there over SSH.`, command),
		Example: fmt.Sprintf(`  # Local docker compose
  forge %[1]s deploy/prod.yaml

  # Compose on a remote docker host
  forge %[1]s --host deploy@edge-1 --key ~/.ssh/edge deploy/prod.yaml`, command),
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e := getEnv()
			ctx := cmd.Context()

			adapter, release, err := e.adapter(ctx, remote)
			if err != nil {
				return err
			}
			defer release()

			log.Info().
				Str("url", args[0]).
				Str("target", adapter.Name()).
				Msg("Applying deployment")

			compiler := e.compiler(adapter)
			opts := e.options()
			var result *engine.Result
			if command == "undeploy" {
				result, err = compiler.Undeploy(ctx, args[0], opts)
			} else {
				result, err = compiler.Deploy(ctx, args[0], opts)
			}
			if result != nil {
				e.written(ctx, result)
			}
			if err != nil {
				return err
			}

			printArtifacts(cmd, result, opts.OutputDir)
			return nil
		},
	}

	cmd.Flags().StringVar(&remote.Host, "host", "", "run the "+command+" command on [user@]host[:port] over SSH")
	cmd.Flags().StringVar(&remote.KeyPath, "key", "", "private key for --host (default: ~/.ssh/id_*)")
	cmd.Flags().StringVar(&remote.RemoteDir, "remote-dir", "", "remote parent directory for artifacts (default: ~/.forge)")

	return cmd
}

func printArtifacts(cmd *cobra.Command, result *engine.Result, dir string) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Wrote %d artifacts to %s (compile %s)\n", len(result.Artifacts), dir, result.ID)
	for _, a := range result.Artifacts {
		fmt.Fprintf(out, "  %s\n", a.FileName())
	}
}
