package commands

import (
	"context"
	"sync"

	"github.com/openfroyo/stackforge/pkg/adapters"
	"github.com/openfroyo/stackforge/pkg/engine"
	"github.com/openfroyo/stackforge/pkg/fetch"
	"github.com/openfroyo/stackforge/pkg/policy"
	"github.com/openfroyo/stackforge/pkg/telemetry"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newWatchCommand(getEnv func() *env, flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch <url>",
		Short: "Translate a deployment again whenever one of its local files changes",
		Long: `Watch translates the deployment, then watches every local document the
compile read and the --policy paths. A change to a document recompiles;
a change to a policy reloads the policies. Failed compiles are logged and
the previous artifacts are kept. Prometheus metrics are served on
--metrics-addr.`,
		Example: `  forge watch --target k8s -o manifests deploy/prod.yaml`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e := getEnv()
			ctx := cmd.Context()
			url := args[0]

			adapter, release, err := e.adapter(ctx, adapters.Config{})
			if err != nil {
				return err
			}
			defer release()

			e.tel.Events.Subscribe(func(ev telemetry.Event) {
				e.logger.Info().
					Str("event", ev.Type).
					Str("compile_id", ev.CompileID).
					Str("path", ev.Path).
					Msg(ev.Message)
			}, telemetry.FilterByType(
				telemetry.EventTypeSourceChanged,
				telemetry.EventTypeArtifactsWritten,
				telemetry.EventTypePolicyWarning,
			))

			compiler := e.compiler(adapter)
			opts := e.options()
			// Source and policy changes rebuild from different goroutines.
			var mu sync.Mutex
			rebuild := func(ctx context.Context) []string {
				mu.Lock()
				defer mu.Unlock()

				e.fetcher.Reset()
				result, err := compiler.Compile(ctx, url, opts)
				if err != nil {
					// The compiler logged the failure; keep watching what was read.
					return e.fetcher.LocalFiles()
				}
				if err := engine.WriteArtifacts(opts.OutputDir, result.Artifacts); err != nil {
					e.logger.Error().Err(err).Str("dir", opts.OutputDir).Msg("Failed to write artifacts")
					return e.fetcher.LocalFiles()
				}
				_ = e.tel.Events.PublishArtifactsWritten(result.ID, opts.OutputDir, len(result.Artifacts))
				e.written(ctx, result)
				return e.fetcher.LocalFiles()
			}

			files := rebuild(ctx)
			if len(files) == 0 {
				e.logger.Warn().Str("url", url).Msg("No local files to watch")
			}

			if len(e.flags.policyDirs) > 0 {
				loader := policy.NewLoader(e.logger)
				err := loader.Watch(ctx, e.flags.policyDirs, func(policies []policy.Policy) error {
					if err := e.policy.ReloadPolicies(ctx, policies); err != nil {
						return err
					}
					rebuild(ctx)
					return nil
				})
				if err != nil {
					return err
				}
			}

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return e.tel.Metrics.Serve(ctx)
			})
			g.Go(func() error {
				return fetch.NewWatcher(e.logger).Run(ctx, files, rebuild)
			})
			return g.Wait()
		},
	}

	cmd.Flags().StringVar(&flags.metricsAddr, "metrics-addr", ":9090", "address serving Prometheus metrics")

	return cmd
}
