package commands

import (
	"fmt"
	"os"

	"github.com/openfroyo/stackforge/pkg/engine"
	"github.com/openfroyo/stackforge/pkg/errdefs"
	"github.com/spf13/cobra"
)

func newGraphCommand(getEnv func() *env) *cobra.Command {
	var dotFile string

	cmd := &cobra.Command{
		Use:   "graph <url>",
		Short: "Render the translation order of the root composite as DOT",
		Example: `  # Render with graphviz
  forge graph deploy/prod.yaml | dot -Tsvg > prod.svg`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := getEnv().compiler(nil).Validate(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			root, ok := result.Root.(*engine.CompositeInstance)
			if !ok {
				return errdefs.Newf(errdefs.KindUnsupportedValue, "%s deploys a basic component; only composites have a graph", args[0]).
					WithPath(result.Root.Info().Path())
			}

			dot, err := engine.ToDOT(root)
			if err != nil {
				return err
			}
			if dotFile != "" {
				return os.WriteFile(dotFile, []byte(dot), 0644)
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), dot)
			return err
		},
	}

	cmd.Flags().StringVar(&dotFile, "dot", "", "write the graph to a file instead of stdout")

	return cmd
}
