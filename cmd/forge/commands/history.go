package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/openfroyo/stackforge/pkg/errdefs"
	"github.com/spf13/cobra"
)

func newHistoryCommand(getEnv func() *env) *cobra.Command {
	var (
		limit     int
		artifacts string
		prune     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent compilations recorded with --state",
		Example: `  forge history --state forge.db
  forge history --state forge.db --artifacts 6f1c2d0e-...
  forge history --state forge.db --prune 720h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e := getEnv()
			ctx := cmd.Context()
			if e.store == nil {
				return errdefs.New(errdefs.KindMissingAttribute, "history needs --state").WithAttribute("state")
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			defer w.Flush()

			if prune > 0 {
				n, err := e.store.DeleteCompilationsBefore(ctx, time.Now().Add(-prune))
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "Pruned %d compilations\n", n)
				return nil
			}

			if artifacts != "" {
				list, err := e.store.ListArtifacts(ctx, artifacts)
				if err != nil {
					return err
				}
				fmt.Fprintln(w, "PATH\tTYPE\tSIZE\tSHA256")
				for _, a := range list {
					fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", a.Path, a.Type, a.Size, a.SHA256)
				}
				return nil
			}

			list, err := e.store.ListCompilations(ctx, limit, 0)
			if err != nil {
				return err
			}
			fmt.Fprintln(w, "ID\tSTARTED\tCOMMAND\tTARGET\tSTATUS\tARTIFACTS\tURL")
			for _, c := range list {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
					c.ID, c.StartedAt.Local().Format(time.DateTime), c.Command, c.Target, c.Status, c.ArtifactCount, c.URL)
				if c.Error != nil {
					path := ""
					if c.ErrorPath != nil {
						path = *c.ErrorPath + ": "
					}
					fmt.Fprintf(w, "\t\t\t\t\t\t%s%s\n", path, *c.Error)
				}
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of compilations to list")
	cmd.Flags().StringVar(&artifacts, "artifacts", "", "list the artifacts of one compilation")
	cmd.Flags().DurationVar(&prune, "prune", 0, "delete compilations older than this instead of listing")

	return cmd
}
