package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/unkn0wn-root/casorm/config"
	"github.com/unkn0wn-root/casorm/region"
)

func newRegionCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "region",
		Short: "Maintain cache regions",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List configured regions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			return listRegions(opts, cmd.OutOrStdout(), cfg)
		},
	})

	var class, id string
	evict := &cobra.Command{
		Use:   "evict <region>",
		Short: "Evict one cached entity row",
		Long: `Evict the row of --class with identifier --id from a region.

The identifier is given in its key form, e.g. "ID=42" or "OrderID=7,Line=1".`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegion(cmd.Context(), opts, args[0], func(ctx context.Context, r region.Region) error {
				k := region.EntityKey{Class: class, ID: id}
				if err := r.Evict(ctx, k); err != nil {
					return err
				}
				return opts.print(cmd.OutOrStdout(),
					map[string]string{"region": r.Name(), "evicted": k.String()},
					fmt.Sprintf("evicted %s from %s", k, r.Name()))
			})
		},
	}
	evict.Flags().StringVar(&class, "class", "", "entity class name")
	evict.Flags().StringVar(&id, "id", "", "entity identifier, e.g. ID=42")
	_ = evict.MarkFlagRequired("class")
	_ = evict.MarkFlagRequired("id")
	cmd.AddCommand(evict)

	cmd.AddCommand(&cobra.Command{
		Use:   "evict-all <region>",
		Short: "Evict every entry of a region",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegion(cmd.Context(), opts, args[0], func(ctx context.Context, r region.Region) error {
				if err := r.EvictAll(ctx); err != nil {
					return err
				}
				return opts.print(cmd.OutOrStdout(),
					map[string]string{"region": r.Name(), "evicted": "all"},
					fmt.Sprintf("evicted all of %s", r.Name()))
			})
		},
	})
	return cmd
}

func listRegions(opts *RootOptions, w io.Writer, cfg *config.Config) error {
	type row struct {
		Name     string `json:"name"`
		Provider string `json:"provider"`
		Codec    string `json:"codec"`
		Shared   bool   `json:"shared"`
		TTL      string `json:"ttl"`
	}
	rows := make([]row, len(cfg.Regions))
	text := ""
	for i, r := range cfg.Regions {
		rows[i] = row{r.Name, r.Provider, r.Codec, r.Shared, r.TTL.String()}
		if i > 0 {
			text += "\n"
		}
		text += fmt.Sprintf("%-16s %-10s %-8s shared=%-5t ttl=%s", r.Name, r.Provider, r.Codec, r.Shared, r.TTL)
	}
	return opts.print(w, rows, text)
}

// withRegion builds the runtime, runs fn against the named region and
// closes everything. Evicting from a process-local region only affects
// this process, so such regions are refused.
func withRegion(ctx context.Context, opts *RootOptions, name string, fn func(context.Context, region.Region) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := opts.load()
	if err != nil {
		return err
	}
	rc, ok := cfg.Region(name)
	if !ok {
		return &ExitError{Code: ExitCommandError, Err: fmt.Errorf("unknown region %q", name)}
	}
	if !rc.Shared && rc.Provider != "redis" {
		return &ExitError{Code: ExitCommandError, Err: fmt.Errorf("region %q is process-local; evict it from the owning process", name)}
	}

	rt, err := config.Build(ctx, cfg, config.BuildOptions{Output: io.Discard})
	if err != nil {
		return &ExitError{Code: ExitCommandError, Err: err}
	}
	defer rt.Close(ctx)

	r, _ := rt.Region(name)
	return fn(ctx, r)
}
