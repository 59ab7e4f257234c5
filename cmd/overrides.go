package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/spf13/cobra"

	"github.com/ziadkadry99/contentintel/internal/override"
)

var (
	overridesType string
	overridesAt   string
)

var overridesCmd = &cobra.Command{
	Use:   "overrides",
	Short: "Show rule overrides in effect",
	RunE: func(cmd *cobra.Command, args []string) error {
		filter := override.ActiveFilter{OverrideType: overridesType}
		if overridesAt != "" {
			at, err := time.Parse(time.RFC3339, overridesAt)
			if err != nil {
				return errors.Wrap(err, "--at must be RFC 3339")
			}
			filter.At = at
		}

		svc, done, err := localServices()
		if err != nil {
			return err
		}
		defer done()

		active, err := svc.Overrides.ListActive(context.Background(), filter)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(active) == 0 {
			fmt.Fprintln(out, "no active overrides")
			return nil
		}
		for _, o := range active {
			until := "open-ended"
			if o.EffectiveTo != nil {
				until = o.EffectiveTo.UTC().Format(time.RFC3339)
			}
			fmt.Fprintf(out, "%s  %-20s feedback=%s  from=%s  until=%s\n",
				o.ID, o.OverrideType, o.FeedbackEventID,
				o.EffectiveFrom.UTC().Format(time.RFC3339), until)
		}
		return nil
	},
}

func init() {
	overridesCmd.Flags().StringVar(&overridesType, "type", "", "only overrides of this type")
	overridesCmd.Flags().StringVar(&overridesAt, "at", "", "evaluate at this RFC 3339 time instead of now")
	rootCmd.AddCommand(overridesCmd)
}
