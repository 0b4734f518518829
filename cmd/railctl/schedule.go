package main

import (
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/rocketbitz/multirail/scheduler"
)

type planView struct {
	Size    int          `yaml:"size"`
	Stripes []stripeView `yaml:"stripes"`
}

type stripeView struct {
	Rail   int `yaml:"rail"`
	Offset int `yaml:"offset"`
	Length int `yaml:"length"`
}

func newScheduleCmd(a *app) *cobra.Command {
	var (
		rails  int
		output string
	)
	cmd := &cobra.Command{
		Use:   "schedule <size>...",
		Short: "Print the striping plan for each message size",
		Long: `schedule runs the rail scheduler over the given message sizes in order, so
consecutive plans show the starting rail rotating.

Examples:
  railctl schedule 4096 1048576
  railctl schedule --rails 4 -o yaml 300000 300000`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			numRails := a.cfg.Engine.NumRails
			if cmd.Flags().Changed("rails") {
				numRails = rails
			}
			sched, err := scheduler.New(scheduler.Config{
				MaxRails:            numRails,
				MinStripeSize:       a.cfg.Engine.MinStripeSize,
				RoundRobinThreshold: a.cfg.Engine.RoundRobinThreshold,
			})
			if err != nil {
				return err
			}
			defer sched.Close()

			views := make([]planView, 0, len(args))
			for _, arg := range args {
				size, err := strconv.Atoi(arg)
				if err != nil || size < 0 {
					return fmt.Errorf("invalid message size %q", arg)
				}
				plan, err := sched.Schedule(size, numRails)
				if err != nil {
					return err
				}
				v := planView{Size: size}
				for _, s := range plan.Stripes {
					v.Stripes = append(v.Stripes, stripeView(s))
				}
				sched.Release(plan)
				views = append(views, v)
			}

			out := cmd.OutOrStdout()
			switch output {
			case "yaml":
				enc := yaml.NewEncoder(out)
				defer enc.Close()
				return enc.Encode(views)
			case "table":
				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "SIZE\tSTRIPE\tRAIL\tOFFSET\tLENGTH")
				for _, v := range views {
					for i, s := range v.Stripes {
						fmt.Fprintf(w, "%d\t%d\t%d\t%d\t%d\n", v.Size, i, s.Rail, s.Offset, s.Length)
					}
				}
				return w.Flush()
			default:
				return fmt.Errorf("unknown output format %q", output)
			}
		},
	}
	cmd.Flags().IntVar(&rails, "rails", 0, "Number of data rails (overrides engine.num_rails)")
	cmd.Flags().StringVarP(&output, "output", "o", "table", "Output format: table, yaml")
	return cmd
}
