package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/michael-beebe/shmemvv/internal/config"
	"github.com/michael-beebe/shmemvv/internal/suites"
)

// ListOptions holds flags for the list command.
type ListOptions struct {
	*RootOptions
	Plan   string
	Filter string
}

// CaseInfo describes one registered case.
type CaseInfo struct {
	Group   string   `json:"group"`
	Name    string   `json:"name"`
	MinPEs  int      `json:"min_pes,omitempty"`
	Op      string   `json:"op,omitempty"`
	Shapes  []string `json:"shapes,omitempty"`
	Reduced bool     `json:"reduced,omitempty"`
}

// NewListCommand creates the list command.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ListOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the registered test cases",
		Long: `List the registered test cases by suite, after applying --filter and
the plan's include patterns.

Examples:
  shmemvv list
  shmemvv list --filter "shmem_team_*" --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Plan, "plan", "", "plan file (.yaml or .cue)")
	cmd.Flags().StringVar(&opts.Filter, "filter", "", "list only cases matching a glob pattern")

	return cmd
}

func runList(opts *ListOptions, cmd *cobra.Command) error {
	var plan *config.Plan
	if opts.Plan != "" {
		p, err := config.LoadPlan(opts.Plan)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to load plan", err)
		}
		plan = p
	}

	infos := []CaseInfo{}
	for _, g := range suites.Groups() {
		cases, err := suites.Select(g.Cases, opts.Filter, plan)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to select cases", err)
		}
		for _, c := range cases {
			info := CaseInfo{Group: g.Name, Name: c.Name, MinPEs: c.MinPEs, Op: c.Op, Reduced: c.Reduced}
			for _, k := range c.Shapes {
				info.Shapes = append(info.Shapes, k.String())
			}
			infos = append(infos, info)
		}
	}

	if opts.Format == "json" {
		formatter := &OutputFormatter{Format: "json", Writer: cmd.OutOrStdout()}
		return formatter.Success(infos)
	}

	out := cmd.OutOrStdout()
	group := ""
	for _, info := range infos {
		if info.Group != group {
			group = info.Group
			fmt.Fprintln(out, group)
		}
		var notes []string
		if info.MinPEs > 1 {
			notes = append(notes, fmt.Sprintf("min %d PEs", info.MinPEs))
		}
		if len(info.Shapes) > 0 {
			notes = append(notes, fmt.Sprintf("%d shapes", len(info.Shapes)))
		}
		if info.Reduced {
			notes = append(notes, "reduced")
		}
		if len(notes) == 0 {
			fmt.Fprintf(out, "  %s\n", info.Name)
			continue
		}
		fmt.Fprintf(out, "  %-28s %s\n", info.Name, strings.Join(notes, ", "))
	}
	return nil
}
