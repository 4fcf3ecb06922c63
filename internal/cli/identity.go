package cli

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/forkful/docsync"
	"github.com/forkful/docsync/pkg/docid"
)

func newInitCommand(o *options) *cobra.Command {
	var replace bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a new identity on this device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			ctx := cmd.Context()
			a, err := o.open(ctx)
			if err != nil {
				return err
			}
			defer func() {
				if cerr := a.close(ctx); err == nil {
					err = cerr
				}
			}()

			var opts []docsync.RootOption
			if replace {
				opts = append(opts, docsync.WithReplaceRoot())
			}
			root := docid.Generate()
			if err := a.client.SetRoot(ctx, root, docsync.ModeCreate, opts...); err != nil {
				return err
			}
			if err := a.waitReady(ctx); err != nil {
				return err
			}
			return printID(cmd.OutOrStdout(), o.output, root)
		},
	}
	cmd.Flags().BoolVar(&replace, "replace", false, "replace the identity this device already has")
	return cmd
}

func newJoinCommand(o *options) *cobra.Command {
	var replace bool
	cmd := &cobra.Command{
		Use:   "join <id>",
		Short: "Adopt an existing identity on this device",
		Long: `Adopt an existing identity. Documents that are not on this device yet
are fetched from the relay; join fails when they cannot be fetched within
--timeout.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			root, err := docid.ParseAny(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := o.open(ctx)
			if err != nil {
				return err
			}
			defer func() {
				if cerr := a.close(ctx); err == nil {
					err = cerr
				}
			}()

			var opts []docsync.RootOption
			if replace {
				opts = append(opts, docsync.WithReplaceRoot())
			}
			if err := a.client.SetRoot(ctx, root, docsync.ModeJoin, opts...); err != nil {
				return err
			}
			if err := a.waitReady(ctx); err != nil {
				return err
			}
			return printID(cmd.OutOrStdout(), o.output, root)
		},
	}
	cmd.Flags().BoolVar(&replace, "replace", false, "replace the identity this device already has")
	return cmd
}

type statusView struct {
	Root      string            `json:"root" yaml:"root"`
	State     string            `json:"state" yaml:"state"`
	Error     string            `json:"error,omitempty" yaml:"error,omitempty"`
	Sync      string            `json:"sync" yaml:"sync"`
	Attempt   int               `json:"attempt,omitempty" yaml:"attempt,omitempty"`
	Missing   []string          `json:"missing,omitempty" yaml:"missing,omitempty"`
	Documents map[string]string `json:"documents,omitempty" yaml:"documents,omitempty"`
	Groups    []groupView       `json:"groups" yaml:"groups"`
}

func newStatusCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the identity, its groups and the sync state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			ctx := cmd.Context()
			a, err := o.open(ctx)
			if err != nil {
				return err
			}
			defer func() {
				if cerr := a.close(ctx); err == nil {
					err = cerr
				}
			}()

			// a failed load is part of the status
			_ = a.waitReady(ctx)
			v, err := buildStatus(a.client)
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), o.output, v, v.text)
		},
	}
}

func buildStatus(c *docsync.Client) (statusView, error) {
	st, err := c.SyncStatus()
	if err != nil {
		return statusView{}, err
	}
	v := statusView{
		Root:      st.Root.String(),
		State:     c.CurrentState().String(),
		Sync:      st.State.String(),
		Attempt:   st.Attempt,
		Documents: make(map[string]string, len(st.Documents)),
		Groups:    []groupView{},
	}
	if err := c.Err(); err != nil {
		v.Error = err.Error()
	}
	for _, id := range st.Missing {
		v.Missing = append(v.Missing, id.String())
	}
	for id, ds := range st.Documents {
		v.Documents[id.String()] = ds.String()
	}
	if refs, err := c.Groups(); err == nil {
		v.Groups = groupViews(c, refs)
	}
	return v, nil
}

func (v statusView) text(w io.Writer) error {
	fmt.Fprintf(w, "identity: %s\n", v.Root)
	fmt.Fprintf(w, "state:    %s\n", v.State)
	if v.Error != "" {
		fmt.Fprintf(w, "error:    %s\n", v.Error)
	}
	fmt.Fprintf(w, "sync:     %s\n", v.Sync)
	if len(v.Missing) > 0 {
		fmt.Fprintf(w, "missing:  %d document(s)\n", len(v.Missing))
		for _, id := range v.Missing {
			fmt.Fprintf(w, "  %s\n", id)
		}
	}
	if len(v.Documents) > 0 {
		ids := make([]string, 0, len(v.Documents))
		for id := range v.Documents {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		fmt.Fprintln(w, "documents:")
		for _, id := range ids {
			fmt.Fprintf(w, "  %-30s %s\n", id, v.Documents[id])
		}
	}
	return groupsText(w, v.Groups)
}
