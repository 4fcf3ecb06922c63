package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/forkful/docsync"
	"github.com/forkful/docsync/pkg/docid"
)

type groupView struct {
	Ref    string `json:"ref" yaml:"ref"`
	Name   string `json:"name" yaml:"name"`
	ID     string `json:"id" yaml:"id"`
	Active bool   `json:"active,omitempty" yaml:"active,omitempty"`
}

func groupViews(c *docsync.Client, refs []docsync.GroupRef) []groupView {
	active, hasActive := c.ActiveGroup()
	out := make([]groupView, 0, len(refs))
	for _, ref := range refs {
		out = append(out, groupView{
			Ref:    ref.Ref,
			Name:   ref.Name,
			ID:     ref.Group.String(),
			Active: hasActive && active.Ref == ref.Ref,
		})
	}
	return out
}

func groupsText(w io.Writer, groups []groupView) error {
	if len(groups) == 0 {
		_, err := fmt.Fprintln(w, "groups:   (none)")
		return err
	}
	fmt.Fprintln(w, "groups:")
	for _, g := range groups {
		mark := " "
		if g.Active {
			mark = "*"
		}
		fmt.Fprintf(w, "%s %-26s %-20s %s\n", mark, g.Ref, g.Name, g.ID)
	}
	return nil
}

func newGroupsCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "groups",
		Short: "List the groups of the identity",
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
			if err := a.waitReady(ctx); err != nil {
				return err
			}
			refs, err := a.client.Groups()
			if err != nil {
				return err
			}
			views := groupViews(a.client, refs)
			return render(cmd.OutOrStdout(), o.output, views, func(w io.Writer) error {
				return groupsText(w, views)
			})
		},
	}
}

func newGroupCommand(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "group",
		Short: "Create, join or leave groups",
	}
	cmd.AddCommand(
		groupAction(o, "create <name>", "Create a group and add it to the identity",
			func(cmd *cobra.Command, a *app, arg string) (docsync.GroupRef, error) {
				return a.client.CreateGroup(cmd.Context(), arg)
			}),
		groupAction(o, "join <id>", "Add an existing group to the identity",
			func(cmd *cobra.Command, a *app, arg string) (docsync.GroupRef, error) {
				id, err := docid.ParseAny(arg)
				if err != nil {
					return docsync.GroupRef{}, err
				}
				return a.client.JoinGroup(cmd.Context(), id)
			}),
		groupAction(o, "leave <id>", "Remove a group from the identity",
			func(cmd *cobra.Command, a *app, arg string) (docsync.GroupRef, error) {
				id, err := docid.ParseAny(arg)
				if err != nil {
					return docsync.GroupRef{}, err
				}
				return docsync.GroupRef{Group: id}, a.client.LeaveGroup(cmd.Context(), id)
			}),
	)
	return cmd
}

func groupAction(o *options, use, short string, fn func(*cobra.Command, *app, string) (docsync.GroupRef, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
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
			if err := a.waitReady(ctx); err != nil {
				return err
			}
			ref, err := fn(cmd, a, args[0])
			if err != nil {
				return err
			}
			v := groupView{Ref: ref.Ref, Name: ref.Name, ID: ref.Group.String()}
			return render(cmd.OutOrStdout(), o.output, v, func(w io.Writer) error {
				return groupsText(w, []groupView{v})
			})
		},
	}
}
