package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/forkful/docsync"
)

var errInvalidJSON = errors.New("value is not valid JSON")

// entityValue decodes a stored value when it is JSON.
func entityValue(b []byte) any {
	var v any
	if err := json.Unmarshal(b, &v); err == nil {
		return v
	}
	return string(b)
}

func newEntityCommand(o *options) *cobra.Command {
	var group string

	// withRole opens the client, selects the group and waits for the
	// role's document to be local.
	withRole := func(cmd *cobra.Command, roleName string, fn func(ctx context.Context, a *app, role docsync.Role) error) (err error) {
		role, err := docsync.ParseRole(roleName)
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
		if err := a.waitReady(ctx); err != nil {
			return err
		}
		if group != "" {
			if err := a.client.SetActiveGroup(group); err != nil {
				return err
			}
		}
		if err := a.client.Await(ctx, role); err != nil {
			return err
		}
		return fn(ctx, a, role)
	}

	cmd := &cobra.Command{
		Use:   "entity",
		Short: "Read and edit entity documents",
		Long: `Read and edit the entities of a role: log, dishes, mealplans or shopping.
Shared roles address the active group; pick one with --group when the
identity has more than one.`,
	}
	cmd.PersistentFlags().StringVarP(&group, "group", "g", "", "group ref for shared roles")

	cmd.AddCommand(&cobra.Command{
		Use:   "list <role>",
		Short: "Print every entity of a role",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRole(cmd, args[0], func(ctx context.Context, a *app, role docsync.Role) error {
				ents, err := a.client.Read(ctx, role)
				if err != nil {
					return err
				}
				v := make(map[string]any, len(ents))
				for k, b := range ents {
					v[k] = entityValue(b)
				}
				return render(cmd.OutOrStdout(), o.output, v, func(w io.Writer) error {
					for _, k := range ents.Keys() {
						fmt.Fprintf(w, "%s\t%s\n", k, ents[k])
					}
					return nil
				})
			})
		},
	}, &cobra.Command{
		Use:   "put <role> <key> <json>",
		Short: "Set one entity to a JSON value",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			value := []byte(args[2])
			if !json.Valid(value) {
				return fmt.Errorf("%w: %s", errInvalidJSON, args[2])
			}
			return withRole(cmd, args[0], func(ctx context.Context, a *app, role docsync.Role) error {
				return a.client.Mutate(ctx, role, func(m *docsync.Mutation) error {
					m.Put(args[1], value)
					return nil
				})
			})
		},
	}, &cobra.Command{
		Use:   "delete <role> <key>",
		Short: "Remove one entity",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRole(cmd, args[0], func(ctx context.Context, a *app, role docsync.Role) error {
				return a.client.Mutate(ctx, role, func(m *docsync.Mutation) error {
					m.Delete(args[1])
					return nil
				})
			})
		},
	})
	return cmd
}
