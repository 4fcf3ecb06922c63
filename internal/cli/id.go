package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/forkful/docsync/pkg/docid"
)

type idView struct {
	ID  string `json:"id" yaml:"id"`
	URI string `json:"uri" yaml:"uri"`
}

func newIDCommand(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "id",
		Short: "Generate and validate document ids",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "new",
		Short: "Print a fresh document id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return printID(cmd.OutOrStdout(), o.output, docid.Generate())
		},
	}, &cobra.Command{
		Use:   "check <id>",
		Short: "Validate an id or automerge: URI",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := docid.ParseAny(args[0])
			if err != nil {
				return err
			}
			return printID(cmd.OutOrStdout(), o.output, id)
		},
	})
	return cmd
}

func printID(w io.Writer, format string, id docid.ID) error {
	v := idView{ID: id.String(), URI: id.URI()}
	return render(w, format, v, func(w io.Writer) error {
		_, err := fmt.Fprintln(w, v.ID)
		return err
	})
}
