package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Paintersrp/warden/internal/resources"
)

func newImagesCmd(ctx *context) *cobra.Command {
	return &cobra.Command{
		Use:   "images",
		Short: "List the images available to the configured backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := ctx.loadConfig(cmd)
			if err != nil {
				return err
			}
			store, err := imageStore(doc)
			if err != nil {
				return err
			}
			images, err := store.List()
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "NAME\tREF\tSIZE\n")
			for _, img := range images {
				size := "-"
				if img.Size > 0 {
					size = resources.FormatSize(uint64(img.Size))
				}
				marker := ""
				if img.Name == doc.Child.Image {
					marker = " *"
				}
				fmt.Fprintf(w, "%s%s\t%s\t%s\n", img.Name, marker, img.Ref, size)
			}
			return w.Flush()
		},
	}
}
