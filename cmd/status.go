package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/NamanBalaji/leech/internal/repository"
	"github.com/NamanBalaji/leech/pkg/torrent"
)

func newStatusCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "List stored resume data",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			repo, err := root.openRepository()
			if err != nil {
				return err
			}
			defer repo.Close()

			records, err := repo.FindAll()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(records) == 0 {
				fmt.Fprintln(out, "No resume data stored")
				return nil
			}

			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tPIECES\tVERIFIED\tUPDATED\tINFO HASH")

			for _, r := range records {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.Name, pieceSummary(r),
					humanize.IBytes(uint64(verifiedBytes(r))), humanize.Time(r.UpdatedAt), r.InfoHash)
			}

			return tw.Flush()
		},
	}
}

func newForgetCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "forget <info-hash>",
		Short: "Delete the stored resume data of a torrent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := root.openRepository()
			if err != nil {
				return err
			}
			defer repo.Close()

			if err := repo.Delete(args[0]); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Forgot %s\n", args[0])

			return nil
		},
	}
}

func pieceSummary(r *repository.Record) string {
	if r.State == nil {
		return "-"
	}

	bf, err := torrent.NewBitfieldFromBytes(r.State.Bitfield, r.State.NumPieces)
	if err != nil {
		return "invalid"
	}

	return fmt.Sprintf("%d/%d", bf.Count(), bf.Len())
}

func verifiedBytes(r *repository.Record) int64 {
	if r.State == nil {
		return 0
	}

	var n int64
	for _, c := range r.State.FileCompleted {
		n += c
	}
	return n
}
