package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/jpfielding/mpojoin.go/pkg/mpf"
	"github.com/jpfielding/mpojoin.go/pkg/mpo"
	"github.com/spf13/cobra"
)

// NewInspectCmd verifies an MPO written by mpojoin and prints both records.
func NewInspectCmd(ctx context.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect <file.mpo>",
		Short: "verify an MPO and print its MPF records",
		Long:  "Re-scans both embedded images of an MPO, checks alignment, offsets and sizes, and prints the decoded MPF records.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read file: %w", err)
			}
			v, err := mpo.Verify(data)
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			switch format, _ := cmd.Flags().GetString("format"); format {
			case "json":
				j, _ := json.Marshal(struct {
					File         string            `json:"file"`
					FirstRecord  int64             `json:"first_record"`
					SecondStart  int64             `json:"second_start"`
					SecondRecord int64             `json:"second_record"`
					First        *mpf.FirstRecord  `json:"first"`
					Second       *mpf.SecondRecord `json:"second"`
				}{args[0], v.FirstRecord, v.SecondStart, v.SecondRecord, v.First, v.Second})
				fmt.Fprintln(cmd.OutOrStdout(), string(j))
			default:
				printVerification(cmd.OutOrStdout(), args[0], v)
			}
			return nil
		},
	}
	pf := cmd.PersistentFlags()
	pf.StringP("format", "f", "text", "output format (text|json)")
	return cmd
}

func printVerification(w io.Writer, path string, v *mpo.Verification) {
	fmt.Fprintf(w, "%s: %d images\n", path, v.First.NumberOfImages)
	for i, e := range v.First.Entries {
		fmt.Fprintf(w, "  image %d: attribute %08X size %d offset %d\n", i+1, e.Attribute, e.Size, e.Offset)
	}
	fmt.Fprintf(w, "  image 2 at %d, convergence %.1f, baseline %.3f\n",
		v.SecondStart, v.Second.Convergence.Float64(), v.Second.Baseline.Float64())
	printSummary(w, "first record", v.FirstRecord, v.FirstSummary)
	printSummary(w, "second record", v.SecondRecord, v.SecondSummary)
}

func printSummary(w io.Writer, title string, at int64, s *mpf.Summary) {
	fmt.Fprintf(w, "%s at %d\n", title, at)
	for _, f := range s.Index {
		fmt.Fprintf(w, "  %s\n", f)
	}
	for _, f := range s.Attributes {
		fmt.Fprintf(w, "    %s\n", f)
	}
}
