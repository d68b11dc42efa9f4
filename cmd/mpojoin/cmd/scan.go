package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/jpfielding/mpojoin.go/pkg/marker"
	"github.com/spf13/cobra"
)

// NewScanCmd lists the marker segments of JPEG files and where an MPF
// segment would be inserted.
func NewScanCmd(ctx context.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan <file>...",
		Short: "list JPEG markers and the MPF insertion point",
		Long:  "Walks the marker stream of each JPEG up to EOI and prints every segment with the offset an MPF APP2 segment would be inserted at.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, _ := cmd.Flags().GetString("format")
			maxMarkers, _ := cmd.Flags().GetInt("max-markers")
			sc := &marker.Scanner{MaxMarkers: maxMarkers, Logger: slog.Default()}
			for _, path := range args {
				if err := ctx.Err(); err != nil {
					return err
				}
				res, err := scanFile(sc, path)
				if err != nil {
					return err
				}
				switch format {
				case "json":
					j, _ := json.Marshal(struct {
						File string `json:"file"`
						*marker.Result
					}{path, res})
					fmt.Fprintln(cmd.OutOrStdout(), string(j))
				default:
					printScan(cmd.OutOrStdout(), path, res)
				}
			}
			return nil
		},
	}
	pf := cmd.PersistentFlags()
	pf.StringP("format", "f", "text", "output format (text|json)")
	return cmd
}

func scanFile(sc *marker.Scanner, path string) (*marker.Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()
	res, err := sc.Scan(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return res, nil
}

func printScan(w io.Writer, path string, res *marker.Result) {
	fmt.Fprintln(w, path)
	for _, s := range res.Segments {
		fmt.Fprintf(w, "  %08X %-5s", s.Offset, s.Code.Name())
		if s.Length > 0 {
			fmt.Fprintf(w, " %6d", s.Length)
		}
		if s.Code.IsAPP() {
			fmt.Fprintf(w, " %q", s.SignatureString())
		}
		fmt.Fprintln(w)
	}
	fmt.Fprintf(w, "  insert at %d (after %s)", res.InsertionPoint(), res.Anchor)
	if res.HasMPF {
		fmt.Fprint(w, ", already carries MPF")
	}
	fmt.Fprintln(w)
}
