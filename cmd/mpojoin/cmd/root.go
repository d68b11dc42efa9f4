package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/jpfielding/mpojoin.go/pkg/logging"
	"github.com/jpfielding/mpojoin.go/pkg/mpo"
	"github.com/spf13/cobra"
)

func NewRoot(ctx context.Context, gitsha string) *cobra.Command {
	var logFile io.Closer
	closeLog := func() error {
		if logFile == nil {
			return nil
		}
		err := logFile.Close()
		logFile = nil
		return err
	}
	cmd := &cobra.Command{
		Use:   "mpojoin -l left.jpg -r right.jpg -o pair.mpo",
		Short: "join a left and right JPEG into a stereoscopic MPO",
		Long: "Inserts an MPF APP2 segment into each JPEG and concatenates them, image 2 " +
			"aligned to 16 bytes, into a Multi-Picture Object readable by stereo viewers.",
		Version:      gitsha,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logLevel, _ := cmd.Flags().GetString("log-level")
			logJSON, _ := cmd.Flags().GetBool("log-json")
			logPath, _ := cmd.Flags().GetString("log-file")
			verbose, _ := cmd.Flags().GetBool("verbose")

			// Parse log level
			var level slog.Level
			levelErr := level.UnmarshalText([]byte(strings.ToUpper(logLevel)))
			if levelErr != nil {
				level = slog.LevelInfo
			}
			if verbose {
				level = slog.LevelDebug
			}
			w := cmd.ErrOrStderr()
			if logPath != "" {
				fw := logging.FileWriter(logPath)
				logFile, w = fw, fw
			}
			slog.SetDefault(logging.Logger(w, logJSON, level))

			if levelErr != nil {
				slog.WarnContext(ctx, "Invalid log level, defaulting to INFO", "level", logLevel, "error", levelErr)
			}
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return closeLog()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			var p mpo.Params
			p.Left, _ = cmd.Flags().GetString("left")
			p.Right, _ = cmd.Flags().GetString("right")
			p.Output, _ = cmd.Flags().GetString("output")
			p.Convergence, _ = cmd.Flags().GetInt("convergence")
			p.MaxMarkers, _ = cmd.Flags().GetInt("max-markers")
			p.Verbose, _ = cmd.Flags().GetBool("verbose")
			if p.Convergence < 0 {
				slog.WarnContext(ctx, "negative convergence, using 0", "convergence", p.Convergence)
				p.Convergence = 0
			}
			_, err := mpo.JoinFiles(ctx, p)
			return err
		},
	}
	cmd.AddCommand(
		NewVersionCmd(ctx, gitsha),
		NewScanCmd(ctx),
		NewInspectCmd(ctx),
	)
	// cobra skips the post run hooks when RunE fails
	for _, c := range append(cmd.Commands(), cmd) {
		if run := c.RunE; run != nil {
			c.RunE = func(c *cobra.Command, args []string) error {
				err := run(c, args)
				if err != nil {
					slog.ErrorContext(ctx, "command failed", "command", c.Name(), "error", err)
					closeLog()
				}
				return err
			}
		}
	}
	f := cmd.Flags()
	f.StringP("left", "l", "", "left image (JPEG), stored first")
	f.StringP("right", "r", "", "right image (JPEG)")
	f.StringP("output", "o", "", "MPO file to write")
	f.IntP("convergence", "c", 0, "convergence angle in tenths of a degree (0x and 0 prefixes accepted)")
	cmd.MarkFlagRequired("left")
	cmd.MarkFlagRequired("right")
	cmd.MarkFlagRequired("output")

	pf := cmd.PersistentFlags()
	pf.BoolP("verbose", "v", false, "debug logging, and verify the MPO after writing")
	pf.Int("max-markers", 0, "markers to read before giving up on a missing EOI (0 for the default of 100)")
	pf.String("log-level", "INFO", "Log level (DEBUG, INFO, WARN, ERROR)")
	pf.Bool("log-json", false, "log as json")
	pf.String("log-file", "", "write logs to a rotated file instead of stderr")
	return cmd
}

func NewVersionCmd(ctx context.Context, gitsha string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "git sha for this build",
		Long:  "git sha for this build",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), gitsha)
		},
	}
	return cmd
}
