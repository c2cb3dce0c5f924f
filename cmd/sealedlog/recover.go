package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"sealedlog/internal/eventlog"
	"sealedlog/internal/recorder"
)

var recoverCmd = &cobra.Command{
	Use:   "recover [DIR...]",
	Short: "Finish sessions left behind by a crashed recorder",
	Long: `Scan for binary event logs whose recorder died before writing them out,
append their events to the session log as encrypted lines and delete them.

Without arguments the configured recorder.scan_dirs (or log.dir) are scanned.
Logs still held by a running recorder are skipped.`,
	RunE: runRecover,
}

func init() {
	rootCmd.AddCommand(recoverCmd)
}

func runRecover(cmd *cobra.Command, args []string) error {
	a, err := setup()
	if err != nil {
		return err
	}
	defer a.close()

	cfg := a.cfg.Clone()
	if len(args) > 0 {
		cfg.Recorder.ScanDirs = args
	}

	report := eventlog.Recover(cfg, a.deps())
	printReport(cmd, report)

	if n := len(report.Failed); n > 0 {
		return fmt.Errorf("%d session(s) could not be recovered", n)
	}
	return nil
}

func printReport(cmd *cobra.Command, report recorder.Report) {
	out := cmd.OutOrStdout()
	for _, r := range report.Recovered {
		fmt.Fprintf(out, "recovered %s (%d lines)\n", r.LogPath, r.Lines)
	}
	for _, s := range report.Skipped {
		fmt.Fprintf(out, "skipped   %s: %s\n", s.Path, s.Reason)
	}
	for _, f := range report.Failed {
		fmt.Fprintf(out, "failed    %s: %v\n", f.Path, f.Err)
	}
	if len(report.Recovered)+len(report.Skipped)+len(report.Failed) == 0 {
		fmt.Fprintln(out, "nothing to recover")
	}
}
