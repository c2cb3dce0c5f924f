package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"sealedlog/internal/config"
	"sealedlog/internal/eventbin"
	"sealedlog/internal/eventlog"
	"sealedlog/internal/health"
	"sealedlog/internal/logging"
)

// keyPrefix marks an input line that is a key event rather than text.
const keyPrefix = "key:"

var recordFlags struct {
	base      string
	noRecover bool
}

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record stdin into an encrypted session log",
	Long: `Read lines from stdin until EOF or interrupt and write each one to
{log.dir}/{base}{log.ext} as a sealed envelope.

Lines of the form

  key:<delta_ms>,<key>,<down>,<watermark>,<RRGGBBAA>,<fps>

are recorded as key events. <key> is a key name (Space, A, Mouse0) or a
numeric code and <down> is 1/0, true/false or +/-.

Orphaned sessions from a previous crash are recovered first unless
--no-recover is given.`,
	Args: cobra.NoArgs,
	RunE: runRecord,
}

func init() {
	rootCmd.AddCommand(recordCmd)

	recordCmd.Flags().StringVarP(&recordFlags.base, "base", "b", "", "session base path (relative to log.dir)")
	recordCmd.Flags().BoolVar(&recordFlags.noRecover, "no-recover", false, "skip the recovery scan of log directories")
	recordCmd.MarkFlagRequired("base")
}

func runRecord(cmd *cobra.Command, args []string) error {
	a, err := setup()
	if err != nil {
		return err
	}
	defer a.close()

	a.loader.OnChange(func(_, updated *config.Config) {
		logger, err := newLogger(updated)
		if err != nil {
			a.logger.Warn("logging config not applied", "error", err)
			return
		}
		logging.SetDefault(logger)
		a.logger.Info("logging configuration reloaded", "level", updated.Logging.Level)
	})
	if err := a.loader.Watch(); err != nil {
		a.logger.Debug("config watch unavailable", "error", err)
	}

	// Recover before opening so a crashed session at the same base is
	// reconciled rather than overwritten.
	if a.cfg.Recorder.Recovery && !recordFlags.noRecover {
		printReport(cmd, eventlog.Recover(a.cfg, a.deps()))
	}

	l, err := eventlog.Open(a.cfg, recordFlags.base, a.deps())
	if err != nil {
		return err
	}

	checker := health.NewChecker()
	checker.RegisterFunc("session", true, health.SinkCheck(l.Dropped, l.WriteErrors))
	if a.ledger != nil {
		checker.RegisterFunc("ledger", false, health.DatabaseCheck(a.ledger.Ping))
	}
	checker.SetReady(true)

	if a.cfg.Metrics.Enabled && a.cfg.Metrics.Listen != "" {
		stopServer := serveStatus(a, checker)
		defer stopServer()
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	n, readErr := pump(ctx, cmd.InOrStdin(), l, a.logger)

	if err := l.Close(); err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "recorded %d lines to %s (%d dropped)\n", n, l.Path(), l.Dropped())
	return readErr
}

// serveStatus exposes /metrics, /healthz and /livez on the metrics listen
// address and returns a function that shuts the server down.
func serveStatus(a *app, checker *health.Checker) func() {
	mux := http.NewServeMux()
	if a.metrics != nil {
		mux.Handle("/metrics", a.metrics.Handler())
	}
	mux.Handle("/healthz", checker.HealthHandler())
	mux.Handle("/livez", checker.LivenessHandler())

	srv := &http.Server{Addr: a.cfg.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("status server failed", "addr", srv.Addr, "error", err)
		}
	}()
	a.logger.Info("status server listening", "addr", srv.Addr)

	return func() {
		checker.SetReady(false)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
}

// recordTarget is the part of a session pump writes to.
type recordTarget interface {
	Line(text string)
	KeyEvent(ev eventbin.KeyEvent)
}

// pump copies lines from r into the session until EOF or ctx is done.
func pump(ctx context.Context, r io.Reader, t recordTarget, logger *logging.Logger) (int, error) {
	lines := make(chan string)
	done := make(chan error, 1)

	go func() {
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 64*1024), eventbin.MaxLineSize)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				done <- nil
				return
			}
		}
		done <- sc.Err()
	}()

	n := 0
	for {
		select {
		case <-ctx.Done():
			return n, nil
		case err := <-done:
			return n, err
		case line := <-lines:
			if strings.HasPrefix(line, keyPrefix) {
				ev, err := parseKeyLine(line)
				if err != nil {
					logger.Warn("malformed key event recorded as text", "error", err)
					t.Line(line)
				} else {
					t.KeyEvent(ev)
				}
			} else {
				t.Line(line)
			}
			n++
		}
	}
}

// parseKeyLine parses "key:<delta>,<key>,<down>,<wm>,<rrggbbaa>,<fps>".
func parseKeyLine(line string) (eventbin.KeyEvent, error) {
	var ev eventbin.KeyEvent

	fields := strings.Split(strings.TrimPrefix(line, keyPrefix), ",")
	if len(fields) != 6 {
		return ev, fmt.Errorf("key event needs 6 fields, got %d", len(fields))
	}
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}

	delta, err := strconv.ParseInt(fields[0], 10, 32)
	if err != nil {
		return ev, fmt.Errorf("delta: %w", err)
	}
	key, err := eventbin.ParseKeyCode(fields[1])
	if err != nil {
		return ev, err
	}
	down, err := parseDown(fields[2])
	if err != nil {
		return ev, err
	}
	wm, err := strconv.ParseInt(fields[3], 10, 32)
	if err != nil {
		return ev, fmt.Errorf("watermark: %w", err)
	}
	color, err := eventbin.ParseRGBA(fields[4])
	if err != nil {
		return ev, err
	}
	fps, err := strconv.ParseInt(fields[5], 10, 32)
	if err != nil {
		return ev, fmt.Errorf("fps: %w", err)
	}

	return eventbin.KeyEvent{
		DeltaMs:   int32(delta),
		Key:       key,
		Down:      down,
		Watermark: int32(wm),
		Color:     color,
		FPS:       int32(fps),
	}, nil
}

func parseDown(s string) (bool, error) {
	switch s {
	case "+":
		return true, nil
	case "-":
		return false, nil
	}
	down, err := strconv.ParseBool(s)
	if err != nil {
		return false, fmt.Errorf("down: %w", err)
	}
	return down, nil
}
