package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/wolfman30/govbook/internal/api/router"
	"github.com/wolfman30/govbook/internal/observability/metrics"
	"github.com/wolfman30/govbook/internal/queue"
	"github.com/wolfman30/govbook/internal/realtime"
	"github.com/wolfman30/govbook/internal/receipts"
	"github.com/wolfman30/govbook/internal/reservation"
	"github.com/wolfman30/govbook/internal/session"
	"github.com/wolfman30/govbook/pkg/logging"
)

// Exit codes for `govbook book`.
const (
	exitRejected         = 2
	exitTransportFailure = 3
	exitNoSlot           = 4
)

var errSessionEnded = errors.New("session ended before a slot was chosen")

type bookOptions struct {
	department string
	service    string
	date       string
	slot       string
	notes      string
	wait       time.Duration
}

func bookCmd() *cobra.Command {
	var o bookOptions
	cmd := &cobra.Command{
		Use:   "book",
		Short: "Watch a service's live queue and reserve a slot",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBook(cmd, o)
		},
	}
	cmd.Flags().StringVar(&o.department, "department", "", "department id")
	cmd.Flags().StringVar(&o.service, "service", "", "service id")
	cmd.Flags().StringVar(&o.date, "date", "", "appointment date (YYYY-MM-DD, default today)")
	cmd.Flags().StringVar(&o.slot, "slot", "", "time slot label; default is the first available")
	cmd.Flags().StringVar(&o.notes, "notes", "", "notes for the office")
	cmd.Flags().DurationVar(&o.wait, "wait", 30*time.Second, "how long to wait for a matching slot")
	_ = cmd.MarkFlagRequired("department")
	_ = cmd.MarkFlagRequired("service")
	return cmd
}

func runBook(cmd *cobra.Command, o bookOptions) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt := newRuntime(ctx)
	defer rt.Close()
	out := cmd.OutOrStdout()
	if o.date == "" {
		o.date = time.Now().Format(time.DateOnly)
	}

	reg := prometheus.NewRegistry()
	bookingMetrics := metrics.NewBookingMetrics(reg)
	registry := session.NewRegistry()

	var slots session.SlotFetcher
	if rt.cfg.ColdStartSlots {
		slots = rt.api
	}
	sess := session.New(session.Options{
		SocketURL:         rt.cfg.SocketURL,
		Dialer:            realtime.GorillaDialer{},
		Tokens:            rt.tokens,
		Slots:             slots,
		SubmitTimeout:     rt.cfg.SubmitTimeout,
		DialTimeout:       rt.cfg.DialTimeout,
		WriteTimeout:      rt.cfg.WriteTimeout,
		ReconnectAttempts: rt.cfg.ReconnectAttempts,
		ReconnectBackoff:  rt.cfg.ReconnectBackoff,
		Logger:            rt.logger,
		Metrics:           bookingMetrics,
	})
	registry.Track(sess)
	defer func() {
		if !sess.State().Terminal() {
			sess.Abandon()
		}
	}()

	if rt.cfg.StatusAddr != "" {
		srv := startStatusServer(rt.cfg.StatusAddr, &router.Config{
			Logger:         rt.logger,
			MetricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			Sessions:       registry,
			AllowedOrigins: rt.cfg.StatusOrigins,
		}, rt.logger)
		defer shutdownStatusServer(srv, rt.logger)
	}

	updates := make(chan struct{}, 1)
	slotHandle := sess.OnSlotUpdate(func(t *queue.SlotTable) {
		printTable(out, t)
		select {
		case updates <- struct{}{}:
		default:
		}
	})
	defer slotHandle.Dispose()
	stateHandle := sess.OnStateChange(func(c session.Change) {
		rt.logger.Debug("session state changed", "from", c.From, "to", c.To)
	})
	defer stateHandle.Dispose()

	name := o.service
	if svc, err := rt.api.GetService(ctx, o.service); err == nil && svc.Name != "" {
		name = svc.Name
	}

	if err := sess.Begin(ctx); err != nil {
		return err
	}
	ref := session.ServiceRef{DepartmentID: o.department, ServiceID: o.service, ServiceName: name}
	if err := sess.SelectService(ctx, ref, o.date); err != nil {
		return err
	}
	fmt.Fprintf(out, "watching %s on %s\n", name, o.date)

	pending, err := chooseAndConfirm(ctx, sess, updates, o)
	if err != nil {
		if errors.Is(err, errSessionEnded) || errors.Is(err, context.DeadlineExceeded) {
			if outcome, ok := sess.Outcome(); ok {
				return &exitError{code: exitTransportFailure, msg: outcome.String()}
			}
			return &exitError{code: exitNoSlot, msg: "no matching slot became available"}
		}
		return err
	}
	fmt.Fprintf(out, "submitting %s %s...\n", o.date, pending.Request().AppointmentTime)

	select {
	case <-sess.Done():
	case <-ctx.Done():
		fmt.Fprintln(out, "interrupted; abandoning the submission")
		sess.Abandon()
	}
	waitCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	outcome, err := pending.Wait(waitCtx)
	cancel()
	if err != nil {
		return err
	}

	user, err := currentUser(context.Background(), rt.tokens)
	if err != nil {
		user = "local"
	}
	receipt := receipts.FromOutcome(sess.ID(), name, pending.Request(), outcome)
	if err := rt.receipts.Append(context.Background(), user, receipt); err != nil {
		rt.logger.Warn("failed to record receipt", "error", err)
	}
	return reportOutcome(out, outcome)
}

// chooseAndConfirm waits for a usable slot and submits it. A slot that goes
// stale between choosing and confirming sends the loop back to waiting.
func chooseAndConfirm(ctx context.Context, sess *session.Session, updates <-chan struct{}, o bookOptions) (*reservation.Pending, error) {
	ctx, cancel := context.WithTimeout(ctx, o.wait)
	defer cancel()
	for {
		label, err := waitForSlot(ctx, sess.Table, updates, sess.Done(), o.slot)
		if err != nil {
			return nil, err
		}
		if err := sess.ChooseSlot(label); err != nil {
			if retryable(sess, err) {
				continue
			}
			return nil, err
		}
		pending, err := sess.Confirm(ctx, o.notes)
		if err != nil && retryable(sess, err) {
			continue
		}
		return pending, err
	}
}

// retryable reports whether the session is back to watching the queue, either
// because the slot went stale or because a reconnect re-subscribed.
func retryable(sess *session.Session, err error) bool {
	if errors.Is(err, reservation.ErrInvalidSlot) {
		return true
	}
	return errors.Is(err, session.ErrInvalidTransition) && sess.State() == session.StateSubscribed
}

func waitForSlot(ctx context.Context, table func() *queue.SlotTable, updates <-chan struct{}, done <-chan struct{}, want string) (string, error) {
	for {
		if label, ok := pickSlot(table(), want); ok {
			return label, nil
		}
		select {
		case <-updates:
		case <-done:
			return "", errSessionEnded
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// pickSlot returns want if it is available, or the first available slot
// when want is empty.
func pickSlot(t *queue.SlotTable, want string) (string, bool) {
	if want != "" {
		s, ok := t.Get(want)
		return want, ok && s.IsAvailable
	}
	avail := t.Available()
	if len(avail) == 0 {
		return "", false
	}
	return avail[0].Time, true
}

func printTable(w io.Writer, t *queue.SlotTable) {
	fmt.Fprintf(w, "\n%s %s (%s, gen %d)\n", t.ServiceID, t.Date, t.Source, t.Generation)
	for _, s := range t.Slots() {
		mark := " "
		if !s.IsAvailable {
			mark = "x"
		}
		fmt.Fprintf(w, "  [%s] %-8s %d/%d\n", mark, s.Time, s.CurrentQueueSize, s.MaxCapacity)
	}
}

func reportOutcome(w io.Writer, o reservation.Outcome) error {
	switch o.Kind {
	case reservation.OutcomeConfirmed:
		fmt.Fprintf(w, "confirmed for %s at %s\n", o.AppointmentDate, o.AppointmentTime)
		if o.ContactReference != "" {
			fmt.Fprintf(w, "contact reference: %s\n", o.ContactReference)
		}
		if o.AppointmentID != "" {
			fmt.Fprintf(w, "appointment id: %s\n", o.AppointmentID)
		}
		return nil
	case reservation.OutcomeRejected:
		return &exitError{code: exitRejected, msg: o.String()}
	default:
		return &exitError{
			code: exitTransportFailure,
			msg:  o.String() + "\nthe booking may or may not have been made; run `govbook appointments` or contact the office",
		}
	}
}

func startStatusServer(addr string, cfg *router.Config, logger *logging.Logger) *http.Server {
	srv := &http.Server{
		Addr:         addr,
		Handler:      router.New(cfg),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info("status server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("status server error", "error", err)
		}
	}()
	return srv
}

func shutdownStatusServer(srv *http.Server, logger *logging.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("status server forced to shutdown", "error", err)
	}
}
