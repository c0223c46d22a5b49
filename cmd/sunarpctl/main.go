package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"sunarp-console/internal/analyses"
	"sunarp-console/internal/bootstrap"
	"sunarp-console/internal/polling"
	"sunarp-console/internal/registry"
	"sunarp-console/internal/shared/config"
	"sunarp-console/internal/shared/metrics"
)

const usage = `usage: sunarpctl [-metrics] <command> [flags]

commands:
  login -email E -password P
  logout
  create -office O -folio F [-area A]
  get <id>
  list [-page N] [-per-page N] [-status S]
  watch <id>
  cancel <id>
  delete <id>
  download <id>
`

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	os.Exit(run(ctx, cfg, bootstrap.Overrides{}, os.Args[1:], os.Stdout, os.Stderr))
}

type cli struct {
	app *bootstrap.App
	out io.Writer
}

func run(ctx context.Context, cfg config.Config, o bootstrap.Overrides, args []string, stdout, stderr io.Writer) int {
	global := flag.NewFlagSet("sunarpctl", flag.ContinueOnError)
	global.SetOutput(stderr)
	global.Usage = func() { fmt.Fprint(stderr, usage) }
	showMetrics := global.Bool("metrics", false, "print client metrics after the command")
	if err := global.Parse(args); err != nil {
		return 1
	}
	rest := global.Args()
	if len(rest) == 0 {
		global.Usage()
		return 1
	}

	app, err := bootstrap.BuildWith(ctx, cfg, o)
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 1
	}
	c := &cli{app: app, out: stdout}

	err = c.dispatch(ctx, rest[0], rest[1:], stderr)
	if *showMetrics {
		fmt.Fprint(stdout, metrics.Render())
	}
	if err != nil {
		fmt.Fprintln(stderr, describe(err))
		return 1
	}
	return 0
}

func (c *cli) dispatch(ctx context.Context, cmd string, args []string, stderr io.Writer) error {
	switch cmd {
	case "login":
		return c.login(ctx, args, stderr)
	case "logout":
		return c.app.Session.SignOut()
	case "create":
		return c.create(ctx, args, stderr)
	case "get":
		return c.withID(args, func(id string) error { return c.get(ctx, id) })
	case "list":
		return c.list(ctx, args, stderr)
	case "watch":
		return c.withID(args, func(id string) error { return c.watch(ctx, id) })
	case "cancel":
		return c.withID(args, func(id string) error { return c.cancel(ctx, id) })
	case "delete":
		return c.withID(args, func(id string) error { return c.remove(ctx, id) })
	case "download":
		return c.withID(args, func(id string) error { return c.download(ctx, id) })
	default:
		fmt.Fprint(stderr, usage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func (c *cli) withID(args []string, fn func(string) error) error {
	if len(args) != 1 || strings.TrimSpace(args[0]) == "" {
		return &analyses.ValidationError{Field: "id", Message: "exactly one analysis id is required"}
	}
	return fn(strings.TrimSpace(args[0]))
}

func (c *cli) login(ctx context.Context, args []string, stderr io.Writer) error {
	fs := flag.NewFlagSet("login", flag.ContinueOnError)
	fs.SetOutput(stderr)
	email := fs.String("email", "", "account email")
	password := fs.String("password", "", "account password")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := c.app.Registry.Login(ctx, *email, *password); err != nil {
		return err
	}
	me, err := c.app.Registry.Me(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "signed in as %s\n", me.Email)
	return nil
}

func (c *cli) create(ctx context.Context, args []string, stderr io.Writer) error {
	fs := flag.NewFlagSet("create", flag.ContinueOnError)
	fs.SetOutput(stderr)
	office := fs.String("office", "", "registry office, e.g. LIMA")
	folio := fs.String("folio", "", "registry folio number")
	area := fs.String("area", "", "registry area (default "+analyses.DefaultRegistryArea+")")
	if err := fs.Parse(args); err != nil {
		return err
	}
	created, err := c.app.Coordinator.Create(ctx, *office, *folio, *area)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%s\t%s\t%s/%s\n", created.ID, created.Status, created.Office, created.Folio)
	return nil
}

func (c *cli) get(ctx context.Context, id string) error {
	a, err := c.app.Coordinator.Analysis(ctx, id)
	if err != nil {
		return err
	}
	printAnalysis(c.out, a, time.Now())
	return nil
}

func (c *cli) list(ctx context.Context, args []string, stderr io.Writer) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	fs.SetOutput(stderr)
	page := fs.Int("page", 1, "page number")
	perPage := fs.Int("per-page", c.app.Config.PageSize, "items per page")
	status := fs.String("status", "", "filter by status")
	if err := fs.Parse(args); err != nil {
		return err
	}
	p := analyses.ListParams{Page: *page, PerPage: *perPage}
	if *status != "" {
		st, err := analyses.ParseStatus(*status)
		if err != nil {
			return err
		}
		p.Status = st
	}
	result, err := c.app.Coordinator.List(ctx, p)
	if err != nil {
		return err
	}
	for _, s := range result.Items {
		fmt.Fprintf(c.out, "%s\t%-10s\t%s/%s\t%s\n", s.ID, s.Status, s.Office, s.Folio, s.CreatedAt.Format(time.RFC3339))
	}
	fmt.Fprintf(c.out, "page %d, %d per page, %d total\n", result.Pagination.Page, result.Pagination.PerPage, result.Pagination.Total)
	return nil
}

func (c *cli) watch(ctx context.Context, id string) error {
	if err := c.app.FollowSession(ctx); err != nil {
		fmt.Fprintln(c.out, "warning: session changes in other terminals will not be seen:", err)
	}
	printed := 0
	sub := c.app.Watch(ctx, id, func(u polling.Update) {
		if u.Err != nil {
			fmt.Fprintf(c.out, "poll failed: %s\n", describe(u.Err))
			return
		}
		events := u.Analysis.ProgressEvents()
		for _, line := range events[min(printed, len(events)):] {
			fmt.Fprintf(c.out, "  %s\n", line)
		}
		printed = max(printed, len(events))
		fmt.Fprintf(c.out, "%s\t%s\t%s\n", u.Analysis.ID, u.Analysis.Status, u.Analysis.Elapsed(time.Now()))
	})
	defer sub.Close()

	select {
	case <-sub.Done():
	case <-ctx.Done():
		sub.Close()
		<-sub.Done()
	}
	if last, ok := sub.Last(); ok && last.Status.IsTerminal() {
		printAnalysis(c.out, last, time.Now())
		return nil
	}
	if err := sub.Err(); err != nil {
		return err
	}
	return ctx.Err()
}

func (c *cli) cancel(ctx context.Context, id string) error {
	a, err := c.app.Coordinator.Cancel(ctx, id)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%s\t%s\n", a.ID, a.Status)
	return nil
}

func (c *cli) remove(ctx context.Context, id string) error {
	if err := c.app.Coordinator.Delete(ctx, id); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "deleted %s\n", id)
	return nil
}

func (c *cli) download(ctx context.Context, id string) error {
	h, err := c.app.Download(ctx, id)
	if err != nil {
		return err
	}
	defer h.Release()
	pages := "unknown"
	if h.Info.Pages > 0 {
		pages = fmt.Sprint(h.Info.Pages)
	}
	fmt.Fprintf(c.out, "saved %s (%d bytes, %s pages)\n", h.Saved.Location, h.Saved.SizeBytes, pages)
	return nil
}

func printAnalysis(w io.Writer, a analyses.Analysis, now time.Time) {
	fmt.Fprintf(w, "id:       %s\n", a.ID)
	fmt.Fprintf(w, "office:   %s\n", a.Office)
	fmt.Fprintf(w, "folio:    %s\n", a.Folio)
	fmt.Fprintf(w, "status:   %s\n", a.Status)
	fmt.Fprintf(w, "elapsed:  %s\n", a.Elapsed(now))
	switch a.Status {
	case analyses.StatusCompleted:
		if a.TotalEntries != nil {
			fmt.Fprintf(w, "entries:  %d\n", *a.TotalEntries)
		}
		fmt.Fprintf(w, "liens:    %d (%d in force)\n", len(a.Encumbrances), a.InForceCount())
		if a.HasArtifact() {
			fmt.Fprintln(w, "document: available")
		}
	case analyses.StatusFailed:
		if a.ErrorMessage != nil {
			fmt.Fprintf(w, "error:    %s\n", *a.ErrorMessage)
		}
	default:
		for _, line := range a.ProgressEvents() {
			fmt.Fprintf(w, "  %s\n", line)
		}
	}
}

// describe turns an error into the message shown to the user.
func describe(err error) string {
	var ve *analyses.ValidationError
	var se *analyses.StateError
	switch {
	case errors.As(err, &ve):
		return "invalid input: " + ve.Error()
	case errors.As(err, &se):
		return "not allowed: " + se.Error()
	case errors.Is(err, analyses.ErrAlreadyInProgress):
		return "conflict: an analysis for this folio is already in progress"
	case errors.Is(err, analyses.ErrInvalidState):
		return "conflict: the server rejected the request for the current status"
	case errors.Is(err, analyses.ErrNotFound):
		return "not found: " + err.Error()
	case errors.Is(err, analyses.ErrNoArtifact):
		return "no document available for this analysis"
	case errors.Is(err, analyses.ErrUnauthorized):
		return "session expired, run sunarpctl login"
	case errors.Is(err, analyses.ErrTransient):
		if wait, ok := registry.RetryAfter(err); ok {
			return fmt.Sprintf("registry busy, retry in %s", wait)
		}
		return "registry unavailable, try again: " + err.Error()
	default:
		return "error: " + err.Error()
	}
}
