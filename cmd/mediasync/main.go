package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	"mediasync/internal/api"
	"mediasync/internal/catalog"
	"mediasync/internal/config"
	"mediasync/internal/logging"
	"mediasync/internal/state"
)

var Version = "dev"

func usage() {
	fmt.Fprintf(os.Stderr, `usage: mediasync <command> [args]

commands:
  upload <medium-id> <path>...   upload files or folders to a medium
  watch  <medium-id> <dir>       watch a folder and upload new files
`)
	os.Exit(2)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}

	if err := run(os.Args[1], os.Args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(command string, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("mediasync starting",
		slog.String("version", Version),
		slog.String("command", command),
		slog.String("device", cfg.DeviceName),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	appState, err := state.Open(cfg.StateDir)
	if err != nil {
		return fmt.Errorf("opening state: %w", err)
	}
	defer appState.Close()

	client := api.NewClient(cfg.APIBaseURL, cfg.APIToken, logger, nil)

	watchHost, err := resolveWatchHost(cfg)
	if err != nil {
		return err
	}

	app := &app{
		cfg:       cfg,
		logger:    logger,
		state:     appState,
		client:    client,
		watchHost: watchHost,
		stdin:     bufio.NewReader(os.Stdin),
	}

	switch command {
	case "upload":
		if len(args) < 2 {
			usage()
		}
		return app.upload(ctx, args[0], args[1:])
	case "watch":
		if len(args) != 2 {
			usage()
		}
		return app.watch(ctx, args[0], args[1])
	default:
		usage()
		return nil
	}
}

// resolveWatchHost picks the event stream host: explicit config wins,
// otherwise the API host serves both.
func resolveWatchHost(cfg *config.Config) (string, error) {
	if cfg.WatchHost != "" {
		return cfg.WatchHost, nil
	}

	u, err := url.Parse(cfg.APIBaseURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("deriving watch host from MEDIASYNC_API_URL %q: %w", cfg.APIBaseURL, err)
	}

	return u.Host, nil
}

type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	state     *state.State
	client    *api.Client
	watchHost string
	stdin     *bufio.Reader
}

func (a *app) newOrchestrator() *catalog.Orchestrator {
	openWatch := func(ctx context.Context, mediumID string) (catalog.ReplicaWatch, error) {
		return a.client.Watch(ctx, a.watchHost, mediumID)
	}

	orch := catalog.NewOrchestrator(a.client, openWatch, a.logger)
	go a.answerConflicts(orch.Conflicts())

	return orch
}

// answerConflicts resolves destination conflicts from the terminal.
// Runs for the life of the process; uploads block on their own
// conflict until it is answered.
func (a *app) answerConflicts(conflicts <-chan *catalog.Conflict) {
	for c := range conflicts {
		detail := ""
		if c.Existing != nil {
			detail = fmt.Sprintf(" (existing: %s, %d bytes)", c.Existing.Name, c.Existing.Size)
		}

		if a.cfg.AssumeYes {
			a.logger.Info("overwriting existing object",
				slog.String("name", c.Draft.Name))
			c.Overwrite()
			continue
		}

		if a.promptYesNo(fmt.Sprintf("%q already exists at the destination%s. Overwrite?", c.Draft.Name, detail)) {
			c.Overwrite()
		} else {
			c.Cancel()
		}
	}
}

func (a *app) promptYesNo(question string) bool {
	fmt.Fprintf(os.Stderr, "%s [y/N] ", question)

	line, err := a.stdin.ReadString('\n')
	if err != nil {
		return false
	}

	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	default:
		return false
	}
}

// confirmRemoval is the pre-commit gate for replicas marked removed.
func (a *app) confirmRemoval(ctx context.Context, removed []*api.Replica) (deleteObjects, proceed bool, err error) {
	if err := ctx.Err(); err != nil {
		return false, false, err
	}

	names := make([]string, 0, len(removed))
	for _, r := range removed {
		names = append(names, r.Name)
	}

	if a.cfg.AssumeYes {
		a.logger.Info("detaching removed replicas",
			slog.Int("count", len(removed)),
			slog.String("names", strings.Join(names, ", ")))
		return false, true, nil
	}

	fmt.Fprintf(os.Stderr, "About to remove %d replica(s): %s\n", len(removed), strings.Join(names, ", "))
	if !a.promptYesNo("Proceed?") {
		return false, false, nil
	}

	deleteObjects = a.promptYesNo("Also delete the underlying objects from storage?")

	return deleteObjects, true, nil
}

func (a *app) upload(ctx context.Context, mediumID string, paths []string) error {
	medium, err := a.client.GetMedium(ctx, mediumID)
	if err != nil {
		return fmt.Errorf("fetching medium: %w", err)
	}

	a.logger.Info("medium loaded",
		slog.String("id", medium.ID),
		slog.String("title", medium.Title),
		slog.Int("replicas", len(medium.Replicas)),
	)

	intake := catalog.NewIntake(a.logger)
	prober := catalog.NewProber(a.state, a.logger)

	sel, err := intake.Collect(ctx, paths, catalog.IntakeOptions{Flatten: true})
	if err != nil {
		return fmt.Errorf("collecting files: %w", err)
	}
	for _, ie := range sel.Errors {
		a.logger.Warn("skipped during intake",
			slog.String("path", ie.Path),
			slog.String("error", ie.Err.Error()))
	}
	if len(sel.Files) == 0 {
		return fmt.Errorf("no uploadable files under %s", strings.Join(paths, ", "))
	}

	drafts, errFiles := intake.BuildDrafts(ctx, sel.Files, prober)
	for _, ie := range errFiles {
		a.logger.Warn("file problem",
			slog.String("path", ie.Path),
			slog.String("error", ie.Err.Error()))
	}
	if len(drafts) == 0 {
		return fmt.Errorf("no drafts could be built")
	}

	list := catalog.NewDraftList(medium.Replicas)
	list.Append(drafts...)

	if errs := list.Validate(); len(errs) > 0 {
		for _, e := range errs {
			fmt.Fprintf(os.Stderr, "invalid: %v\n", e)
		}
		return fmt.Errorf("batch failed validation")
	}

	orch := a.newOrchestrator()
	orch.Store().Subscribe(func(s catalog.BatchState) {
		a.logger.Debug("batch state changed", slog.Int("tracked", s.Len()))
	})

	results, err := orch.UploadBatch(ctx, mediumID, a.cfg.Container, list)
	if err != nil {
		return fmt.Errorf("uploading batch: %w", err)
	}

	reportResults(a.logger, results)

	reconciler := catalog.NewReconciler(a.client, a.state, a.logger)
	if err := reconciler.Commit(ctx, medium, list, results, a.confirmRemoval); err != nil {
		return fmt.Errorf("committing batch: %w", err)
	}

	a.logger.Info("batch committed", slog.String("medium", mediumID))

	return nil
}

// watch mirrors a folder into the medium: every settled new file is
// uploaded as its own single-draft batch and committed immediately.
func (a *app) watch(ctx context.Context, mediumID, dir string) error {
	intake := catalog.NewIntake(a.logger)
	prober := catalog.NewProber(a.state, a.logger)
	watcher := catalog.NewIngestWatcher(dir, intake, prober, a.logger)
	orch := a.newOrchestrator()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return watcher.Watch(gctx)
	})

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case draft := <-watcher.Drafts:
				if err := a.uploadDraft(gctx, orch, mediumID, draft); err != nil {
					a.logger.Warn("ingest upload failed",
						slog.String("name", draft.Name),
						slog.String("error", err.Error()))
				}
			}
		}
	})

	return g.Wait()
}

func (a *app) uploadDraft(ctx context.Context, orch *catalog.Orchestrator, mediumID string, draft *catalog.ReplicaDraft) error {
	medium, err := a.client.GetMedium(ctx, mediumID)
	if err != nil {
		return fmt.Errorf("fetching medium: %w", err)
	}

	list := catalog.NewDraftList(medium.Replicas)
	list.Append(draft)

	if errs := list.Validate(); len(errs) > 0 {
		return fmt.Errorf("draft invalid: %v", errs[0])
	}

	results, err := orch.UploadBatch(ctx, mediumID, a.cfg.Container, list)
	if err != nil {
		return fmt.Errorf("uploading: %w", err)
	}

	reportResults(a.logger, results)

	reconciler := catalog.NewReconciler(a.client, a.state, a.logger)
	if err := reconciler.Commit(ctx, medium, list, results, a.confirmRemoval); err != nil {
		return fmt.Errorf("committing: %w", err)
	}

	return nil
}

func reportResults(logger *slog.Logger, results []catalog.UploadResult) {
	var done, aborted, failed int

	for _, r := range results {
		switch r.Status {
		case catalog.StatusDone:
			done++
		case catalog.StatusAborted:
			aborted++
			if r.Draft != nil {
				logger.Info("upload aborted", slog.String("name", r.Draft.Name))
			}
		case catalog.StatusError:
			failed++
			if r.Draft != nil && r.Err != nil {
				logger.Warn("upload failed",
					slog.String("name", r.Draft.Name),
					slog.String("error", r.Err.Error()))
			}
		}
	}

	logger.Info("batch finished",
		slog.Int("done", done),
		slog.Int("aborted", aborted),
		slog.Int("failed", failed),
	)
}
