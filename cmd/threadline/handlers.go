package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/threadline/threadline/internal/config"
	"github.com/threadline/threadline/internal/logging"
	"github.com/threadline/threadline/internal/scheduler"
	"github.com/threadline/threadline/internal/store"
	"github.com/threadline/threadline/pkg/chain"
	"github.com/threadline/threadline/pkg/ingest"
	"github.com/threadline/threadline/pkg/report"
	"github.com/threadline/threadline/pkg/server"
)

func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		if _, err := os.Stat("config.yaml"); err == nil {
			path = "config.yaml"
		}
	}
	return config.Load(path)
}

// app bundles the wired services behind every command.
type app struct {
	cfg    *config.Config
	store  *store.SQLiteStore
	linker *chain.Linker
	ingest *ingest.Service
	report *report.Aggregator
	log    *slog.Logger
}

func buildApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	log := logging.New(cfg.Logging.Level)

	db, err := store.New(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	linker := chain.New(db, chain.Config{
		LinkThreshold:         cfg.Linker.LinkThreshold,
		MaxGap:                cfg.Linker.ParseMaxGap(),
		ReactivationWindow:    cfg.Linker.ParseReactivationWindow(),
		ReactivationThreshold: cfg.Linker.ReactivationThreshold,
	}, log)

	costs := ingest.CostModel{
		Default: ingest.Rate{
			RequestMicrosPer1K:  cfg.Costs.Default.RequestMicrosPer1K,
			ResponseMicrosPer1K: cfg.Costs.Default.ResponseMicrosPer1K,
		},
	}
	if len(cfg.Costs.Providers) > 0 {
		costs.Providers = make(map[string]ingest.Rate, len(cfg.Costs.Providers))
		for provider, rate := range cfg.Costs.Providers {
			costs.Providers[strings.ToLower(provider)] = ingest.Rate{
				RequestMicrosPer1K:  rate.RequestMicrosPer1K,
				ResponseMicrosPer1K: rate.ResponseMicrosPer1K,
			}
		}
	}

	return &app{
		cfg:    cfg,
		store:  db,
		linker: linker,
		ingest: ingest.New(db, linker, costs, log),
		report: report.New(db),
		log:    log,
	}, nil
}

func runServe(port int, withSweeper bool) error {
	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.store.Close()

	if port == 0 {
		port = a.cfg.Server.Port
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if withSweeper {
		sched := scheduler.New(a.store,
			a.cfg.Sweep.ParseInterval(),
			a.cfg.Linker.ParseMaxGap(),
			a.cfg.Linker.ParseReactivationWindow(),
			a.log,
		)
		go func() {
			if err := sched.Run(ctx); err != nil && ctx.Err() == nil {
				a.log.Error("scheduler error", "error", err)
			}
		}()
	}

	srv := server.New(a.store, a.ingest, a.linker, a.report, a.log, port)
	return srv.Run(ctx)
}

func runIngest(file string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.store.Close()

	var in io.Reader = os.Stdin
	if file != "" {
		f, err := os.Open(file)
		if err != nil {
			return fmt.Errorf("open input %s: %w", file, err)
		}
		defer f.Close()
		in = f
	}

	ctx := context.Background()
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	line, ingested, failed := 0, 0, 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}

		var req ingest.Request
		if err := json.Unmarshal([]byte(text), &req); err != nil {
			a.log.Error("skipping malformed line", "line", line, "error", err)
			failed++
			continue
		}

		result, err := a.ingest.Ingest(ctx, req)
		if err != nil {
			a.log.Error("ingest failed", "line", line, "error", err)
			failed++
			continue
		}
		ingested++
		if result.Duplicate {
			a.log.Info("duplicate skipped", "line", line, "record", result.RecordID)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read input: %w", err)
	}

	fmt.Fprintf(os.Stderr, "ingested %d records (%d failed)\n", ingested, failed)
	return nil
}

func runChains(sourceID, status string, limit int, jsonOutput bool) error {
	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.store.Close()

	chains, err := a.store.ListChains(context.Background(), store.ChainListOpts{
		SourceID: sourceID,
		Status:   status,
		Limit:    limit,
	})
	if err != nil {
		return fmt.Errorf("list chains: %w", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(chains)
	}

	if len(chains) == 0 {
		fmt.Println("no chains found (try ingesting data first: threadline ingest)")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CHAIN\tSOURCE\tSTATUS\tANALYSES\tFIRST\tLAST")
	for _, c := range chains {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			c.ID, c.SourceID, c.Status, c.MemberCount,
			c.FirstAt.Format(time.RFC3339), c.LastAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func runReport(kind, sourceID, scenarioID string, days int, groupBy string, limit int) error {
	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.store.Close()

	ctx := context.Background()
	p := report.Params{
		SourceID:   sourceID,
		ScenarioID: scenarioID,
		Days:       days,
		GroupBy:    groupBy,
		Limit:      limit,
	}

	var out any
	switch kind {
	case "trends":
		out, err = a.report.SentimentTrends(ctx, p)
	case "topics":
		out, err = a.report.TopTopics(ctx, p)
	case "providers":
		out, err = a.report.ProviderStats(ctx, p)
	case "mix":
		out, err = a.report.ContentMix(ctx, p)
	case "engagement":
		out, err = a.report.EngagementMetrics(ctx, p)
	default:
		return fmt.Errorf("unknown report %q (want trends, topics, providers, mix or engagement)", kind)
	}
	if err != nil {
		return fmt.Errorf("run report: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func runSourceAdd(id, name string, active bool) error {
	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.store.Close()

	src := &store.Source{ID: id, Name: name, Active: active}
	if err := a.store.AddSource(context.Background(), src); err != nil {
		return fmt.Errorf("add source: %w", err)
	}
	fmt.Fprintf(os.Stderr, "source %s registered (active: %t)\n", id, active)
	return nil
}

func runSourceList() error {
	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.store.Close()

	sources, err := a.store.ListSources(context.Background())
	if err != nil {
		return fmt.Errorf("list sources: %w", err)
	}

	if len(sources) == 0 {
		fmt.Println("no sources registered")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tACTIVE\tCREATED")
	for _, s := range sources {
		fmt.Fprintf(w, "%s\t%s\t%t\t%s\n", s.ID, s.Name, s.Active, s.CreatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}
