// Command soul-kerneld runs the browser automation execution kernel: the
// HTTP/WebSocket surface from internal/httpapi in front of the Plan
// Executor, Registry, Scheduler, Gate, Locator, Action Primitives, and
// Perception stack wired against a real Chrome instance over CDP.
//
// # Configuration
//
// Environment variables:
//
//	KERNELD_ADDR            - HTTP listen address (default: ":8080")
//	KERNELD_CHROME_PATH     - path to a Chrome/Chromium binary (default: let chromedp find one)
//	KERNELD_HEADLESS        - "false" to run a headed browser (default: true)
//	KERNELD_POLICY_FILE     - path to a YAML policy override file (optional)
//	KERNELD_PLANNER         - "anthropic" or "openai", overrides the policy snapshot's provider
//	ANTHROPIC_API_KEY       - required when the active planner provider is "anthropic"
//	ANTHROPIC_MODEL         - model id (default: "claude-sonnet-4-5")
//	OPENAI_API_KEY          - required when the active planner provider is "openai"
//	OPENAI_MODEL            - model id (default: "gpt-4o")
//	REDIS_URL               - Redis address for cluster-shared rate limiting (optional; falls back to process-local)
//	REDIS_PASSWORD          - Redis password (optional)
//	MONGO_URI               - Mongo connection string for durable sessions (optional; falls back to in-memory)
//	MONGO_DATABASE          - Mongo database name (default: "soulbrowser")
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	clue "goa.design/clue/log"

	"github.com/soulbrowser/kernel/internal/action"
	"github.com/soulbrowser/kernel/internal/eventbus"
	"github.com/soulbrowser/kernel/internal/executor"
	"github.com/soulbrowser/kernel/internal/gate"
	"github.com/soulbrowser/kernel/internal/httpapi"
	"github.com/soulbrowser/kernel/internal/kernel"
	"github.com/soulbrowser/kernel/internal/llmplanner"
	"github.com/soulbrowser/kernel/internal/llmplanner/anthropic"
	"github.com/soulbrowser/kernel/internal/llmplanner/openai"
	"github.com/soulbrowser/kernel/internal/locator"
	"github.com/soulbrowser/kernel/internal/perceive"
	perceivecdp "github.com/soulbrowser/kernel/internal/perceive/cdp"
	"github.com/soulbrowser/kernel/internal/perception"
	"github.com/soulbrowser/kernel/internal/policy"
	"github.com/soulbrowser/kernel/internal/ratelimit"
	"github.com/soulbrowser/kernel/internal/ratelimit/redisstore"
	"github.com/soulbrowser/kernel/internal/registry"
	"github.com/soulbrowser/kernel/internal/scheduler"
	"github.com/soulbrowser/kernel/internal/session"
	"github.com/soulbrowser/kernel/internal/session/inmem"
	"github.com/soulbrowser/kernel/internal/session/mongostore"
	"github.com/soulbrowser/kernel/internal/telemetry"
	transportcdp "github.com/soulbrowser/kernel/internal/transport/cdp"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	format := clue.FormatJSON
	if clue.IsTerminal() {
		format = clue.FormatTerminal
	}
	ctx := clue.Context(context.Background(), clue.WithFormat(format))
	if envOr("KERNELD_DEBUG", "") != "" {
		ctx = clue.Context(ctx, clue.WithDebug())
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tel := telemetry.Bundle{
		Log:     telemetry.NewClueLogger(),
		Metrics: telemetry.NewClueMetrics(),
		Tracer:  telemetry.NewClueTracer(),
	}

	pol, err := newPolicyStore()
	if err != nil {
		return fmt.Errorf("load policy: %w", err)
	}
	snap := pol.Current()

	port, err := transportcdp.New(ctx, transportcdp.Options{
		Headless: envOr("KERNELD_HEADLESS", "true") != "false",
		ExecPath: os.Getenv("KERNELD_CHROME_PATH"),
	})
	if err != nil {
		return fmt.Errorf("start browser: %w", err)
	}
	defer port.Close()

	chain := locator.NewChain(locator.NewCssResolver(), locator.NewAriaResolver(), locator.NewTextResolver())
	resolvers := map[locator.Strategy]locator.StrategyResolver{
		locator.StrategyCss:    locator.NewCssResolver(),
		locator.StrategyAriaAx: locator.NewAriaResolver(),
		locator.StrategyText:   locator.NewTextResolver(),
	}
	heals := locator.NewHealTracker()

	anchorCache := perception.NewCache(60 * time.Second)
	snapshotCache := perception.NewCache(60 * time.Second)
	watcher := perception.NewWatcher(anchorCache, snapshotCache, tel)

	precheck := transportcdp.NewPrechecker(port.TargetContext)
	actions := action.New(port, chain, resolvers, heals, anchorCache, precheck, tel)

	perceiver := perceivecdp.New(port.TargetContext)
	hub := perceive.NewHub(perceiver, perceiver, perceiver, perceive.DefaultThresholds())

	reg := registry.New(registry.WithTelemetry(tel), registry.WithGraceWindow(2*time.Second))
	buses := eventbus.NewRegistry()
	gt := gate.New(500 * time.Millisecond)
	sched := scheduler.New(ctx, scheduler.DefaultConfig(), tel)

	planner, err := newPlanner(snap)
	if err != nil {
		return fmt.Errorf("build planner: %w", err)
	}

	store, err := newSessionStore(ctx)
	if err != nil {
		return fmt.Errorf("build session store: %w", err)
	}
	if mem, ok := store.(*inmem.Store); ok {
		go mem.RunGC(ctx)
	}

	limiter := ratelimit.New(ratelimit.Config{
		RatePerSecond: snap.RateLimitPerSec,
		Burst:         snap.RateLimitBurst,
		IdleTTL:       10 * time.Minute,
		GCInterval:    time.Minute,
	}, newClusterStore())

	execDeps := executor.Deps{
		Scheduler: sched,
		Actions:   actions,
		Gate:      gt,
		Perceive:  hub,
		Registry:  reg,
		Watchdog:  nil,
		Planner:   planner,
		Policy:    snap,
		Tel:       tel,
	}
	execDeps.Wire()

	runner := kernel.New(kernel.Deps{
		Registry:  reg,
		Sessions:  store,
		Buses:     buses,
		Executor:  execDeps,
		RunConfig: executor.DefaultRunConfig(),
		PolicyRoute: func(string) []string {
			return pol.Current().AllowedDomains
		},
		Tel: tel,
	})

	srv := httpapi.New(runner, buses, limiter, tel)
	mux := http.NewServeMux()
	srv.Routes(mux)

	go watcher.RunRegistry(ctx, reg)
	go func() {
		if err := watcher.RunTransport(ctx, port); err != nil && !errors.Is(err, context.Canceled) {
			tel.Log.Warn(ctx, "soul-kerneld: transport event watcher stopped", "error", err.Error())
		}
	}()

	addr := envOr("KERNELD_ADDR", ":8080")
	httpSrv := &http.Server{Addr: addr, Handler: mux}

	errc := make(chan error, 1)
	go func() {
		clue.Printf(ctx, "soul-kerneld listening on %s", addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errc:
		return err
	case s := <-sig:
		clue.Printf(ctx, "soul-kerneld shutting down on %v", s)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return httpSrv.Shutdown(shutdownCtx)
}

func newPolicyStore() (*policy.Store, error) {
	path := os.Getenv("KERNELD_POLICY_FILE")
	if path == "" {
		return policy.NewStore(nil)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return policy.NewStore(data)
}

func newPlanner(snap *policy.Snapshot) (llmplanner.Planner, error) {
	provider := envOr("KERNELD_PLANNER", snap.PlannerProvider)
	switch provider {
	case "openai":
		apiKey := os.Getenv("OPENAI_API_KEY")
		if apiKey == "" {
			return nil, errors.New("OPENAI_API_KEY is required for the openai planner provider")
		}
		return openai.NewFromAPIKey(apiKey, envOr("OPENAI_MODEL", "gpt-4o"))
	case "anthropic", "":
		apiKey := os.Getenv("ANTHROPIC_API_KEY")
		if apiKey == "" {
			return nil, errors.New("ANTHROPIC_API_KEY is required for the anthropic planner provider")
		}
		return anthropic.NewFromAPIKey(apiKey, envOr("ANTHROPIC_MODEL", "claude-sonnet-4-5"))
	default:
		return nil, fmt.Errorf("unknown planner provider %q", provider)
	}
}

func newSessionStore(ctx context.Context) (session.Store, error) {
	uri := os.Getenv("MONGO_URI")
	if uri == "" {
		return inmem.New(), nil
	}
	client, err := mongodriver.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect to mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return mongostore.New(ctx, mongostore.Options{
		Client:   client,
		Database: envOr("MONGO_DATABASE", "soulbrowser"),
	})
}

func newClusterStore() ratelimit.ClusterStore {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		return nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: url, Password: os.Getenv("REDIS_PASSWORD")})
	return redisstore.New(rdb, time.Second)
}

func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
