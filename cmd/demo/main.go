// Command demo runs the orchestration runtime as a single process: it wires
// the configured model provider into the wave executor, exposes the
// plan/run/event HTTP surface, and optionally mirrors runtime events to
// Redis streams and a durable Mongo journal.
//
// Environment:
//
//	ANTHROPIC_API_KEY / ANTHROPIC_MODEL  use the Anthropic Messages API
//	OPENAI_API_KEY / OPENAI_MODEL        use the OpenAI Chat Completions API
//	REDIS_URL                            mirror events to Pulse streams
//	MONGO_URL                            journal events durably
//
// Without provider credentials the demo runs offline: every agent emits a
// deterministic file per task, which still exercises scheduling, merging,
// and reflection end to end.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/clue/health"
	"goa.design/clue/log"
	"goa.design/pulse/rmap"

	journalmongo "goa.design/loom/features/journal/mongo"
	clientsjournal "goa.design/loom/features/journal/mongo/clients/mongo"
	"goa.design/loom/features/model/middleware"
	streampulse "goa.design/loom/features/stream/pulse"
	clientspulse "goa.design/loom/features/stream/pulse/clients/pulse"
	"goa.design/loom/runtime/blackboard"
	"goa.design/loom/runtime/cache"
	"goa.design/loom/runtime/config"
	"goa.design/loom/runtime/executor"
	"goa.design/loom/runtime/feed"
	"goa.design/loom/runtime/memory"
	"goa.design/loom/runtime/pipeline"
	"goa.design/loom/runtime/reflection"
	"goa.design/loom/runtime/telemetry"
)

func main() {
	var (
		httpPortF = flag.String("http-port", "8080", "HTTP listen port")
		configF   = flag.String("config", "", "YAML configuration path (package defaults apply when empty)")
		dbgF      = flag.Bool("debug", false, "Log request and response bodies")
	)
	flag.Parse()

	// Setup logger. Formatting and debug settings travel in the context.
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	cfg := config.Default()
	if *configF != "" {
		var err error
		if cfg, err = config.Load(*configF); err != nil {
			log.Fatal(ctx, err, log.KV{K: "path", V: *configF})
		}
	}

	// Everything below shares this context; cancelling it on shutdown aborts
	// in-flight runs.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		logger  = telemetry.NewClueLogger()
		metrics = telemetry.NewClueMetrics()
		tracer  = telemetry.NewClueTracer()
	)

	sections := cache.NewStore(cfg.Cache.CacheConfig(), cfg.Cache.ShardOptions()...)
	mem := memory.New("demo",
		memory.WithPruning(cfg.Pruning),
		memory.WithCompaction(cfg.Compaction),
		memory.WithSectionCache(sections),
	)
	board := blackboard.New()

	var pingers []health.Pinger

	// Redis is optional: when configured, runtime events mirror to Pulse
	// streams and the rate limiter budget is shared across processes.
	var (
		rdb     *redis.Client
		streams *streampulse.RuntimeStreams
		limits  *rmap.Map
	)
	if rawURL := os.Getenv("REDIS_URL"); rawURL != "" {
		ropts, err := redis.ParseURL(rawURL)
		if err != nil {
			log.Fatalf(ctx, err, "invalid REDIS_URL %q", rawURL)
		}
		rdb = redis.NewClient(ropts)
		pulseClient, err := clientspulse.New(clientspulse.Options{
			Redis:        rdb,
			StreamMaxLen: 10000,
		})
		if err != nil {
			log.Fatal(ctx, err)
		}
		if streams, err = streampulse.NewRuntimeStreams(streampulse.RuntimeStreamsOptions{Client: pulseClient}); err != nil {
			log.Fatal(ctx, err)
		}
		if _, err = streams.Register(board); err != nil {
			log.Fatal(ctx, err)
		}
		if limits, err = rmap.Join(ctx, "loom_limits", rdb); err != nil {
			log.Fatal(ctx, err)
		}
		pingers = append(pingers, redisPinger{rdb: rdb})
		log.Print(ctx, log.KV{K: "event-streams", V: "pulse"})
	}

	// Mongo is optional: when configured, every board event lands in the
	// durable journal.
	var mongoClient *mongodriver.Client
	if uri := os.Getenv("MONGO_URL"); uri != "" {
		var err error
		if mongoClient, err = mongodriver.Connect(mongooptions.Client().ApplyURI(uri)); err != nil {
			log.Fatalf(ctx, err, "invalid MONGO_URL %q", uri)
		}
		jc, err := clientsjournal.New(clientsjournal.Options{Client: mongoClient, Database: "loom"})
		if err != nil {
			log.Fatal(ctx, err)
		}
		journal, err := journalmongo.NewJournal(journalmongo.Options{Client: jc})
		if err != nil {
			log.Fatal(ctx, err)
		}
		if _, err = journal.Register(board); err != nil {
			log.Fatal(ctx, err)
		}
		pingers = append(pingers, jc)
		log.Print(ctx, log.KV{K: "journal", V: "mongo"})
	}

	client, provider := buildModelClient(ctx)
	if client != nil {
		limiter := middleware.NewAdaptiveRateLimiter(ctx, limits, "model_tpm", defaultTPM, maxTPM)
		client = limiter.Middleware()(client)
	}
	log.Print(ctx, log.KV{K: "provider", V: provider})

	exec := executor.New(agentSet(client),
		executor.WithBoard(board),
		executor.WithLogger(logger),
		executor.WithMetrics(metrics),
		executor.WithMemory(mem),
		executor.WithParallelFanOut(cfg.Executor.ParallelFanOut),
		executor.WithDefaultTimeout(cfg.Executor.DefaultTimeout()),
	)
	pipe := pipeline.New(exec,
		pipeline.WithBoard(board),
		pipeline.WithLogger(logger),
		pipeline.WithMetrics(metrics),
		pipeline.WithTracer(tracer),
		pipeline.WithEvaluator(reflection.NewEvaluator(reflection.WithPassScore(cfg.Reflection.PassScore))),
	)
	svc := feed.New(pipe, board,
		feed.WithLogger(logger),
		feed.WithBaseContext(ctx),
		feed.WithHealthPingers(pingers...),
	)

	// Create channel used by both the signal handler and server goroutines
	// to notify the main goroutine when to stop the server.
	errc := make(chan error)

	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	var wg sync.WaitGroup
	handleHTTPServer(ctx, net.JoinHostPort("", *httpPortF), svc, &wg, errc, *dbgF)

	// Wait for signal.
	log.Printf(ctx, "exiting (%v)", <-errc)

	// Send cancellation signal to the goroutines.
	cancel()
	wg.Wait()

	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if streams != nil {
		if err := streams.Close(shutdownCtx); err != nil {
			log.Printf(ctx, "close event streams: %v", err)
		}
	}
	if rdb != nil {
		_ = rdb.Close()
	}
	if mongoClient != nil {
		if err := mongoClient.Disconnect(shutdownCtx); err != nil {
			log.Printf(ctx, "disconnect mongo: %v", err)
		}
	}
	log.Printf(ctx, "exited")
}
