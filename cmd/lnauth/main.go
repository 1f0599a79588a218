package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/facebookgo/flagenv"
	_ "github.com/joho/godotenv/autoload"
	"github.com/layer-3/lnauth/adapters/events"
	"github.com/layer-3/lnauth/adapters/profile"
	"github.com/layer-3/lnauth/adapters/relay"
	"github.com/layer-3/lnauth/adapters/store"
	"github.com/layer-3/lnauth/adapters/verifier/lightning"
	"github.com/layer-3/lnauth/adapters/verifier/nostrauth"
	"github.com/layer-3/lnauth/logging"
	"github.com/layer-3/lnauth/ports"
	"github.com/layer-3/lnauth/remotesigner"
	"github.com/layer-3/lnauth/service"
	lnhttp "github.com/layer-3/lnauth/transport/http"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

var (
	bind            = flag.String("bind", ":9000", "address the HTTP server listens on")
	publicURL       = flag.String("public-url", "http://localhost:9000", "externally reachable base URL, used for the LNURL callback")
	challengeTTL    = flag.Duration("challenge-ttl", service.DefaultChallengeTTL, "how long a challenge stays answerable")
	gracePeriod     = flag.Duration("grace-period", store.DefaultGracePeriod, "how long resolved challenges stay queryable after expiry")
	janitorInterval = flag.Duration("janitor-interval", store.DefaultJanitorInterval, "how often expired challenges are swept")
	clockSkew       = flag.Duration("clock-skew", nostrauth.DefaultMaxClockSkew, "accepted difference between a nostr event's created_at and now")
	relays          = flag.String("relays", "wss://relay.damus.io,wss://nos.lol", "comma-separated nostr relays for profiles and client hints")
	redisURL        = flag.String("redis-url", "", "redis URL for the auth event stream; in-process pub/sub when empty")
	storeKind       = flag.String("store", "memory", "challenge store: memory, or redis to share challenges between instances")
	logLevel        = flag.String("log-level", "info", "log level")
	logFile         = flag.String("log-file", "", "rotating log file, in addition to stdout")
	logJSON         = flag.Bool("log-json", false, "log as JSON")
	signerTimeout   = flag.Duration("signer-timeout", remotesigner.DefaultCallTimeout, "remote signer round trip timeout")
	enrich          = flag.Bool("enrich", true, "attach nostr profile metadata after verification")
	profileCache    = flag.Int("profile-cache", 1024, "number of nostr profiles cached")
	allowBinding    = flag.Bool("allow-binding", false, "let clients bind a challenge to an expected public key")
)

func main() {
	flagenv.Prefix = "LNAUTH_"
	flagenv.Parse()
	flag.Parse()

	level, err := zapcore.ParseLevel(*logLevel)
	if err != nil {
		log.Fatalf("invalid log level %q: %v", *logLevel, err)
	}
	logger := logging.New(level, *logFile, *logJSON)
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logging.NewContext(ctx, logger)

	if err := run(ctx, logger); err != nil {
		logger.Fatal("lnauth stopped", zap.Error(err))
	}
}

func run(ctx context.Context, logger *zap.Logger) error {
	relayURLs := splitList(*relays)

	var redisClient *redis.Client
	if *redisURL != "" {
		opts, err := redis.ParseURL(*redisURL)
		if err != nil {
			return fmt.Errorf("failed to parse redis URL: %w", err)
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()
	}

	publisher, err := newPublisher(redisClient, logger)
	if err != nil {
		return err
	}
	defer publisher.Close()

	var (
		challenges ports.ChallengeStore
		janitor    *store.MemoryStore
	)
	switch *storeKind {
	case "memory":
		janitor = store.NewMemoryStore(store.WithGracePeriod(*gracePeriod))
		challenges = janitor
	case "redis":
		if redisClient == nil {
			return errors.New("redis store needs -redis-url")
		}
		challenges = store.NewRedisStore(redisClient, store.WithRedisGracePeriod(*gracePeriod))
	default:
		return fmt.Errorf("unknown store %q", *storeKind)
	}

	opts := []service.Option{
		service.WithEventPublisher(events.NewWatermillPublisher(publisher)),
		service.WithSignerDialer(remotesigner.NewDialer(nil, remotesigner.WithCallTimeout(*signerTimeout))),
		service.WithChallengeTTL(*challengeTTL),
	}
	if len(relayURLs) > 0 {
		opts = append(opts, service.WithRelayHint(relayURLs[0]))
	}
	if *enrich && len(relayURLs) > 0 {
		pool, err := relay.Dial(ctx, relayURLs)
		if err != nil {
			logger.Warn("profile enrichment disabled", zap.Error(err))
		} else {
			defer pool.Close()
			fetcher, err := profile.NewCaching(*profileCache, profile.NewFetcher(pool))
			if err != nil {
				return fmt.Errorf("profile cache: %w", err)
			}
			opts = append(opts, service.WithProfileFetcher(fetcher))
		}
	}

	authService := service.NewAuthService(
		challenges,
		lightning.NewVerifier(),
		nostrauth.NewVerifier(nostrauth.WithMaxClockSkew(*clockSkew)),
		opts...,
	)
	defer authService.Close()

	router := lnhttp.SetupRouter(authService, lnhttp.Config{
		PublicURL:    *publicURL,
		Relays:       relayURLs,
		AllowBinding: *allowBinding,
	}, logger)
	server := &http.Server{
		Addr:              *bind,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", zap.String("bind", *bind), zap.String("public_url", *publicURL))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if janitor != nil {
		g.Go(func() error {
			return janitor.Run(ctx, *janitorInterval)
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func newPublisher(client *redis.Client, logger *zap.Logger) (message.Publisher, error) {
	wmLogger := logging.NewWatermillAdapter(logger)
	if client == nil {
		return gochannel.NewGoChannel(gochannel.Config{}, wmLogger), nil
	}

	publisher, err := redisstream.NewPublisher(redisstream.PublisherConfig{
		Client: client,
	}, wmLogger)
	if err != nil {
		return nil, fmt.Errorf("failed to create redis publisher: %w", err)
	}
	return publisher, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
