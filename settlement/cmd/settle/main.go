package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	flag "github.com/spf13/pflag"
	"golang.org/x/time/rate"

	"github.com/malbeclabs/payouts/api/config"
	"github.com/malbeclabs/payouts/api/handlers"
	"github.com/malbeclabs/payouts/ledger/pkg/amount"
	"github.com/malbeclabs/payouts/ledger/pkg/envelope"
	"github.com/malbeclabs/payouts/ledger/pkg/horizon"
	"github.com/malbeclabs/payouts/ledger/pkg/ledger"
	"github.com/malbeclabs/payouts/ledger/pkg/snapshot"
	"github.com/malbeclabs/payouts/settlement/pkg/archive"
	"github.com/malbeclabs/payouts/settlement/pkg/metrics"
	"github.com/malbeclabs/payouts/settlement/pkg/notify"
	"github.com/malbeclabs/payouts/settlement/pkg/server"
	"github.com/malbeclabs/payouts/settlement/pkg/settle"
	"github.com/malbeclabs/payouts/settlement/pkg/store"
	"github.com/malbeclabs/payouts/utils/pkg/logger"
	"github.com/malbeclabs/payouts/utils/pkg/retry"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultRegistryPath = "distributions.yaml"
	defaultServeAddr    = "0.0.0.0:8080"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	registryPath string
	snapshotPath string
	network      string
	passphrase   string
	horizonURL   string
	signerSecret string
	chunkSize    int
	submitRate   float64
	sendAttempts int
	dryRun       bool
	memoryStore  bool
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	jsonLogsFlag := flag.Bool("json-logs", false, "emit JSON log lines")
	envFileFlag := flag.String("env-file", ".env", "load environment variables from this file when it exists")

	var opts options
	flag.StringVar(&opts.registryPath, "registry", defaultRegistryPath, "distribution types YAML (or set REGISTRY_PATH env var)")
	flag.StringVar(&opts.snapshotPath, "snapshot", "", "ledger snapshot JSON file (or set SNAPSHOT_PATH env var)")
	flag.StringVar(&opts.network, "network", "public", "ledger network: public or testnet (or set NETWORK env var)")
	flag.StringVar(&opts.passphrase, "passphrase", "", "network passphrase override (or set NETWORK_PASSPHRASE env var)")
	flag.StringVar(&opts.horizonURL, "horizon-url", "", "Horizon base URL, defaults per network (or set HORIZON_URL env var)")
	flag.IntVar(&opts.chunkSize, "chunk-size", envelope.MaxOperations, "maximum operations per envelope")
	flag.Float64Var(&opts.submitRate, "submit-rate", 0, "maximum submissions per second, 0 for unlimited")
	flag.IntVar(&opts.sendAttempts, "send-attempts", 5, "send passes before --send gives up")
	flag.BoolVar(&opts.dryRun, "dry-run", false, "use an in-memory store; --distribute also packs and prints envelopes")

	// Commands
	listTypesFlag := flag.Bool("list-types", false, "print configured distribution types")
	distributeFlag := flag.String("distribute", "", "create a distribution list of this type")
	amountFlag := flag.String("amount", "0", "total to distribute, 0 for the source's whole balance")
	packFlag := flag.String("pack", "", "pack every unpacked payment of this list into envelopes")
	sendFlag := flag.String("send", "", "submit every unsent envelope of this list")
	exportFlag := flag.String("export", "", "print base64 envelopes of this list")
	unsentOnlyFlag := flag.Bool("unsent", false, "with --export, only print unsent envelopes")
	governanceFlag := flag.Bool("governance", false, "create a signer update list for the governed account")
	serveFlag := flag.Bool("serve", false, "serve the read API, /metrics and health checks")
	serveAddrFlag := flag.String("serve-addr", defaultServeAddr, "address for --serve")
	migrateFlag := flag.Bool("migrate", false, "apply settlement database migrations")
	reportFlag := flag.String("report", "", "print archived totals per account for this asset (CODE:ISSUER)")
	sinceFlag := flag.Duration("since", 30*24*time.Hour, "with --report, only count payments sent within this window")
	limitFlag := flag.Int("limit", 0, "with --report, print at most this many accounts")

	flag.Parse()

	if *envFileFlag != "" {
		if err := godotenv.Load(*envFileFlag); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to load env file: %w", err)
		}
	}
	applyEnv(&opts)
	opts.signerSecret = os.Getenv("SIGNER_SECRET")
	opts.memoryStore = opts.dryRun || os.Getenv("STORE") == "memory"

	log := logger.NewWithOptions(logger.Options{Verbose: *verboseFlag, JSON: *jsonLogsFlag})
	slog.SetDefault(log)
	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:              dsn,
			Environment:      sentryEnvironment(),
			Release:          version,
			EnableTracing:    true,
			TracesSampleRate: 1.0,
		}); err != nil {
			log.Warn("failed to initialize sentry", "error", err)
		} else {
			defer sentry.Flush(2 * time.Second)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if *migrateFlag {
		pgCfg, err := config.PgConfigFromEnv()
		if err != nil {
			return err
		}
		return config.MigrateUp(log, pgCfg.ConnString())
	}

	arch, err := openArchive(ctx, log)
	if err != nil {
		return err
	}
	if arch != nil {
		defer arch.conn.Close()
	}
	if *reportFlag != "" {
		if arch == nil {
			return errors.New("--report requires CLICKHOUSE_ADDR")
		}
		return report(ctx, arch.ClickHouse, *reportFlag, time.Now().Add(-*sinceFlag), *limitFlag)
	}

	registry, err := settle.LoadRegistry(opts.registryPath)
	if err != nil {
		return err
	}
	if *listTypesFlag {
		for _, name := range registry.Names() {
			t, _ := registry.Type(name)
			fmt.Printf("%-20s %s -> %s (%s)\n", name, t.HolderAsset, t.PayAsset, t.Weighting)
		}
		return nil
	}

	st, pool, err := openStore(ctx, log, opts)
	if err != nil {
		return err
	}
	if pool != nil {
		defer pool.Close()
	}

	if *serveFlag {
		return serve(ctx, log, st, pool, arch, *serveAddrFlag)
	}

	settler, err := newSettler(log, st, arch, opts)
	if err != nil {
		return err
	}
	notifier := newNotifier(log)

	switch {
	case *distributeFlag != "":
		return traced(ctx, "distribute", func(ctx context.Context) error {
			return distribute(ctx, log, settler, registry, notifier, *distributeFlag, *amountFlag, opts.dryRun)
		})
	case *packFlag != "":
		return traced(ctx, "pack", func(ctx context.Context) error {
			id, err := uuid.Parse(*packFlag)
			if err != nil {
				return fmt.Errorf("invalid list id: %w", err)
			}
			return pack(ctx, settler, st, notifier, id)
		})
	case *sendFlag != "":
		return traced(ctx, "send", func(ctx context.Context) error {
			id, err := uuid.Parse(*sendFlag)
			if err != nil {
				return fmt.Errorf("invalid list id: %w", err)
			}
			return send(ctx, settler, st, notifier, id, opts.sendAttempts)
		})
	case *exportFlag != "":
		id, err := uuid.Parse(*exportFlag)
		if err != nil {
			return fmt.Errorf("invalid list id: %w", err)
		}
		var sent *bool
		if *unsentOnlyFlag {
			sent = store.Bool(false)
		}
		return export(ctx, settler, id, sent)
	case *governanceFlag:
		if registry.Governance == nil {
			return errors.New("registry has no governance section")
		}
		return traced(ctx, "governance", func(ctx context.Context) error {
			return governance(ctx, log, settler, notifier, *registry.Governance)
		})
	}

	flag.Usage()
	return nil
}

func applyEnv(opts *options) {
	if v := os.Getenv("REGISTRY_PATH"); v != "" {
		opts.registryPath = v
	}
	if v := os.Getenv("SNAPSHOT_PATH"); v != "" {
		opts.snapshotPath = v
	}
	if v := os.Getenv("NETWORK"); v != "" {
		opts.network = v
	}
	if v := os.Getenv("NETWORK_PASSPHRASE"); v != "" {
		opts.passphrase = v
	}
	if v := os.Getenv("HORIZON_URL"); v != "" {
		opts.horizonURL = v
	}
}

// traced runs fn inside a Sentry transaction and reports its error.
func traced(ctx context.Context, op string, fn func(context.Context) error) error {
	span := sentry.StartSpan(ctx, "settle."+op, sentry.WithTransactionName("settle "+op))
	defer span.Finish()

	err := fn(span.Context())
	if err != nil {
		span.Status = sentry.SpanStatusInternalError
		sentry.CaptureException(err)
		return err
	}
	span.Status = sentry.SpanStatusOK
	return nil
}

func sentryEnvironment() string {
	if env := os.Getenv("SENTRY_ENVIRONMENT"); env != "" {
		return env
	}
	return "development"
}

// openStore returns the Postgres store unless running in memory, in which
// case the pool is nil.
func openStore(ctx context.Context, log *slog.Logger, opts options) (store.Store, *pgxpool.Pool, error) {
	if opts.memoryStore {
		log.Warn("using in-memory store, nothing will be persisted")
		return store.NewMemory(clockwork.NewRealClock()), nil, nil
	}
	pgCfg, err := config.PgConfigFromEnv()
	if err != nil {
		return nil, nil, err
	}
	pool, err := config.OpenPostgres(ctx, log, pgCfg)
	if err != nil {
		return nil, nil, err
	}
	st, err := store.NewPostgres(store.PostgresConfig{Logger: log, Pool: pool})
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return st, pool, nil
}

func serve(ctx context.Context, log *slog.Logger, st store.Store, pool *pgxpool.Pool, arch *openedArchive, addr string) error {
	cfg := handlers.Config{Logger: log, Store: st}
	if arch != nil {
		cfg.Totals = arch.ClickHouse
	}
	h, err := handlers.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create handlers: %w", err)
	}

	var ready func(*http.Request) error
	if pool != nil {
		ready = func(r *http.Request) error {
			return pool.Ping(r.Context())
		}
	}

	srv, err := server.New(server.Config{
		Logger:     log,
		ListenAddr: addr,
		VersionInfo: server.VersionInfo{
			Version: version,
			Commit:  commit,
			Date:    date,
		},
		API:   h.Router(),
		Ready: ready,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	if err := srv.Run(ctx); err != nil {
		sentry.CaptureException(err)
		return err
	}
	return nil
}

func newSettler(log *slog.Logger, st store.Store, arch *openedArchive, opts options) (*settle.Settler, error) {
	cfg := settle.Config{
		Logger:     log,
		Clock:      clockwork.NewRealClock(),
		Store:      st,
		ChunkSize:  opts.chunkSize,
		Passphrase: opts.passphrase,
	}
	if arch != nil {
		cfg.Archive = arch.ClickHouse
	}

	switch opts.network {
	case "public":
		if cfg.Passphrase == "" {
			cfg.Passphrase = envelope.PublicNetworkPassphrase
		}
		if opts.horizonURL == "" {
			opts.horizonURL = horizon.PublicURL
		}
	case "testnet":
		if cfg.Passphrase == "" {
			cfg.Passphrase = envelope.TestnetNetworkPassphrase
		}
		if opts.horizonURL == "" {
			opts.horizonURL = horizon.TestnetURL
		}
	default:
		return nil, fmt.Errorf("unknown network %q", opts.network)
	}

	if opts.snapshotPath != "" {
		file, err := snapshot.Load(opts.snapshotPath)
		if err != nil {
			return nil, err
		}
		cfg.Snapshot = file
		cfg.History = file
	}

	client, err := horizon.New(horizon.Config{Logger: log, BaseURL: opts.horizonURL})
	if err != nil {
		return nil, fmt.Errorf("failed to create horizon client: %w", err)
	}
	cfg.Submitter = client

	if opts.submitRate > 0 {
		cfg.SubmitRate = rate.Limit(opts.submitRate)
	}

	for _, secret := range strings.Split(opts.signerSecret, ",") {
		secret = strings.TrimSpace(secret)
		if secret == "" {
			continue
		}
		key, err := envelope.ParseSeed(secret)
		if err != nil {
			return nil, fmt.Errorf("invalid SIGNER_SECRET: %w", err)
		}
		cfg.Signers = append(cfg.Signers, key)
	}

	return settle.New(cfg)
}

type openedArchive struct {
	*archive.ClickHouse
	conn driver.Conn
}

// openArchive connects to the payment archive, nil when CLICKHOUSE_ADDR is
// unset.
func openArchive(ctx context.Context, log *slog.Logger) (*openedArchive, error) {
	cfg, ok, err := config.ClickHouseConfigFromEnv()
	if err != nil || !ok {
		return nil, err
	}
	conn, err := archive.Open(ctx, log, cfg)
	if err != nil {
		return nil, err
	}
	ch, err := archive.NewClickHouse(archive.Config{Logger: log, Conn: conn})
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &openedArchive{ClickHouse: ch, conn: conn}, nil
}

func report(ctx context.Context, arch *archive.ClickHouse, assetKey string, since time.Time, limit int) error {
	asset, err := ledger.ParseAsset(assetKey)
	if err != nil {
		return err
	}
	totals, err := arch.Totals(ctx, asset, since, limit)
	if err != nil {
		return err
	}
	for _, t := range totals {
		fmt.Printf("%s %20s %6d %s\n", t.AccountID, amount.Format(t.Total), t.Payments, t.LastPaid.UTC().Format(time.RFC3339))
	}
	return nil
}

func newNotifier(log *slog.Logger) notify.Notifier {
	token, channel := os.Getenv("SLACK_BOT_TOKEN"), os.Getenv("SLACK_CHANNEL_ID")
	if token == "" || channel == "" {
		return notify.Nop{}
	}
	n, err := notify.NewSlackFromToken(log, token, channel)
	if err != nil {
		log.Warn("slack notifications disabled", "error", err)
		return notify.Nop{}
	}
	return n
}

func notifyQuietly(ctx context.Context, n notify.Notifier, sum notify.Summary) {
	if err := n.Notify(ctx, sum); err != nil {
		slog.Default().Warn("failed to post summary", "error", err)
	}
}

func distribute(ctx context.Context, log *slog.Logger, s *settle.Settler, reg *settle.Registry, n notify.Notifier, name, total string, dryRun bool) error {
	dt, err := reg.Type(name)
	if err != nil {
		return err
	}
	amt, err := amount.Parse(total)
	if err != nil {
		return fmt.Errorf("invalid --amount: %w", err)
	}

	dist, err := s.CreateDistribution(ctx, dt, amt)
	if err != nil {
		return err
	}
	warnings := make([]string, len(dist.Warnings))
	for i, w := range dist.Warnings {
		warnings[i] = w.Error()
	}
	fmt.Println(dist.List.ID)

	sum := notify.Summary{
		Action:   "distribution created",
		ListID:   dist.List.ID.String(),
		Type:     dt.Name,
		Memo:     dist.List.Memo,
		Asset:    dist.List.Asset.Code,
		Total:    dist.List.Total,
		Payments: len(dist.Payments),
		Warnings: warnings,
	}

	if dryRun {
		built, err := s.PackAll(ctx, dist.List.ID)
		if err != nil {
			return err
		}
		log.Info("dry run packed envelopes", "envelopes", built)
		return export(ctx, s, dist.List.ID, nil)
	}

	notifyQuietly(ctx, n, sum)
	return nil
}

func pack(ctx context.Context, s *settle.Settler, st store.Store, n notify.Notifier, id uuid.UUID) error {
	built, err := s.PackAll(ctx, id)
	if err != nil {
		return err
	}
	list, err := st.GetList(ctx, id)
	if err != nil {
		return err
	}
	envs, err := st.Envelopes(ctx, id, store.EnvelopeFilter{})
	if err != nil {
		return err
	}
	unsent := 0
	for _, e := range envs {
		if !e.Sent {
			unsent++
		}
	}
	fmt.Printf("built %d envelope(s), %d unsent\n", built, unsent)
	notifyQuietly(ctx, n, notify.Summary{
		Action:    "list packed",
		ListID:    id.String(),
		Type:      list.Type,
		Memo:      list.Memo,
		Asset:     list.Asset.Code,
		Total:     list.Total,
		Envelopes: len(envs),
		Unsent:    unsent,
	})
	return nil
}

func send(ctx context.Context, s *settle.Settler, st store.Store, n notify.Notifier, id uuid.UUID, attempts int) error {
	cfg := retry.DefaultConfig()
	cfg.MaxAttempts = attempts
	sendErr := s.SendUntilDone(ctx, id, cfg)

	list, err := st.GetList(ctx, id)
	if err != nil {
		return errors.Join(sendErr, err)
	}
	unsent, err := st.Envelopes(ctx, id, store.EnvelopeFilter{Sent: store.Bool(false)})
	if err != nil {
		return errors.Join(sendErr, err)
	}
	fmt.Printf("%d envelope(s) unsent\n", len(unsent))

	sum := notify.Summary{
		Action: "list sent",
		ListID: id.String(),
		Type:   list.Type,
		Memo:   list.Memo,
		Asset:  list.Asset.Code,
		Total:  list.Total,
		Unsent: len(unsent),
	}
	if sendErr != nil {
		sum.Action = "send incomplete"
		sum.Warnings = []string{sendErr.Error()}
	}
	notifyQuietly(ctx, n, sum)
	return sendErr
}

func export(ctx context.Context, s *settle.Settler, id uuid.UUID, sent *bool) error {
	out, err := s.Export(ctx, id, sent)
	if err != nil {
		return err
	}
	for _, b64 := range out {
		fmt.Println(b64)
	}
	return nil
}

func governance(ctx context.Context, log *slog.Logger, s *settle.Settler, n notify.Notifier, gt settle.GovernanceType) error {
	upd, err := s.UpdateSigners(ctx, gt)
	if err != nil {
		return err
	}
	if upd.List == nil {
		log.Warn("signer update skipped, no eligible holders")
		return nil
	}
	fmt.Println(upd.List.ID)

	var warnings []string
	if upd.Normalized.Deviates {
		warnings = append(warnings, fmt.Sprintf("largest share %.3f outside the target band", upd.Normalized.LargestShare))
	}
	notifyQuietly(ctx, n, notify.Summary{
		Action:    "signer update created",
		ListID:    upd.List.ID.String(),
		Type:      store.ListTypeGovernance,
		Memo:      upd.List.Memo,
		Envelopes: 1,
		Unsent:    1,
		Warnings:  warnings,
	})
	return nil
}
