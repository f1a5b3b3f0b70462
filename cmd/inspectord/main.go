package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	json "github.com/goccy/go-json"

	"github.com/obe711/realm-inspector-go/pkg/adapter"
	"github.com/obe711/realm-inspector-go/pkg/audit"
	"github.com/obe711/realm-inspector-go/pkg/config"
	"github.com/obe711/realm-inspector-go/pkg/inspector"
	"github.com/obe711/realm-inspector-go/pkg/logging"
	"github.com/obe711/realm-inspector-go/pkg/storage/sqlite"
	"github.com/obe711/realm-inspector-go/pkg/wire"
)

func main() {
	configPath := flag.String("config", "", "Path to config.toml (optional)")
	dbPath := flag.String("db", "./_dev_data/inspector.db", "Database path (storage.dbPath in the config takes precedence)")
	seed := flag.Bool("seed", false, "Create demo collections on startup")
	flag.Parse()

	logger := logging.New("inspectord")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *configPath, *dbPath, *seed, logger); err != nil {
		logger.Errorf("fatal error: %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath, dbPath string, seed bool, logger *logging.Logger) error {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	if err := logger.Configure(cfg.Logging); err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	if cfg.Storage.DBPath != "" {
		dbPath = cfg.Storage.DBPath
	}

	store, err := sqlite.Open(dbPath, sqlite.Options{
		JournalMode:  cfg.Storage.JournalMode,
		Synchronous:  cfg.Storage.Synchronous,
		MaxDepth:     cfg.Serializer.MaxDepth,
		MaxListItems: cfg.Serializer.MaxListItems,
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()
	if err := store.Init(ctx); err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	if seed {
		if err := seedDemo(ctx, store); err != nil {
			return fmt.Errorf("seed demo data: %w", err)
		}
		logger.Infof("seeded demo collections")
	}

	srv := inspector.NewServer(cfg.Server, store, logger)
	if cfg.Audit.Enabled {
		recorder, err := audit.Open(cfg.Audit.Dir, logger)
		if err != nil {
			return fmt.Errorf("open audit repo: %w", err)
		}
		srv.OnMutation(auditHook(store, recorder, logger))
	}

	if err := srv.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	defer srv.Stop()

	logger.Infof("inspector agent ready (network %d, usb %d, mode %s)",
		cfg.Server.NetworkPort, cfg.Server.USBPort, cfg.Server.TransportMode)

	<-ctx.Done()
	logger.Infof("shutting down")
	return nil
}

// auditHook snapshots the mutated collection after each successful write.
// It runs on the adapter context, so store access here is safe.
func auditHook(store *sqlite.Store, recorder *audit.Recorder, logger *logging.Logger) inspector.MutationHook {
	return func(op wire.RequestKind, typeName string) {
		ctx := context.Background()
		var payload []byte
		var err error
		if typeName == "" {
			schemas, lsErr := store.ListSchemas(ctx)
			if lsErr != nil {
				logger.Errorf("audit snapshot failed: %v", lsErr)
				return
			}
			names := make([]string, 0, len(schemas))
			for _, schema := range schemas {
				names = append(names, schema.Name)
			}
			payload, err = json.MarshalIndent(map[string]any{"collections": names}, "", "  ")
		} else {
			result, qErr := store.Query(ctx, adapter.QueryParams{
				TypeName:  typeName,
				Ascending: true,
				Limit:     10000,
			})
			if qErr != nil {
				logger.Errorf("audit snapshot failed: %v", qErr)
				return
			}
			payload, err = json.MarshalIndent(result.Documents, "", "  ")
		}
		if err != nil {
			logger.Errorf("audit snapshot encode failed: %v", err)
			return
		}
		if err := recorder.Record(string(op), typeName, payload); err != nil {
			logger.Errorf("audit commit failed: %v", err)
		}
	}
}

func seedDemo(ctx context.Context, store *sqlite.Store) error {
	schemas := []adapter.SchemaInfo{
		{
			Name:       "User",
			PrimaryKey: "id",
			Properties: []adapter.PropertyInfo{
				{Name: "id", Type: adapter.PropObjectID, IsPrimaryKey: true},
				{Name: "name", Type: adapter.PropString},
				{Name: "email", Type: adapter.PropString, IsIndexed: true},
				{Name: "age", Type: adapter.PropInt, IsOptional: true},
				{Name: "posts", Type: "LinkingObjects<Post>", ObjectClassName: "Post"},
			},
		},
		{
			Name:       "Post",
			PrimaryKey: "id",
			Properties: []adapter.PropertyInfo{
				{Name: "id", Type: adapter.PropObjectID, IsPrimaryKey: true},
				{Name: "title", Type: adapter.PropString},
				{Name: "author", Type: "Link<User>", ObjectClassName: "User"},
				{Name: "createdAt", Type: adapter.PropDate},
			},
		},
	}
	for _, schema := range schemas {
		if err := store.DefineCollection(ctx, schema); err != nil {
			return err
		}
	}
	return nil
}
