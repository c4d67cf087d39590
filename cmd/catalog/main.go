package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/airbusgeo/geocube-mosaic/catalog"
	db "github.com/airbusgeo/geocube-mosaic/interface/database"
	"github.com/airbusgeo/geocube-mosaic/interface/database/memory"
	"github.com/airbusgeo/geocube-mosaic/interface/database/pg"
	"github.com/airbusgeo/geocube-mosaic/interface/database/sqlite"
	"github.com/airbusgeo/geocube-mosaic/interface/raster/worldfile"
	"github.com/airbusgeo/geocube-mosaic/mosaic"
	"github.com/airbusgeo/geocube-mosaic/service"
	"github.com/airbusgeo/geocube-mosaic/service/log"
	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

type config struct {
	Roots         []string
	DbDriver      string
	DbConnection  string
	WorkingDir    string
	OverviewDepth int
	PoolSize      int
	Workers       int
	Reset         bool
	Build         bool
	Serve         bool
	AppPort       string
	LogLevel      string
	LogFile       string
}

func newAppConfig() (*config, error) {
	roots := flag.String("roots", "", "comma-separated list of the directories to catalog")
	dbDriver := flag.String("db-driver", "sqlite", "catalog storage: sqlite, postgres or memory")
	dbConnection := flag.String("db-connection", "", "database connection (sqlite: path of the file, postgres: connection string)")
	workdir := flag.String("workdir", "", "working directory to extract the members of the archives (default: temporary directory)")
	overviewDepth := flag.Int("overview-depth", mosaic.DefaultOverviewDepth, "number of overview levels (MaxGSD = MinGSD * 2^depth)")
	poolSize := flag.Int("pool-size", catalog.DefaultPoolSize, "number of handles opened per raster to read the tiles")
	workers := flag.Int("workers", mosaic.DefaultWorkers, "number of roots scanned in parallel")
	reset := flag.Bool("reset", false, "delete the manifests, so that every directory is scanned again")
	build := flag.Bool("build", false, "build the catalog")
	serve := flag.Bool("serve", false, "serve the catalog over http")
	appPort := flag.String("port", "8080", "http port (with -serve)")
	logLevel := flag.String("log-level", "info", "debug, info, warn or error")
	logFile := flag.String("log-file", "", "write the logs to a rotated file instead of stderr")
	flag.Parse()

	var rootList []string
	for _, r := range strings.Split(*roots, ",") {
		if r = strings.TrimSpace(r); r != "" {
			rootList = append(rootList, r)
		}
	}
	if len(rootList) == 0 {
		return nil, fmt.Errorf("missing roots config flag")
	}
	if !*reset && !*build && !*serve {
		return nil, fmt.Errorf("nothing to do: expecting -reset, -build and/or -serve")
	}
	switch *dbDriver {
	case "memory":
		if *serve && !*build {
			return nil, fmt.Errorf("an in-memory catalog must be built to be served")
		}
	case "sqlite", "postgres":
		if *dbConnection == "" {
			return nil, fmt.Errorf("missing db-connection config flag")
		}
	default:
		return nil, fmt.Errorf("unknown db-driver: %s", *dbDriver)
	}
	if *overviewDepth < 0 || *overviewDepth > 30 {
		return nil, fmt.Errorf("invalid overview-depth: %d", *overviewDepth)
	}

	return &config{
		Roots:         rootList,
		DbDriver:      *dbDriver,
		DbConnection:  *dbConnection,
		WorkingDir:    *workdir,
		OverviewDepth: *overviewDepth,
		PoolSize:      *poolSize,
		Workers:       *workers,
		Reset:         *reset,
		Build:         *build,
		Serve:         *serve,
		AppPort:       *appPort,
		LogLevel:      *logLevel,
		LogFile:       *logFile,
	}, nil
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx)
	cancel()
	log.Sync()
	if err != nil {
		log.Fatal("error", zap.Error(err))
	}
}

func openDB(ctx context.Context, config *config) (db.CatalogDBBackend, error) {
	switch config.DbDriver {
	case "memory":
		return memory.New(), nil
	case "sqlite":
		return sqlite.New(ctx, config.DbConnection)
	case "postgres":
		return pg.New(ctx, config.DbConnection)
	}
	return nil, fmt.Errorf("unknown db-driver: %s", config.DbDriver)
}

func run(ctx context.Context) (err error) {
	config, err := newAppConfig()
	if err != nil {
		return err
	}
	if err := log.Configure(log.Config{Level: config.LogLevel, File: config.LogFile}); err != nil {
		return err
	}

	// Connection to database
	database, err := openDB(ctx, config)
	if err != nil {
		return fmt.Errorf("openDB(%s): %w", config.DbDriver, err)
	}

	// Working dir
	workingDir := config.WorkingDir
	if workingDir == "" {
		workingDir = os.TempDir()
	}
	workingDir = filepath.Join(workingDir, "mosaic-"+uuid.New().String())
	if err = os.MkdirAll(workingDir, 0766); err != nil {
		return service.MakeTemporary(fmt.Errorf("make directory %s: %w", workingDir, err))
	}
	defer os.RemoveAll(workingDir)

	c := catalog.New(database, worldfile.NewOpener(workingDir), catalog.Config{
		Roots:         config.Roots,
		OverviewDepth: config.OverviewDepth,
		Workers:       config.Workers,
		PoolSize:      config.PoolSize,
		Progress: func(n int) {
			if n == mosaic.ProgressIndexing {
				log.Logger(ctx).Debug("indexing the catalog")
				return
			}
			log.Logger(ctx).Sugar().Debugf("%d items processed", n)
		},
	})
	defer func() {
		err = service.MergeErrors(true, err, c.Close(context.Background()))
	}()

	if config.Reset {
		n, err := c.Reset(ctx)
		if err != nil {
			return err
		}
		log.Logger(ctx).Sugar().Infof("%d manifests deleted", n)
	}

	if config.Build {
		bctx := log.With(ctx, "build", uuid.New().String())
		stats, err := c.Build(bctx)
		if err != nil {
			return err
		}
		log.Logger(bctx).Info("catalog built",
			zap.Int("entries", stats.Entries),
			zap.Int("failed", stats.Failed),
			zap.Int("directories", stats.Directories),
			zap.Int("cached", stats.CachedDirectories),
			zap.Int("manifestErrors", stats.ManifestErrors),
			zap.Duration("duration", stats.Duration))
	}

	if !config.Serve {
		return nil
	}

	// HTTP Server
	r := mux.NewRouter()
	c.AddHandler(r)
	headersOk := handlers.AllowedHeaders([]string{"*"})
	originsOk := handlers.AllowedOrigins([]string{"*"})
	methodsOk := handlers.AllowedMethods([]string{"GET", "POST", "OPTIONS"})
	s := http.Server{
		Addr:    ":" + config.AppPort,
		Handler: handlers.RecoveryHandler()(handlers.CORS(originsOk, headersOk, methodsOk)(r)),
	}

	go func() {
		if err := s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Logger(ctx).Fatal("catalog.ListenAndServe", zap.Error(err))
		}
	}()
	log.Logger(ctx).Sugar().Infof("catalog of %v served on :%s", config.Roots, config.AppPort)

	<-ctx.Done()
	sctx, cncl := context.WithTimeout(context.Background(), 30*time.Second)
	defer cncl()
	return s.Shutdown(sctx)
}
