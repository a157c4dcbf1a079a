package app

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sittitep/tradetalk/api"
	"github.com/sittitep/tradetalk/hub"
	"github.com/sittitep/tradetalk/store"
)

// App wires the durable REST side and the two live hubs behind one
// HTTP server.
type App struct {
	config  *Config
	db      *store.SQLiteDB
	context context.Context
	server  *http.Server
	logger  *slog.Logger

	roomHub   *hub.RoomHub
	notifyHub *hub.NotificationHub

	chatStore         store.ChatStore
	notificationStore store.NotificationStore

	exit         chan int
	cleanupFuncs []func(context.Context)
}

func New(ctx context.Context, config *Config) *App {
	app := &App{
		exit: make(chan int),
	}
	if ctx == nil {
		ctx, _ = signal.NotifyContext(
			context.Background(),
			syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP)
	}
	app.context = ctx

	if config == nil {
		var err error
		config, err = LoadConfig()
		if err != nil {
			failed(1, "failed to load config: %v\n", err)
		}
	}
	if err := config.Validate(); err != nil {
		failed(1, FormatValidationErrors(err))
	}
	app.config = config

	app.logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level:     slog.LevelDebug,
		AddSource: true,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.SourceKey {
				source, _ := a.Value.Any().(*slog.Source)
				if source != nil {
					source.File = filepath.Base(source.File)
				}
			}
			return a
		},
	}))

	var err error
	app.db, err = store.OpenSQLite(store.SQLiteConfig{
		File:        app.config.SQLite.File,
		Mode:        "rwc",
		Cache:       "shared",
		JournalMode: "WAL",
	}, app.config.SQLite.Migrations)
	if err != nil {
		failed(1, "failed to open database: %v\n", err)
	}
	app.AddCleanupFunc(func(ctx context.Context) {
		app.db.Close()
	})
	if err := app.db.Migrate(); err != nil {
		failed(1, "failed to migrate database: %v\n", err)
	}

	app.chatStore = store.NewSQLiteChatStore(app.db.DB)
	app.notificationStore = store.NewSQLiteNotificationStore(app.db.DB)

	secret := []byte(app.config.Auth.Secret)
	app.roomHub = hub.NewRoomHub(app.chatStore, secret,
		hub.WithLogger(app.logger), hub.WithBaseContext(app.context))
	app.notifyHub = hub.NewNotificationHub(app.notificationStore, secret,
		hub.WithNotificationLogger(app.logger), hub.WithNotificationBaseContext(app.context))
	app.AddCleanupFunc(func(ctx context.Context) {
		app.roomHub.Close()
		app.notifyHub.Close()
	})

	restAPI := api.New(app.chatStore, app.notificationStore, api.Config{
		Secret:         secret,
		AllowedOrigins: app.config.AllowedOrigins,
	})

	r := chi.NewRouter()
	r.Mount("/api", restAPI.Handler())
	r.Get("/ws/rooms", app.roomHub.ServeHTTP)
	r.Get("/ws/notifications", app.notifyHub.ServeHTTP)

	app.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", app.config.Hostname, app.config.Port),
		Handler: r,
		BaseContext: func(listener net.Listener) context.Context {
			return app.context
		},
	}

	return app
}

func (app *App) Start() {
	// listen for shutdown signal
	go func() {
		<-app.context.Done()
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer closeCancel()

		var wg sync.WaitGroup
		for _, f := range app.cleanupFuncs {
			wg.Add(1)
			go func(f func(context.Context)) {
				defer wg.Done()
				f(closeCtx)
			}(f)
		}

		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			app.logger.Info("app shutdown gracefully")
			app.exit <- 0
		case <-closeCtx.Done():
			app.logger.Info("app shutdown timed out")
			app.exit <- 1
		}
	}()

	app.AddCleanupFunc(func(ctx context.Context) {
		app.server.Shutdown(ctx)
	})

	app.logger.Info(fmt.Sprintf("listening on %s:%d", app.config.Hostname, app.config.Port))
	if err := app.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		failed(1, "server error: %v\n", err)
	}

	code := <-app.exit
	os.Exit(code)
}

func (app *App) AddCleanupFunc(f func(context.Context)) {
	app.cleanupFuncs = append(app.cleanupFuncs, f)
}

func failed(code int, s string, args ...interface{}) {
	fmt.Printf(s, args...)
	os.Exit(code)
}
