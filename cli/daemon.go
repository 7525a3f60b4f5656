package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	_ "net/http/pprof" // #nosec G108
	"time"

	"github.com/sirupsen/logrus"

	"github.com/netresearch/jobbroker/config"
	"github.com/netresearch/jobbroker/core"
	"github.com/netresearch/jobbroker/web"
)

var (
	// ErrJWTSecretRequired is returned when the daemon is started without a
	// JWT signing secret; there is no insecure fallback.
	ErrJWTSecretRequired = errors.New("jwt secret is required (set --jwt-secret or JOBBROKER_JWT_SECRET)")
)

// DaemonCommand runs the broker as a long-lived process: it loads the
// destination/application configuration, starts the job orchestrator's
// startup reconciliation, and serves the HTTP API until a shutdown signal
// arrives. Uses a boot/start/shutdown split with ShutdownManager/
// GracefulServer wiring around core.Orchestrator and config.Config.
type DaemonCommand struct {
	ConfigFile  string `long:"config" env:"JOBBROKER_CONFIG" description:"configuration file" default:"/etc/jobbroker/config.yaml"`
	LogLevel    string `long:"log-level" env:"JOBBROKER_LOG_LEVEL" description:"Log level (debug,info,warn,error)"`
	Addr        string `long:"addr" env:"JOBBROKER_ADDR" description:"HTTP listen address" default:":8080"`
	JWTSecret   string `long:"jwt-secret" env:"JOBBROKER_JWT_SECRET" description:"JWT signing secret" default-mask:"-"`
	StoreDir    string `long:"store-dir" env:"JOBBROKER_STORE_DIR" description:"Badger job store directory (empty uses an in-memory store)"`
	EnablePprof bool   `long:"enable-pprof" env:"JOBBROKER_ENABLE_PPROF" description:"Enable pprof server"`
	PprofAddr   string `long:"pprof-address" env:"JOBBROKER_PPROF_ADDRESS" description:"Pprof addr" default:"127.0.0.1:6060"`

	Version string

	Logger   *slog.Logger
	LevelVar *slog.LevelVar

	store           core.JobStore
	dests           *core.DestinationSet
	orchestrator    *core.Orchestrator
	webServer       *web.Server
	pprofServer     *http.Server
	shutdownManager *core.ShutdownManager
	coreLogger      core.Logger
	done            chan struct{}
}

// Execute runs the daemon.
func (c *DaemonCommand) Execute(_ []string) error {
	if err := c.boot(); err != nil {
		return err
	}
	if err := c.start(); err != nil {
		return err
	}
	return c.shutdown()
}

func (c *DaemonCommand) boot() error {
	c.done = make(chan struct{})

	if err := ApplyLogLevel(c.LogLevel, c.LevelVar); err != nil {
		c.Logger.Error(fmt.Sprintf("Failed to apply log level: %v", err))
		return fmt.Errorf("invalid log level configuration: %w", err)
	}

	if c.JWTSecret == "" {
		return ErrJWTSecretRequired
	}

	c.coreLogger = &core.LogrusAdapter{Logger: logrus.New()}
	c.shutdownManager = core.NewShutdownManager(c.coreLogger, 30*time.Second)

	cfg, err := config.Load(c.ConfigFile)
	if err != nil {
		return fmt.Errorf("load config %q: %w", c.ConfigFile, err)
	}

	registry, err := core.NewApplicationRegistry(cfg.Applications(), cfg.InteractiveApps())
	if err != nil {
		return fmt.Errorf("compile applications: %w", err)
	}

	c.dests, err = cfg.BuildDestinations(c.coreLogger)
	if err != nil {
		return fmt.Errorf("build destinations: %w", err)
	}

	picker, err := core.NewPicker(cfg.DestinationPicker)
	if err != nil {
		return fmt.Errorf("build destination picker: %w", err)
	}

	if c.StoreDir != "" {
		badger, err := core.NewBadgerJobStore(c.StoreDir)
		if err != nil {
			return fmt.Errorf("open job store at %q: %w", c.StoreDir, err)
		}
		c.store = badger
	} else {
		c.store = core.NewMemoryJobStore()
	}

	c.orchestrator = core.NewOrchestrator(c.store, c.dests, picker, registry, cfg.JobRootDir, nil, c.coreLogger)
	interactive := core.NewInteractiveRunner(c.store, registry, cfg.JobRootDir, c.coreLogger)

	jwt, err := web.NewJWTManager(c.JWTSecret)
	if err != nil {
		return fmt.Errorf("build jwt manager: %w", err)
	}
	version := c.Version
	if version == "" {
		version = "dev"
	}
	health := web.NewHealthChecker(c.store, c.dests, version)

	c.webServer = web.NewServer(c.Addr, c.orchestrator, c.store, interactive, jwt, health)

	c.shutdownManager.RegisterHook(core.ShutdownHook{
		Name:     "orchestrator",
		Priority: 10,
		Hook:     c.orchestrator.Shutdown,
	})
	c.shutdownManager.RegisterHook(core.ShutdownHook{
		Name:     "destinations",
		Priority: 40,
		Hook: func(context.Context) error {
			return c.dests.Close()
		},
	})
	c.shutdownManager.RegisterHook(core.ShutdownHook{
		Name:     "store",
		Priority: 50,
		Hook: func(context.Context) error {
			return c.store.Close()
		},
	})
	core.NewGracefulServer(c.webServer.GetHTTPServer(), c.shutdownManager, c.coreLogger)

	if c.EnablePprof {
		c.pprofServer = &http.Server{
			Addr:              c.PprofAddr,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      60 * time.Second,
			IdleTimeout:       120 * time.Second,
		}
	}

	return nil
}

func (c *DaemonCommand) start() error {
	c.shutdownManager.ListenForShutdown()

	go func() {
		<-c.shutdownManager.ShutdownChan()
		close(c.done)
	}()

	startupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := c.orchestrator.Startup(startupCtx); err != nil {
		return fmt.Errorf("reconcile non-terminal jobs: %w", err)
	}

	if c.EnablePprof {
		c.Logger.Info(fmt.Sprintf("Starting pprof server on %s...", c.PprofAddr))
		pprofErrChan := make(chan error, 1)
		go func() {
			if err := c.pprofServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				c.Logger.Error(fmt.Sprintf("Error starting pprof server: %v", err))
				pprofErrChan <- err
				close(c.done)
			}
		}()

		ctx, pprofCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer pprofCancel()
		if err := waitForServerWithErrChan(ctx, c.PprofAddr, pprofErrChan); err != nil {
			return fmt.Errorf("pprof server startup failed: %w", err)
		}
	}

	c.Logger.Info(fmt.Sprintf("Starting HTTP server on %s...", c.Addr))
	webErrChan := make(chan error, 1)
	if err := c.webServer.Start(); err != nil {
		return fmt.Errorf("start http server: %w", err)
	}
	_ = webErrChan

	ctx, cancelWait := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelWait()
	if err := waitForServerWithErrChan(ctx, c.Addr, webErrChan); err != nil {
		return fmt.Errorf("http server startup failed: %w", err)
	}
	c.Logger.Info(fmt.Sprintf("Job broker ready at http://%s", c.Addr))

	return nil
}

func (c *DaemonCommand) shutdown() error {
	<-c.done
	return nil
}

func waitForServerWithErrChan(ctx context.Context, addr string, errChan <-chan error) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for server: %w", ctx.Err())
		case err := <-errChan:
			if err != nil {
				return fmt.Errorf("server failed to start: %w", err)
			}
		case <-ticker.C:
			conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
			if err == nil {
				_ = conn.Close()
				return nil
			}
		}
	}
}
