// Command nodexd is the Nodex daemon: it owns the device registry, the SSH and
// local shell sessions and network discovery, and serves them over gRPC.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/and161185/nodex/internal/config"
	pkgcrypto "github.com/and161185/nodex/internal/crypto"
	"github.com/and161185/nodex/internal/discovery"
	"github.com/and161185/nodex/internal/migrate"
	"github.com/and161185/nodex/internal/repository"
	"github.com/and161185/nodex/internal/repository/jsonfile"
	"github.com/and161185/nodex/internal/repository/postgres"
	grpcserver "github.com/and161185/nodex/internal/server/grpc"
	"github.com/and161185/nodex/internal/service"
	"github.com/and161185/nodex/internal/terminal"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

const (
	storeFile     = "file"
	storePostgres = "postgres"
)

type options struct {
	listen        string
	store         string
	dataPath      string
	dsn           string
	knownHosts    string
	hostKeyPolicy terminal.HostKeyPolicy
	sshTimeout    time.Duration
	sshKeepAlive  time.Duration
	scanTimeout   time.Duration
	scanWorkers   int
	scanMaxHosts  int
	strip         bool
	dev           bool
	migrateDown   bool
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var o options
	fs := flag.NewFlagSet("nodexd", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&o.listen, "listen", config.DefaultListen(), "listen address (host:port or unix:///path)")
	fs.StringVar(&o.store, "store", storeFile, "device store: file or postgres")
	fs.StringVar(&o.dataPath, "data", config.DefaultDataPath(), "devices.json path for -store file")
	fs.StringVar(&o.dsn, "dsn", "", "PostgreSQL DSN for -store postgres")
	fs.StringVar(&o.knownHosts, "known-hosts", "", "known_hosts file (default: next to the data file)")
	policy := fs.String("host-key-policy", string(terminal.HostKeyTOFU), "host key policy: tofu, strict or accept-any")
	fs.DurationVar(&o.sshTimeout, "ssh-timeout", terminal.DefaultDialTimeout, "SSH connect and handshake timeout")
	fs.DurationVar(&o.sshKeepAlive, "ssh-keepalive", terminal.DefaultKeepAlive, "SSH keepalive interval, 0 disables")
	fs.DurationVar(&o.scanTimeout, "scan-timeout", discovery.DefaultProbeTimeout, "per-host probe timeout")
	fs.IntVar(&o.scanWorkers, "scan-workers", discovery.DefaultWorkers, "concurrent probes")
	fs.IntVar(&o.scanMaxHosts, "scan-max-hosts", discovery.DefaultMaxHosts, "hosts probed per interface")
	fs.BoolVar(&o.strip, "strip-control-sequences", false, "strip ANSI escape sequences from session output")
	fs.BoolVar(&o.dev, "dev", false, "development logging and server reflection")
	fs.BoolVar(&o.migrateDown, "migrate-down", false, "roll back the latest postgres migration and exit")
	if err := fs.Parse(args); err != nil {
		return o, err
	}

	p, err := terminal.ParseHostKeyPolicy(*policy)
	if err != nil {
		return o, err
	}
	o.hostKeyPolicy = p
	switch o.store {
	case storeFile:
	case storePostgres:
		if o.dsn == "" {
			return o, errors.New("-dsn is required with -store postgres")
		}
	default:
		return o, fmt.Errorf("unknown -store %q", o.store)
	}
	if o.migrateDown && o.store != storePostgres {
		return o, errors.New("-migrate-down requires -store postgres")
	}
	if o.knownHosts == "" {
		o.knownHosts = config.KnownHostsPath(o.dataPath)
	}
	return o, nil
}

func newLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// openRepo builds the configured device store. The returned closer is never nil.
func openRepo(ctx context.Context, o options, log *zap.Logger) (repository.DeviceRepository, func(), error) {
	if o.store == storeFile {
		log.Info("device store", zap.String("store", storeFile), zap.String("path", o.dataPath))
		return jsonfile.NewDeviceRepo(o.dataPath, log), func() {}, nil
	}
	if err := migrate.Up(ctx, o.dsn); err != nil {
		return nil, nil, fmt.Errorf("migrate up: %w", err)
	}
	db, err := postgres.New(ctx, o.dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres: %w", err)
	}
	log.Info("device store", zap.String("store", storePostgres))
	return postgres.NewDeviceRepo(db), db.Close, nil
}

func listen(addr string) (net.Listener, error) {
	network, address, err := config.ParseListen(addr)
	if err != nil {
		return nil, err
	}
	if network != "unix" {
		return net.Listen(network, address)
	}
	if err := os.MkdirAll(filepath.Dir(address), 0o700); err != nil {
		return nil, err
	}
	// a socket left behind by a crashed daemon
	if err := os.Remove(address); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	lis, err := net.Listen(network, address)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(address, 0o600); err != nil {
		_ = lis.Close()
		return nil, err
	}
	return lis, nil
}

// main parses configuration, wires the store, sessions and discovery, and serves gRPC.
func main() {
	o, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := newLogger(o.dev)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("listen", o.listen),
	)

	// Context with OS signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if o.migrateDown {
		if err := migrate.Down(ctx, o.dsn); err != nil {
			logger.Fatal("migrate down", zap.Error(err))
		}
		logger.Info("rolled back latest migration")
		return
	}

	cipher := pkgcrypto.NewCipher(pkgcrypto.EnvKeySource(pkgcrypto.KeyEnv, ".env"))
	if err := cipher.Ready(); err != nil {
		// read-only operations keep working without a key
		logger.Error("secret key unusable; credential operations will fail", zap.Error(err))
	}

	repo, closeRepo, err := openRepo(ctx, o, logger)
	if err != nil {
		logger.Fatal("device store", zap.Error(err))
	}
	defer closeRepo()

	hostKeys, err := terminal.NewHostKeyCallback(o.hostKeyPolicy, o.knownHosts, logger)
	if err != nil {
		logger.Fatal("host key policy", zap.Error(err))
	}

	devices := service.NewDeviceService(repo, cipher, pkgcrypto.NewKeyGenerator(), logger)
	remote := terminal.NewRemoteManager(cipher, terminal.RemoteConfig{
		HostKeyCallback:       hostKeys,
		DialTimeout:           o.sshTimeout,
		KeepAlive:             o.sshKeepAlive,
		StripControlSequences: o.strip,
	}, logger)
	defer remote.Close()
	local := terminal.NewLocalManager(terminal.LocalConfig{StripControlSequences: o.strip}, logger)
	defer local.Close()
	scanner := discovery.NewScanner(
		discovery.WithProbeTimeout(o.scanTimeout),
		discovery.WithWorkers(o.scanWorkers),
		discovery.WithMaxHosts(o.scanMaxHosts),
		discovery.WithLogger(logger),
	)

	s := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			grpcserver.RecoverUnary(logger),
			grpcserver.LoggingUnary(logger),
		),
		grpc.ChainStreamInterceptor(
			grpcserver.RecoverStream(logger),
			grpcserver.LoggingStream(logger),
		),
	)
	grpcserver.RegisterNodexServer(s, grpcserver.New(devices, remote, local, scanner, logger))

	// Health & reflection (dev)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(s, hs)
	hs.SetServingStatus(grpcserver.ServiceName, healthpb.HealthCheckResponse_SERVING)
	if o.dev {
		reflection.Register(s)
	}

	lis, err := listen(o.listen)
	if err != nil {
		logger.Fatal("listen", zap.Error(err))
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", lis.Addr().String()))
		errCh <- s.Serve(lis)
	}()

	// Wait for stop
	select {
	case <-ctx.Done():
		hs.Shutdown()
		// live session streams never finish on their own
		remote.Close()
		local.Close()
		done := make(chan struct{})
		go func() {
			s.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			s.Stop()
		}
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}
