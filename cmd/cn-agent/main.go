package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/suyash-sneo/cloudname"
	"github.com/suyash-sneo/cloudname/coord"
	"github.com/suyash-sneo/cloudname/coord/etcd"
	"github.com/suyash-sneo/cloudname/coord/redis"
)

func main() {
	var (
		configPath  string
		backend     string
		redisAddr   string
		etcdAddrs   string
		coordFlag   string
		endpoints   string
		watchExpr   string
		createCoord bool
		verbose     bool
	)

	flag.StringVar(&configPath, "config", "", "yaml config file (defaults are used when empty)")
	flag.StringVar(&backend, "backend", "redis", "coordination backend: redis or etcd")
	flag.StringVar(&redisAddr, "redis", "127.0.0.1:6379", "redis address")
	flag.StringVar(&etcdAddrs, "etcd", "127.0.0.1:2379", "etcd endpoints (comma-separated)")
	flag.StringVar(&coordFlag, "coordinate", "", "coordinate to claim, instance.service.user.cell")
	flag.StringVar(&endpoints, "endpoints", "", "endpoints to publish, name=host:port/protocol (comma-separated)")
	flag.StringVar(&watchExpr, "watch", "", "address expression to follow and log")
	flag.BoolVar(&createCoord, "create", false, "create the coordinate if it does not exist")
	flag.BoolVar(&verbose, "v", false, "verbose logging")
	flag.Parse()

	logger, err := newLogger(verbose)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	cfg := cloudname.DefaultConfig()
	if configPath != "" {
		if cfg, err = cloudname.LoadConfig(configPath); err != nil {
			logger.Fatal("load config", zap.Error(err))
		}
	}

	store, closeStore, err := openStore(backend, redisAddr, etcdAddrs)
	if err != nil {
		logger.Fatal("open store", zap.String("backend", backend), zap.Error(err))
	}
	defer func() { _ = closeStore() }()

	client, err := cloudname.New(store,
		cloudname.WithConfig(cfg),
		cloudname.WithLogger(cloudname.NewZapLogger(logger)),
	)
	if err != nil {
		logger.Fatal("client", zap.Error(err))
	}
	defer func() { _ = client.Close() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	connectCtx, connectCancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	err = client.Connect(connectCtx)
	connectCancel()
	if err != nil {
		logger.Fatal("connect", zap.Error(err))
	}

	if coordFlag != "" {
		if err := serve(ctx, client, logger, coordFlag, endpoints, createCoord); err != nil {
			logger.Fatal("serve", zap.Error(err))
		}
	}
	if watchExpr != "" {
		listener := &logEndpoints{logger: logger}
		if err := client.Resolver().AddListener(ctx, watchExpr, listener); err != nil {
			logger.Fatal("watch", zap.String("expression", watchExpr), zap.Error(err))
		}
	}
	<-ctx.Done()
	logger.Info("shutting down")
}

func newLogger(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return cfg.Build()
}

func openStore(backend, redisAddr, etcdAddrs string) (coord.Store, func() error, error) {
	switch backend {
	case "redis":
		s, err := redis.New(redis.Options{Addr: redisAddr})
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case "etcd":
		s, err := etcd.New(etcd.Options{Endpoints: splitList(etcdAddrs)})
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown backend %q", backend)
	}
}

// serve claims the coordinate, publishes endpoints and marks it running.
func serve(ctx context.Context, client *cloudname.Client, logger *zap.Logger, coordFlag, endpointsFlag string, create bool) error {
	co, err := cloudname.ParseCoordinate(coordFlag)
	if err != nil {
		return err
	}
	eps, err := parseEndpoints(endpointsFlag)
	if err != nil {
		return err
	}
	if create {
		if err := client.CreateCoordinate(ctx, co); err != nil && !errors.Is(err, cloudname.ErrCoordinateExists) {
			return err
		}
	}
	h, err := client.Claim(ctx, co)
	if err != nil {
		return err
	}
	h.RegisterCoordinateListener(cloudname.CoordinateListenerFunc(func(ev cloudname.CoordinateEvent, msg string) {
		logger.Info("coordinate event", zap.Stringer("event", ev), zap.String("message", msg))
	}))
	if err := h.PutEndpoints(ctx, eps...); err != nil {
		return err
	}
	return h.SetStatus(ctx, cloudname.ServiceStatus{State: cloudname.StateRunning, Message: "started " + time.Now().UTC().Format(time.RFC3339)})
}

func parseEndpoints(flagVal string) ([]cloudname.Endpoint, error) {
	var out []cloudname.Endpoint
	for _, item := range splitList(flagVal) {
		name, rest, ok := strings.Cut(item, "=")
		if !ok {
			return nil, fmt.Errorf("endpoint %q: expected name=host:port/protocol", item)
		}
		hostPort, protocol, _ := strings.Cut(rest, "/")
		host, portStr, err := net.SplitHostPort(hostPort)
		if err != nil {
			return nil, fmt.Errorf("endpoint %q: %w", item, err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("endpoint %q: bad port", item)
		}
		out = append(out, cloudname.Endpoint{Name: name, Host: host, Port: port, Protocol: protocol})
	}
	return out, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

type logEndpoints struct {
	logger *zap.Logger
}

func (l logEndpoints) OnEndpointEvent(ev cloudname.EndpointEvent, ep cloudname.Endpoint) {
	l.logger.Info("endpoint event",
		zap.Stringer("event", ev),
		zap.String("endpoint", ep.Key()),
		zap.String("address", net.JoinHostPort(ep.Host, strconv.Itoa(ep.Port))),
	)
}
