package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/chzyer/readline"
	goredis "github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"github.com/suyash-sneo/cloudname"
	"github.com/suyash-sneo/cloudname/coord/redis"
)

const helpText = `commands:
  create <coord>                      create a coordinate
  destroy <coord>                     destroy an unclaimed coordinate
  claim <coord>                       claim a coordinate
  release <coord>                     release a claim
  state <coord> <STATE> [message]     publish a service state
  endpoint <coord> <name> <host:port> [protocol]
  status <coord>                      show published status and endpoints
  config <coord> [value]              read or write the config value
  resolve <expression>                resolve once
  watch <expression>                  follow an expression
  unwatch <expression>
  lock <coord> <cell|user|service> <name> [timeout]
  unlock <coord> <name>
  ls [path]                           list store children
  fail on|off                         drop every redis command
  load <file>                         run a yaml or json script
  quit`

func main() {
	var (
		mode       string
		redisAddr  string
		scriptFile string
	)
	flag.StringVar(&mode, "mode", "simulated", "simulated (in-process redis) or real")
	flag.StringVar(&redisAddr, "redis", "127.0.0.1:6379", "redis address for real mode")
	flag.StringVar(&scriptFile, "script", "", "path to YAML/JSON script to run on start")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sh, err := newShell(ctx, mode, redisAddr, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cn-shell init: %v\n", err)
		os.Exit(1)
	}
	defer sh.close()

	if scriptFile != "" {
		go sh.runScript(ctx, scriptFile)
	}
	fmt.Fprintln(sh.out, "Cloudname shell ready. Type 'help' for commands.")
	if err := sh.repl(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "cn-shell: %v\n", err)
	}
}

type shell struct {
	out    io.Writer
	client *cloudname.Client
	store  *redis.Store
	server *miniredis.Miniredis
	hook   *chaosHook

	mu      sync.Mutex
	handles map[string]*cloudname.ServiceHandle
	locks   map[string]*cloudname.Lock
	watches map[string]*printListener
}

func newShell(ctx context.Context, mode, redisAddr string, out io.Writer) (*shell, error) {
	sh := &shell{
		out:     out,
		hook:    &chaosHook{},
		handles: map[string]*cloudname.ServiceHandle{},
		locks:   map[string]*cloudname.Lock{},
		watches: map[string]*printListener{},
	}
	addr := redisAddr
	switch mode {
	case "simulated":
		server, err := miniredis.Run()
		if err != nil {
			return nil, err
		}
		sh.server = server
		addr = server.Addr()
	case "real":
	default:
		return nil, fmt.Errorf("unknown mode %q", mode)
	}

	store, err := redis.New(redis.Options{Addr: addr, SessionTTL: 6 * time.Second, Hooks: []goredis.Hook{sh.hook}})
	if err != nil {
		sh.close()
		return nil, err
	}
	sh.store = store

	cfg := cloudname.DefaultConfig()
	cfg.TickInterval = 500 * time.Millisecond
	cfg.Reconnect.Base = time.Second
	client, err := cloudname.New(store, cloudname.WithConfig(cfg))
	if err != nil {
		sh.close()
		return nil, err
	}
	sh.client = client
	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Connect(connectCtx); err != nil {
		sh.close()
		return nil, err
	}
	return sh, nil
}

func (s *shell) close() {
	if s.client != nil {
		_ = s.client.Close()
	}
	if s.store != nil {
		_ = s.store.Close()
	}
	if s.server != nil {
		s.server.Close()
	}
}

func (s *shell) repl(ctx context.Context) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "> ",
		HistoryFile:     filepath.Join(os.TempDir(), "cn-shell.history"),
		AutoComplete:    completer(),
		InterruptPrompt: "^C",
		EOFPrompt:       "quit",
	})
	if err != nil {
		return err
	}
	defer rl.Close()

	for ctx.Err() == nil {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return nil
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		line = strings.TrimSpace(line)
		switch strings.ToLower(line) {
		case "":
			continue
		case "help":
			fmt.Fprintln(s.out, helpText)
			continue
		case "quit", "exit":
			return nil
		}
		s.handleCommand(ctx, line)
	}
	return nil
}

func completer() *readline.PrefixCompleter {
	names := []string{"create", "destroy", "claim", "release", "state", "endpoint", "status", "config",
		"resolve", "watch", "unwatch", "lock", "unlock", "ls", "fail", "load", "help", "quit"}
	items := make([]readline.PrefixCompleterInterface, 0, len(names))
	for _, n := range names {
		items = append(items, readline.PcItem(n))
	}
	return readline.NewPrefixCompleter(items...)
}

func (s *shell) handleCommand(ctx context.Context, line string) {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return
	}
	if err := s.dispatch(ctx, parts[0], parts[1:]); err != nil {
		fmt.Fprintf(s.out, "error: %v\n", err)
	}
}

var errUsage = errors.New("bad arguments, see help")

func (s *shell) dispatch(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "create", "destroy", "claim", "release", "status":
		if len(args) != 1 {
			return errUsage
		}
		co, err := cloudname.ParseCoordinate(args[0])
		if err != nil {
			return err
		}
		return s.coordinateCommand(ctx, cmd, co)
	case "state":
		if len(args) < 2 {
			return errUsage
		}
		h, err := s.handle(args[0])
		if err != nil {
			return err
		}
		var state cloudname.ServiceState
		if err := state.UnmarshalText([]byte(strings.ToUpper(args[1]))); err != nil {
			return err
		}
		return h.SetStatus(ctx, cloudname.ServiceStatus{State: state, Message: strings.Join(args[2:], " ")})
	case "endpoint":
		if len(args) < 3 {
			return errUsage
		}
		h, err := s.handle(args[0])
		if err != nil {
			return err
		}
		host, portStr, ok := strings.Cut(args[2], ":")
		if !ok {
			return errUsage
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return err
		}
		ep := cloudname.Endpoint{Name: args[1], Host: host, Port: port}
		if len(args) > 3 {
			ep.Protocol = args[3]
		}
		return h.PutEndpoint(ctx, ep)
	case "config":
		return s.config(ctx, args)
	case "resolve":
		if len(args) != 1 {
			return errUsage
		}
		eps, err := s.client.Resolver().Resolve(ctx, args[0])
		if err != nil {
			return err
		}
		for _, ep := range eps {
			fmt.Fprintf(s.out, "%s %s:%d %s\n", ep.Key(), ep.Host, ep.Port, ep.Protocol)
		}
		fmt.Fprintf(s.out, "%d endpoint(s)\n", len(eps))
		return nil
	case "watch", "unwatch":
		if len(args) != 1 {
			return errUsage
		}
		return s.watch(ctx, cmd == "watch", args[0])
	case "lock", "unlock":
		return s.lock(ctx, cmd == "lock", args)
	case "ls":
		p := s.client.Paths().Root
		if len(args) > 0 {
			p = args[0]
		}
		sess, err := s.client.Session()
		if err != nil {
			return err
		}
		children, err := sess.Children(ctx, p)
		if err != nil {
			return err
		}
		for _, c := range children {
			fmt.Fprintln(s.out, c)
		}
		return nil
	case "fail":
		if len(args) != 1 || (args[0] != "on" && args[0] != "off") {
			return errUsage
		}
		s.hook.fail.Store(args[0] == "on")
		fmt.Fprintf(s.out, "redis failure injection %s\n", args[0])
		return nil
	case "load":
		if len(args) != 1 {
			return errUsage
		}
		go s.runScript(ctx, args[0])
		return nil
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func (s *shell) coordinateCommand(ctx context.Context, cmd string, co cloudname.Coordinate) error {
	switch cmd {
	case "create":
		return s.client.CreateCoordinate(ctx, co)
	case "destroy":
		n, err := s.client.DestroyCoordinate(ctx, co)
		fmt.Fprintf(s.out, "removed %d node(s)\n", n)
		return err
	case "claim":
		h, err := s.client.Claim(ctx, co)
		if err != nil {
			return err
		}
		key := co.String()
		h.RegisterCoordinateListener(cloudname.CoordinateListenerFunc(func(ev cloudname.CoordinateEvent, msg string) {
			fmt.Fprintf(s.out, "[%s] %s %s\n", key, ev, msg)
		}))
		s.mu.Lock()
		s.handles[key] = h
		s.mu.Unlock()
		return nil
	case "release":
		s.mu.Lock()
		h, ok := s.handles[co.String()]
		delete(s.handles, co.String())
		s.mu.Unlock()
		if !ok {
			return fmt.Errorf("%s is not claimed here", co)
		}
		return h.Release(ctx)
	default:
		status, eps, err := s.client.Status(ctx, co)
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "%s %s %q\n", co, status.State, status.Message)
		for _, ep := range eps {
			fmt.Fprintf(s.out, "  %s %s:%d %s\n", ep.Name, ep.Host, ep.Port, ep.Protocol)
		}
		return nil
	}
}

func (s *shell) handle(coordinate string) (*cloudname.ServiceHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[coordinate]
	if !ok {
		return nil, fmt.Errorf("%s is not claimed here", coordinate)
	}
	return h, nil
}

func (s *shell) config(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return errUsage
	}
	co, err := cloudname.ParseCoordinate(args[0])
	if err != nil {
		return err
	}
	value, ok, err := s.client.Config(ctx, co)
	if err != nil {
		return err
	}
	if len(args) == 1 {
		if !ok {
			fmt.Fprintln(s.out, "(no config)")
			return nil
		}
		fmt.Fprintln(s.out, value)
		return nil
	}
	var previous *string
	if ok {
		previous = &value
	}
	return s.client.SetConfig(ctx, co, strings.Join(args[1:], " "), previous)
}

func (s *shell) watch(ctx context.Context, add bool, expression string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !add {
		l, ok := s.watches[expression]
		if !ok {
			return fmt.Errorf("not watching %s", expression)
		}
		delete(s.watches, expression)
		return s.client.Resolver().RemoveListener(l)
	}
	l := &printListener{out: s.out, expression: expression}
	if err := s.client.Resolver().AddListener(ctx, expression, l); err != nil {
		return err
	}
	s.watches[expression] = l
	return nil
}

func (s *shell) lock(ctx context.Context, take bool, args []string) error {
	if (take && len(args) < 3) || (!take && len(args) != 2) {
		return errUsage
	}
	h, err := s.handle(args[0])
	if err != nil {
		return err
	}
	if !take {
		key := args[0] + "/" + args[1]
		s.mu.Lock()
		l, ok := s.locks[key]
		delete(s.locks, key)
		s.mu.Unlock()
		if !ok {
			return fmt.Errorf("lock %s not taken here", args[1])
		}
		return l.Release(ctx)
	}

	var scope cloudname.LockScope
	switch args[1] {
	case "cell":
		scope = cloudname.LockScopeCell
	case "user":
		scope = cloudname.LockScopeUser
	case "service":
		scope = cloudname.LockScopeService
	default:
		return errUsage
	}
	timeout := time.Duration(0)
	if len(args) > 3 {
		if timeout, err = time.ParseDuration(args[3]); err != nil {
			return err
		}
	}
	l, err := h.Lock(scope, args[2])
	if err != nil {
		return err
	}
	name := args[2]
	l.AddListener(cloudname.LockListenerFunc(func() {
		fmt.Fprintf(s.out, "lock %s lost\n", name)
	}))
	ok, err := l.TryLock(ctx, timeout)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Fprintf(s.out, "lock %s busy\n", name)
		return nil
	}
	s.mu.Lock()
	s.locks[args[0]+"/"+name] = l
	s.mu.Unlock()
	fmt.Fprintf(s.out, "lock %s held at %s\n", name, l.Path())
	return nil
}

type printListener struct {
	out        io.Writer
	expression string
}

func (p *printListener) OnEndpointEvent(ev cloudname.EndpointEvent, ep cloudname.Endpoint) {
	if ep.Name == "" {
		fmt.Fprintf(p.out, "[%s] %s\n", p.expression, ev)
		return
	}
	fmt.Fprintf(p.out, "[%s] %s %s %s:%d\n", p.expression, ev, ep.Key(), ep.Host, ep.Port)
}

type chaosHook struct {
	fail atomic.Bool
}

func (h *chaosHook) DialHook(next goredis.DialHook) goredis.DialHook {
	return next
}

func (h *chaosHook) ProcessHook(next goredis.ProcessHook) goredis.ProcessHook {
	return func(ctx context.Context, cmd goredis.Cmder) error {
		if h.fail.Load() {
			return fmt.Errorf("injected redis failure")
		}
		return next(ctx, cmd)
	}
}

func (h *chaosHook) ProcessPipelineHook(next goredis.ProcessPipelineHook) goredis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []goredis.Cmder) error {
		if h.fail.Load() {
			return fmt.Errorf("injected redis pipeline failure")
		}
		return next(ctx, cmds)
	}
}

type scriptStep struct {
	At      string `json:"at" yaml:"at"`
	Command string `json:"command" yaml:"command"`
}

// runScript runs each step's command once its offset from the start has passed.
func (s *shell) runScript(ctx context.Context, path string) {
	steps, err := loadScript(path)
	if err != nil {
		fmt.Fprintf(s.out, "script: %v\n", err)
		return
	}
	start := time.Now()
	for _, step := range steps {
		delay, err := time.ParseDuration(step.At)
		if err != nil {
			fmt.Fprintf(s.out, "script: bad offset %q\n", step.At)
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(start.Add(delay))):
		}
		fmt.Fprintf(s.out, "script> %s\n", step.Command)
		s.handleCommand(ctx, step.Command)
	}
}

func loadScript(path string) ([]scriptStep, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	var steps []scriptStep
	if strings.HasSuffix(path, ".json") {
		err = json.Unmarshal(data, &steps)
	} else {
		err = yaml.Unmarshal(data, &steps)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	sort.SliceStable(steps, func(i, j int) bool {
		a, _ := time.ParseDuration(steps[i].At)
		b, _ := time.ParseDuration(steps[j].At)
		return a < b
	})
	return steps, nil
}
