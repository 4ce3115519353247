package cmd

import (
	"context"
	"fmt"
	"io"
	"log"
	"strconv"
	"time"

	"github.com/sarchlab/activemsg/config"
	"github.com/sarchlab/activemsg/datarecording"
	"github.com/sarchlab/activemsg/fabric"
	"github.com/sarchlab/activemsg/monitoring"
	"github.com/sarchlab/activemsg/rmi"
	"github.com/sarchlab/activemsg/tracing"
	"github.com/spf13/cobra"
)

const (
	defaultTimeout  = time.Minute
	doneHandlerName = "amrt.done"
)

// A session holds the servers of the ranks that run in this process.
type session struct {
	cfg     config.Config
	size    int
	servers map[fabric.Rank]*rmi.Server
	global  bool
	timeout time.Duration
	done    chan struct{}
	doneID  rmi.HandlerID

	monitor  *monitoring.Monitor
	recorder datarecording.DataRecorder
	exec     *datarecording.ExecRecorder
	tracer   *tracing.DBTracer
	out      io.Writer
}

// loadConfig reads the environment, then applies the command-line flags.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	flags := cmd.Flags()

	var (
		cfg config.Config
		err error
	)

	if path, _ := flags.GetString("env-file"); path != "" {
		cfg, err = config.LoadFile(path)
	} else {
		cfg, err = config.Load()
	}

	if err != nil {
		return cfg, err
	}

	if flags.Changed("buffer-size") {
		str, _ := flags.GetString("buffer-size")

		size, err := config.ParseSize(str)
		if err != nil {
			return cfg, fmt.Errorf("--buffer-size: %w", err)
		}

		cfg = cfg.WithMaxMsgLen(size)
	}

	if flags.Changed("recv-buffers") {
		n, _ := flags.GetInt("recv-buffers")
		cfg = cfg.WithNumRecvBuffers(n)
	}

	if flags.Changed("debug") {
		debug, _ := flags.GetBool("debug")
		cfg = cfg.WithDebug(debug)
	}

	if flags.Changed("trace-db") {
		path, _ := flags.GetString("trace-db")
		cfg = cfg.WithTraceDB(path)
	}

	if flags.Changed("trace-clickhouse") {
		dsn, _ := flags.GetString("trace-clickhouse")
		cfg = cfg.WithTraceClickHouse(dsn)
	}

	if flags.Changed("monitor-port") {
		port, _ := flags.GetInt("monitor-port")
		cfg = cfg.WithMonitorPort(port)
	}

	return cfg.Validate(), nil
}

// A handlerSpec names a handler and builds it for a server, so that the
// handler can reply through that server.
type handlerSpec struct {
	name  string
	build func(server *rmi.Server) rmi.Handler
}

func registerAll(specs []handlerSpec) rmi.Option {
	return func(server *rmi.Server) {
		for _, spec := range specs {
			server.Register(spec.name, spec.build(server))
		}
	}
}

// openSession creates the servers of this process, registers the handlers
// and starts the servers. With peers configured, the process runs one rank
// through the process-wide server. Otherwise it runs every rank over an
// in-memory world.
func openSession(cmd *cobra.Command, handlers ...handlerSpec) (*session, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	timeout, _ := cmd.Flags().GetDuration("timeout")

	s := &session{
		cfg:     cfg,
		servers: make(map[fabric.Rank]*rmi.Server),
		timeout: timeout,
		done:    make(chan struct{}, 1),
		out:     cmd.OutOrStdout(),
	}

	handlers = append(handlers, handlerSpec{
		name: doneHandlerName,
		build: func(*rmi.Server) rmi.Handler {
			return func([]byte) { s.done <- struct{}{} }
		},
	})
	s.doneID = rmi.HandlerIDOf(doneHandlerName)

	if len(cfg.Peers) > 0 {
		s.global = true
		s.size = len(cfg.Peers)

		server := rmi.Begin(nil, cfg, registerAll(handlers))
		s.servers[server.Rank()] = server
	} else {
		ranks, _ := cmd.Flags().GetInt("ranks")
		if ranks < 1 {
			return nil, fmt.Errorf("--ranks must be positive, got %d", ranks)
		}

		s.size = ranks
		world := fabric.NewWorld(ranks)

		for r := 0; r < ranks; r++ {
			server, err := rmi.New(world.Endpoint(fabric.Rank(r)), cfg,
				registerAll(handlers))
			if err != nil {
				return nil, err
			}

			s.servers[fabric.Rank(r)] = server
		}
	}

	if err := s.attachObservers(cmd); err != nil {
		s.close()
		return nil, err
	}

	if !s.global {
		for _, server := range s.servers {
			server.Start()
		}
	}

	return s, nil
}

func (s *session) attachObservers(cmd *cobra.Command) error {
	recorder, err := openRecorder(s.cfg)
	if err != nil {
		return err
	}

	if recorder != nil {
		s.recorder = recorder
		s.exec = datarecording.NewExecRecorder(recorder)
		s.exec.Start()
		s.exec.Set("Ranks", strconv.Itoa(s.size))
		s.exec.Set("Buffer Size", strconv.Itoa(s.cfg.MaxMsgLen))
		s.exec.Set("Receive Buffers", strconv.Itoa(s.cfg.NumRecvBuffers))
		s.tracer = tracing.NewDBTracer(recorder, nil)

		for _, server := range s.servers {
			tracing.CollectTrace(server, s.tracer)
		}
	}

	if s.cfg.MonitorPort > 0 {
		openBrowser, _ := cmd.Flags().GetBool("open-browser")

		s.monitor = monitoring.NewMonitor().
			WithPortNumber(s.cfg.MonitorPort).
			WithBrowser(openBrowser)

		for _, server := range s.servers {
			s.monitor.RegisterServer(server)
		}

		s.monitor.StartServer()
	}

	return nil
}

// openRecorder opens the trace database named by cfg, if any.
func openRecorder(cfg config.Config) (datarecording.DataRecorder, error) {
	switch {
	case cfg.TraceDB != "" && cfg.TraceClickHouse != "":
		return nil, fmt.Errorf("trace into SQLite or ClickHouse, not both")
	case cfg.TraceClickHouse != "":
		return datarecording.NewClickHouse(cfg.TraceClickHouse)
	case cfg.TraceDB != "":
		return datarecording.New(cfg.TraceDB)
	default:
		return nil, nil
	}
}

// local returns the server of rank r if it runs in this process.
func (s *session) local(r fabric.Rank) *rmi.Server {
	return s.servers[r]
}

// driver returns the server that drives the workload, which is rank 0. It
// returns nil if rank 0 runs in another process.
func (s *session) driver() *rmi.Server {
	return s.local(0)
}

// finish holds the ranks of a TCP run together until rank 0 is done. Rank 0
// tells every other rank to stop; the other ranks wait for that word.
func (s *session) finish(ctx context.Context) error {
	if !s.global {
		return nil
	}

	root := s.driver()
	if root == nil {
		select {
		case <-s.done:
			return nil
		case <-ctx.Done():
			return fmt.Errorf("waiting for rank 0: %w", ctx.Err())
		}
	}

	for r := 1; r < s.size; r++ {
		req := root.Isend(rmi.NewMessage(0), fabric.Rank(r), s.doneID,
			rmi.AttrUnordered)
		if err := req.Wait(ctx); err != nil {
			return err
		}
	}

	return nil
}

func (s *session) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.timeout)
}

func (s *session) printf(format string, args ...any) {
	fmt.Fprintf(s.out, format, args...)
}

func (s *session) close() {
	if s.global {
		rmi.End()
	} else {
		for _, server := range s.servers {
			server.End()
			_ = server.Endpoint().Close()
		}
	}

	if s.tracer != nil {
		s.tracer.Terminate()
	}

	if s.exec != nil {
		s.exec.End()
	}

	if s.recorder != nil {
		if err := s.recorder.Close(); err != nil {
			log.Printf("closing trace database: %v", err)
		}
	}

	if s.monitor != nil {
		_ = s.monitor.StopServer()
	}
}
