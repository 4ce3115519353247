package rmi

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sarchlab/activemsg/config"
	"github.com/sarchlab/activemsg/fabric"
	"github.com/sarchlab/activemsg/fabric/tcp"
	"github.com/tebeka/atexit"
)

// connectTimeout bounds how long EndpointFromConfig waits for every peer to
// start listening.
const connectTimeout = 2 * time.Minute

var (
	instanceOnce  sync.Once
	instanceLock  sync.Mutex
	instance      *Server
	ownedEndpoint fabric.Endpoint
)

// Begin creates and starts the process-wide server. Only the first call has
// an effect; later calls return the same server. If ep is nil, an endpoint is
// derived from cfg. Failing to create the server is fatal.
func Begin(ep fabric.Endpoint, cfg config.Config, opts ...Option) *Server {
	instanceOnce.Do(func() {
		s, owned, err := begin(ep, cfg, opts...)
		if err != nil {
			atexit.Fatal(err)
			return
		}

		instanceLock.Lock()
		instance = s
		ownedEndpoint = owned
		instanceLock.Unlock()
	})

	instanceLock.Lock()
	defer instanceLock.Unlock()

	return instance
}

func begin(
	ep fabric.Endpoint,
	cfg config.Config,
	opts ...Option,
) (s *Server, owned fabric.Endpoint, err error) {
	if ep == nil {
		ep, err = EndpointFromConfig(cfg)
		if err != nil {
			return nil, nil, err
		}

		owned = ep
	}

	s, err = New(ep, cfg, opts...)
	if err != nil {
		if owned != nil {
			_ = owned.Close()
		}

		return nil, nil, err
	}

	s.Start()

	return s, owned, nil
}

// Instance returns the process-wide server, beginning it from the environment
// configuration if needed.
func Instance() *Server {
	instanceLock.Lock()
	s := instance
	instanceLock.Unlock()

	if s != nil {
		return s
	}

	cfg, err := config.Load()
	if err != nil {
		atexit.Fatal(err)
	}

	return Begin(nil, cfg)
}

// End stops the process-wide server and closes the endpoint if Begin created
// it.
func End() {
	instanceLock.Lock()
	s, owned := instance, ownedEndpoint
	instanceLock.Unlock()

	if s == nil {
		return
	}

	s.End()

	if owned != nil {
		_ = owned.Close()
	}
}

// EndpointFromConfig connects to the peers listed in cfg over TCP. Without
// peers it returns the only endpoint of a one-process world.
func EndpointFromConfig(cfg config.Config) (fabric.Endpoint, error) {
	if len(cfg.Peers) == 0 {
		return fabric.NewWorld(1).Endpoint(0), nil
	}

	if cfg.Rank < 0 || cfg.Rank >= len(cfg.Peers) {
		return nil, fmt.Errorf("rmi: rank %d outside of %d peers",
			cfg.Rank, len(cfg.Peers))
	}

	ep, err := tcp.Listen(fabric.Rank(cfg.Rank), len(cfg.Peers),
		cfg.Peers[cfg.Rank])
	if err != nil {
		return nil, err
	}

	if err := ep.Connect(cfg.Peers); err != nil {
		_ = ep.Close()
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	if err := ep.DialAll(ctx); err != nil {
		_ = ep.Close()
		return nil, fmt.Errorf("rmi: connecting to peers: %w", err)
	}

	return ep, nil
}

// Register adds a handler to the process-wide server.
func Register(name string, h Handler) HandlerID {
	return Instance().Register(name, h)
}

// Isend sends through the process-wide server.
func Isend(buf []byte, dst fabric.Rank, h HandlerID, attr Attr) *Request {
	return Instance().Isend(buf, dst, h, attr)
}

// GetStats returns the statistics of the process-wide server.
func GetStats() Stats {
	return Instance().Stats()
}

// SetDebug turns the debug trace of the process-wide server on or off.
func SetDebug(debug bool) {
	Instance().SetDebug(debug)
}

// Debug reports whether the process-wide server traces.
func Debug() bool {
	return Instance().Debug()
}
