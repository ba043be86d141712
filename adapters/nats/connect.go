package nats

import (
	"log/slog"
	"os"
	"sync"
	"time"

	natsgo "github.com/nats-io/nats.go"
)

// Connector hands out a NATS connection together with the function that
// gives it back. Callers release exactly once.
type Connector func() (nc *natsgo.Conn, release func(), err error)

// Shared leases one connection to every caller of the returned Connector.
// It is opened on first use and closed when the last lease is released.
func Shared(connect Connector) Connector {
	p := &sharedConn{connect: connect}
	return p.lease
}

type sharedConn struct {
	connect Connector

	mu      sync.Mutex
	nc      *natsgo.Conn
	closeNC func()
	leases  int
}

func (p *sharedConn) lease() (*natsgo.Conn, func(), error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.nc == nil {
		nc, closeNC, err := p.connect()
		if err != nil {
			return nil, nil, err
		}
		p.nc, p.closeNC = nc, closeNC
	}
	p.leases++

	var once sync.Once
	return p.nc, func() { once.Do(p.release) }, nil
}

func (p *sharedConn) release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.leases--; p.leases > 0 {
		return
	}
	p.closeNC()
	p.nc, p.closeNC, p.leases = nil, nil, 0
}

// ConnectURL dials url for every call. opts are applied after the defaults.
func ConnectURL(url string, opts ...natsgo.Option) Connector {
	return func() (*natsgo.Conn, func(), error) {
		nc, err := natsgo.Connect(url, append([]natsgo.Option{
			natsgo.Name("estore"),
			natsgo.MaxReconnects(3),
			natsgo.ReconnectWait(500 * time.Millisecond),
		}, opts...)...)
		if err != nil {
			return nil, nil, err
		}
		return nc, nc.Close, nil
	}
}

// ConnectDefault dials $NATS_URL, or the local default server.
func ConnectDefault(opts ...natsgo.Option) Connector {
	url := os.Getenv("NATS_URL")
	if url == "" {
		url = natsgo.DefaultURL
	}
	return ConnectURL(url, opts...)
}

// LogConnectionEvents reports disconnects, reconnects and the final close
// of a connection to log.
func LogConnectionEvents(log *slog.Logger) natsgo.Option {
	return func(o *natsgo.Options) error {
		o.DisconnectedErrCB = func(_ *natsgo.Conn, err error) {
			log.Warn("nats disconnected", slog.Any("error", err))
		}
		o.ReconnectedCB = func(nc *natsgo.Conn) {
			log.Info("nats reconnected", slog.String("url", nc.ConnectedUrl()))
		}
		o.ClosedCB = func(nc *natsgo.Conn) {
			if err := nc.LastError(); err != nil {
				log.Warn("nats connection closed", slog.Any("error", err))
				return
			}
			log.Debug("nats connection closed")
		}
		return nil
	}
}
