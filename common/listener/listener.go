package listener

import (
	"context"
	"net"
	"sync/atomic"

	"github.com/obfstcp/obfstcp/log"

	"github.com/sagernet/sing/common"
	E "github.com/sagernet/sing/common/exceptions"
	"github.com/sagernet/sing/common/logger"
	M "github.com/sagernet/sing/common/metadata"
	N "github.com/sagernet/sing/common/network"
)

// ConnectionHandler takes ownership of an accepted connection. It is
// called on a fresh goroutine per connection.
type ConnectionHandler interface {
	NewConnectionEx(ctx context.Context, conn net.Conn, source M.Socksaddr)
}

type Options struct {
	Context           context.Context
	Logger            logger.ContextLogger
	Listen            M.Socksaddr
	ConnectionHandler ConnectionHandler
}

type Listener struct {
	ctx         context.Context
	logger      logger.ContextLogger
	bindAddr    M.Socksaddr
	connHandler ConnectionHandler

	tcpListener net.Listener
	shutdown    atomic.Bool
}

func New(options Options) *Listener {
	return &Listener{
		ctx:         options.Context,
		logger:      options.Logger,
		bindAddr:    options.Listen,
		connHandler: options.ConnectionHandler,
	}
}

func (l *Listener) Start() error {
	var listenConfig net.ListenConfig
	tcpListener, err := listenConfig.Listen(l.ctx, M.NetworkFromNetAddr(N.NetworkTCP, l.bindAddr.Addr), l.bindAddr.String())
	if err != nil {
		return E.Cause(err, "listen at ", l.bindAddr)
	}
	l.logger.Info("tcp server started at ", tcpListener.Addr())
	l.tcpListener = tcpListener
	go l.loopTCPIn()
	return nil
}

func (l *Listener) loopTCPIn() {
	tcpListener := l.tcpListener
	for {
		conn, err := tcpListener.Accept()
		if err != nil {
			//nolint:staticcheck
			if netError, isNetError := err.(net.Error); isNetError && netError.Temporary() {
				l.logger.Error(err)
				continue
			}
			if l.shutdown.Load() && E.IsClosed(err) {
				return
			}
			l.logger.Error("tcp listener closed: ", err)
			return
		}
		source := M.SocksaddrFromNet(conn.RemoteAddr()).Unwrap()
		ctx := log.ContextWithNewID(l.ctx)
		l.logger.InfoContext(ctx, "inbound connection from ", source)
		go l.connHandler.NewConnectionEx(ctx, conn, source)
	}
}

func (l *Listener) Addr() net.Addr {
	if l.tcpListener == nil {
		return nil
	}
	return l.tcpListener.Addr()
}

func (l *Listener) Close() error {
	l.shutdown.Store(true)
	return common.Close(l.tcpListener)
}
