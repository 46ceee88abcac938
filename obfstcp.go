// Package obfstcp relays TCP connections to a single fixed upstream
// server, transforming one side of every session through the obfuscation
// codec and passing the other side through untouched.
package obfstcp

import (
	"context"
	"net"
	"net/netip"
	"os"
	"time"

	"github.com/obfstcp/obfstcp/bridge"
	"github.com/obfstcp/obfstcp/common/listener"
	"github.com/obfstcp/obfstcp/common/obfs"
	C "github.com/obfstcp/obfstcp/constant"
	"github.com/obfstcp/obfstcp/log"
	"github.com/obfstcp/obfstcp/option"

	"github.com/sagernet/sing/common"
	E "github.com/sagernet/sing/common/exceptions"
	F "github.com/sagernet/sing/common/format"
	M "github.com/sagernet/sing/common/metadata"
	N "github.com/sagernet/sing/common/network"
)

// Service owns the listener, the shared codec and the session direction.
// Every accepted connection gets its own Bridge; nothing else is shared
// between sessions.
type Service struct {
	createdAt        time.Time
	ctx              context.Context
	cancel           context.CancelFunc
	logFactory       log.Factory
	logger           log.ContextLogger
	listener         *listener.Listener
	dialer           N.Dialer
	codec            *obfs.Codec
	destination      M.Socksaddr
	clientObfuscated bool
}

type Options struct {
	option.Options
	Context context.Context
}

func New(options Options) (*Service, error) {
	createdAt := time.Now()
	ctx := options.Context
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	err := options.Check()
	if err != nil {
		cancel()
		return nil, err
	}
	logFactory, err := log.New(log.Options{
		Options:       common.PtrValueOrDefault(options.Log),
		DefaultWriter: os.Stderr,
		BaseTime:      createdAt,
	})
	if err != nil {
		cancel()
		return nil, E.Cause(err, "create log factory")
	}
	key := byte(C.ObfsKey)
	if options.Key != nil {
		key = *options.Key
	}
	service := &Service{
		createdAt:        createdAt,
		ctx:              ctx,
		cancel:           cancel,
		logFactory:       logFactory,
		logger:           logFactory.Logger(),
		dialer:           N.SystemDialer,
		codec:            obfs.NewCodec(key),
		destination:      M.ParseSocksaddrHostPort(options.Upstream, options.UpstreamPort),
		clientObfuscated: options.Direction.Build() == C.DirectionEncode,
	}
	service.listener = listener.New(listener.Options{
		Context:           ctx,
		Logger:            logFactory.NewLogger("listener"),
		Listen:            M.SocksaddrFrom(options.Listen.Build(netip.AddrFrom4([4]byte{127, 0, 0, 1})), options.ListenPort),
		ConnectionHandler: service,
	})
	return service, nil
}

func (s *Service) Start() error {
	err := s.listener.Start()
	if err != nil {
		return err
	}
	obfuscatedSide := "upstream"
	if s.clientObfuscated {
		obfuscatedSide = "client"
	}
	s.logger.Info("relaying to ", s.destination, ", obfuscated side: ", obfuscatedSide)
	s.logger.Info("obfstcp started (", F.Seconds(time.Since(s.createdAt).Seconds()), "s)")
	return nil
}

// NewConnectionEx runs one bridge per accepted connection. Session errors
// end the session and are logged here; they never reach the listener or
// any other session.
func (s *Service) NewConnectionEx(ctx context.Context, conn net.Conn, source M.Socksaddr) {
	sessionBridge := bridge.New(bridge.Options{
		Logger:           s.logFactory.NewLogger("bridge"),
		Dialer:           s.dialer,
		Destination:      s.destination,
		Codec:            s.codec,
		ClientConn:       conn,
		ClientObfuscated: s.clientObfuscated,
	})
	err := sessionBridge.Run(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, E.Cause(err, "relay connection from ", source))
	} else {
		s.logger.DebugContext(ctx, "connection from ", source, " closed")
	}
}

// ListenAddr reports the bound listener address, available after Start.
func (s *Service) ListenAddr() net.Addr {
	return s.listener.Addr()
}

func (s *Service) Close() error {
	s.cancel()
	return common.Close(s.listener, s.logFactory)
}
