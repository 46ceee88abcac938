// Package bridge drives one client to upstream relay session: it owns both
// socket endpoints, applies the obfuscation codec on exactly one of them
// and tears both down together when either side fails.
package bridge

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/obfstcp/obfstcp/common/obfs"
	C "github.com/obfstcp/obfstcp/constant"

	"github.com/sagernet/sing/common"
	"github.com/sagernet/sing/common/buf"
	E "github.com/sagernet/sing/common/exceptions"
	"github.com/sagernet/sing/common/logger"
	M "github.com/sagernet/sing/common/metadata"
	N "github.com/sagernet/sing/common/network"
)

type Options struct {
	Logger      logger.ContextLogger
	Dialer      N.Dialer
	Destination M.Socksaddr
	Codec       *obfs.Codec
	ClientConn  net.Conn

	// ClientObfuscated selects which endpoint carries the framed stream:
	// the client side when true, the upstream side otherwise. The mapping
	// is fixed for the lifetime of the bridge.
	ClientObfuscated bool
}

type Bridge struct {
	logger           logger.ContextLogger
	dialer           N.Dialer
	destination      M.Socksaddr
	codec            *obfs.Codec
	clientConn       net.Conn
	clientObfuscated bool

	// access guards the close transition and the upstream endpoint, the
	// only state reached from both relay directions.
	access       sync.Mutex
	upstreamConn net.Conn
	closed       bool
}

func New(options Options) *Bridge {
	return &Bridge{
		logger:           options.Logger,
		dialer:           options.Dialer,
		destination:      options.Destination,
		codec:            options.Codec,
		clientConn:       options.ClientConn,
		clientObfuscated: options.ClientObfuscated,
	}
}

// Run connects to the upstream server, then relays both directions until
// either endpoint fails or disconnects. It returns once both endpoints are
// closed and reports nil for a plain peer disconnect.
func (b *Bridge) Run(ctx context.Context) error {
	upstreamConn, err := b.dialer.DialContext(ctx, N.NetworkTCP, b.destination)
	if err != nil {
		b.Close()
		return E.Cause(err, "connect to upstream ", b.destination)
	}
	b.access.Lock()
	if b.closed {
		b.access.Unlock()
		upstreamConn.Close()
		b.logger.DebugContext(ctx, "bridge closed during connect")
		return nil
	}
	b.upstreamConn = upstreamConn
	b.access.Unlock()
	b.logger.DebugContext(ctx, "connected to upstream ", b.destination)

	ciphertextConn, plaintextConn := upstreamConn, b.clientConn
	if b.clientObfuscated {
		ciphertextConn, plaintextConn = b.clientConn, upstreamConn
	}

	stop := context.AfterFunc(ctx, func() {
		b.Close()
	})
	defer stop()

	var (
		group     sync.WaitGroup
		encodeErr error
		decodeErr error
	)
	group.Add(2)
	go func() {
		defer group.Done()
		encodeErr = b.relayEncode(plaintextConn, ciphertextConn)
		b.Close()
	}()
	go func() {
		defer group.Done()
		decodeErr = b.relayDecode(ciphertextConn, plaintextConn)
		b.Close()
	}()
	group.Wait()
	return E.Errors(sessionError(encodeErr), sessionError(decodeErr))
}

// relayEncode pumps the plaintext endpoint into the obfuscated endpoint:
// read up to MaxDataLength bytes, encode, write one frame, read again. One
// frame is in flight at a time.
func (b *Bridge) relayEncode(plaintextConn net.Conn, ciphertextConn net.Conn) error {
	payload := buf.NewSize(C.MaxDataLength)
	defer payload.Release()
	frame := buf.NewSize(C.MaxEncodedDataLength)
	defer frame.Release()
	for {
		payload.Reset()
		n, err := plaintextConn.Read(payload.FreeBytes())
		if n > 0 {
			payload.Truncate(n)
			frame.Reset()
			encodeErr := b.codec.Encode(payload.Bytes(), frame)
			if encodeErr != nil {
				return encodeErr
			}
			_, writeErr := ciphertextConn.Write(frame.Bytes())
			if writeErr != nil {
				return writeErr
			}
		}
		if err != nil {
			return err
		}
	}
}

// relayDecode pumps the obfuscated endpoint into the plaintext endpoint:
// buffer until the frame delimiter, decode, write the payload, read again.
// The reader capacity bounds frame accumulation, so a stream that runs past
// the worst case encoded length without a delimiter fails instead of
// growing without bound.
func (b *Bridge) relayDecode(ciphertextConn net.Conn, plaintextConn net.Conn) error {
	reader := bufio.NewReaderSize(ciphertextConn, C.MaxEncodedDataLength)
	payload := buf.NewSize(obfs.DecodedCapacity(C.MaxEncodedDataLength))
	defer payload.Release()
	for {
		frame, err := reader.ReadSlice(C.ObfsDelimiter)
		if err != nil {
			if errors.Is(err, bufio.ErrBufferFull) {
				return E.New("frame exceeds maximum encoded length of ", C.MaxEncodedDataLength)
			}
			return err
		}
		payload.Reset()
		err = b.codec.Decode(frame, payload)
		if err != nil {
			return err
		}
		_, err = plaintextConn.Write(payload.Bytes())
		if err != nil {
			return err
		}
	}
}

// Close tears down both endpoints. Safe to call concurrently from both
// relay directions: only the first caller performs the close, and any
// operation still in flight completes with a closed-socket error that the
// pumps treat as terminal.
func (b *Bridge) Close() error {
	b.access.Lock()
	defer b.access.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return common.Close(b.clientConn, b.upstreamConn)
}

// sessionError filters the errors of normal teardown: peer EOF and
// operations completing on a socket the other pump already closed.
func sessionError(err error) error {
	if err == nil || errors.Is(err, io.EOF) || E.IsClosed(err) {
		return nil
	}
	return err
}
