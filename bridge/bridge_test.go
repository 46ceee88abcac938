package bridge_test

import (
	"bufio"
	"context"
	"crypto/rand"
	"io"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/obfstcp/obfstcp/bridge"
	"github.com/obfstcp/obfstcp/common/obfs"
	C "github.com/obfstcp/obfstcp/constant"
	"github.com/obfstcp/obfstcp/log"

	"github.com/sagernet/sing/common/buf"
	E "github.com/sagernet/sing/common/exceptions"
	M "github.com/sagernet/sing/common/metadata"
	"github.com/stretchr/testify/require"
)

var testDestination = M.ParseSocksaddrHostPort("127.0.0.1", 443)

type pipeDialer struct {
	conn net.Conn
}

func (d *pipeDialer) DialContext(ctx context.Context, network string, destination M.Socksaddr) (net.Conn, error) {
	return d.conn, nil
}

func (d *pipeDialer) ListenPacket(ctx context.Context, destination M.Socksaddr) (net.PacketConn, error) {
	return nil, E.New("not supported")
}

type failDialer struct{}

func (d *failDialer) DialContext(ctx context.Context, network string, destination M.Socksaddr) (net.Conn, error) {
	return nil, E.New("connection refused")
}

func (d *failDialer) ListenPacket(ctx context.Context, destination M.Socksaddr) (net.PacketConn, error) {
	return nil, E.New("not supported")
}

type countingConn struct {
	net.Conn
	closeCount *atomic.Int32
}

func (c *countingConn) Close() error {
	c.closeCount.Add(1)
	return c.Conn.Close()
}

func encodeFrame(t *testing.T, payload string) []byte {
	t.Helper()
	codec := obfs.NewCodec(C.ObfsKey)
	frame := buf.NewSize(obfs.EncodedLength(len(payload)))
	defer frame.Release()
	require.NoError(t, codec.Encode([]byte(payload), frame))
	return slices.Clone(frame.Bytes())
}

func decodeFrame(t *testing.T, frame []byte) []byte {
	t.Helper()
	codec := obfs.NewCodec(C.ObfsKey)
	payload := buf.NewSize(obfs.DecodedCapacity(len(frame)))
	defer payload.Release()
	require.NoError(t, codec.Decode(frame, payload))
	return slices.Clone(payload.Bytes())
}

func TestBridgeRelayUpstreamObfuscated(t *testing.T) {
	t.Parallel()
	clientLocal, clientRemote := net.Pipe()
	upstreamLocal, upstreamRemote := net.Pipe()

	b := bridge.New(bridge.Options{
		Logger:      log.NewNOPFactory().Logger(),
		Dialer:      &pipeDialer{conn: upstreamLocal},
		Destination: testDestination,
		Codec:       obfs.NewCodec(C.ObfsKey),
		ClientConn:  clientRemote,
	})
	done := make(chan error, 1)
	go func() {
		done <- b.Run(context.Background())
	}()

	_, err := clientLocal.Write([]byte("ping"))
	require.NoError(t, err)

	upstreamReader := bufio.NewReader(upstreamRemote)
	frame, err := upstreamReader.ReadBytes(C.ObfsDelimiter)
	require.NoError(t, err)
	require.Equal(t, []byte("ping"), decodeFrame(t, frame))

	_, err = upstreamRemote.Write(encodeFrame(t, "pong"))
	require.NoError(t, err)

	reply := make([]byte, 4)
	_, err = io.ReadFull(clientLocal, reply)
	require.NoError(t, err)
	require.Equal(t, []byte("pong"), reply)

	clientLocal.Close()
	require.NoError(t, <-done)

	_, err = upstreamRemote.Read(make([]byte, 1))
	require.ErrorIs(t, err, io.EOF)
}

func TestBridgeRelayClientObfuscated(t *testing.T) {
	t.Parallel()
	clientLocal, clientRemote := net.Pipe()
	upstreamLocal, upstreamRemote := net.Pipe()

	b := bridge.New(bridge.Options{
		Logger:           log.NewNOPFactory().Logger(),
		Dialer:           &pipeDialer{conn: upstreamLocal},
		Destination:      testDestination,
		Codec:            obfs.NewCodec(C.ObfsKey),
		ClientConn:       clientRemote,
		ClientObfuscated: true,
	})
	done := make(chan error, 1)
	go func() {
		done <- b.Run(context.Background())
	}()

	_, err := clientLocal.Write(encodeFrame(t, "ping"))
	require.NoError(t, err)

	request := make([]byte, 4)
	_, err = io.ReadFull(upstreamRemote, request)
	require.NoError(t, err)
	require.Equal(t, []byte("ping"), request)

	_, err = upstreamRemote.Write([]byte("pong"))
	require.NoError(t, err)

	clientReader := bufio.NewReader(clientLocal)
	frame, err := clientReader.ReadBytes(C.ObfsDelimiter)
	require.NoError(t, err)
	require.Equal(t, []byte("pong"), decodeFrame(t, frame))

	upstreamRemote.Close()
	require.NoError(t, <-done)

	_, err = clientReader.Read(make([]byte, 1))
	require.ErrorIs(t, err, io.EOF)
}

func TestBridgeConnectFailure(t *testing.T) {
	t.Parallel()
	clientLocal, clientRemote := net.Pipe()
	b := bridge.New(bridge.Options{
		Logger:      log.NewNOPFactory().Logger(),
		Dialer:      &failDialer{},
		Destination: testDestination,
		Codec:       obfs.NewCodec(C.ObfsKey),
		ClientConn:  clientRemote,
	})
	err := b.Run(context.Background())
	require.Error(t, err)
	require.ErrorContains(t, err, "connect to upstream")

	_, err = clientLocal.Read(make([]byte, 1))
	require.ErrorIs(t, err, io.EOF)
}

func TestBridgeInvalidFrame(t *testing.T) {
	t.Parallel()
	clientLocal, clientRemote := net.Pipe()
	upstreamLocal, upstreamRemote := net.Pipe()

	b := bridge.New(bridge.Options{
		Logger:           log.NewNOPFactory().Logger(),
		Dialer:           &pipeDialer{conn: upstreamLocal},
		Destination:      testDestination,
		Codec:            obfs.NewCodec(C.ObfsKey),
		ClientConn:       clientRemote,
		ClientObfuscated: true,
	})
	done := make(chan error, 1)
	go func() {
		done <- b.Run(context.Background())
	}()

	_, err := clientLocal.Write([]byte("!!!!\n"))
	require.NoError(t, err)
	require.Error(t, <-done)

	_, err = upstreamRemote.Read(make([]byte, 1))
	require.ErrorIs(t, err, io.EOF)
}

func TestBridgeFrameAtCapacity(t *testing.T) {
	t.Parallel()
	clientLocal, clientRemote := net.Pipe()
	upstreamLocal, upstreamRemote := net.Pipe()

	b := bridge.New(bridge.Options{
		Logger:           log.NewNOPFactory().Logger(),
		Dialer:           &pipeDialer{conn: upstreamLocal},
		Destination:      testDestination,
		Codec:            obfs.NewCodec(C.ObfsKey),
		ClientConn:       clientRemote,
		ClientObfuscated: true,
	})
	done := make(chan error, 1)
	go func() {
		done <- b.Run(context.Background())
	}()

	payload := make([]byte, C.MaxDataLength)
	_, err := rand.Read(payload)
	require.NoError(t, err)
	expected := slices.Clone(payload)

	frame := buf.NewSize(C.MaxEncodedDataLength)
	require.NoError(t, obfs.NewCodec(C.ObfsKey).Encode(payload, frame))
	require.Equal(t, C.MaxEncodedDataLength, frame.Len())

	go func() {
		clientLocal.Write(frame.Bytes())
	}()
	relayed := make([]byte, C.MaxDataLength)
	_, err = io.ReadFull(upstreamRemote, relayed)
	require.NoError(t, err)
	require.Equal(t, expected, relayed)

	clientLocal.Close()
	require.NoError(t, <-done)
	frame.Release()
}

func TestBridgeFrameOverCapacity(t *testing.T) {
	t.Parallel()
	clientLocal, clientRemote := net.Pipe()
	upstreamLocal, _ := net.Pipe()

	b := bridge.New(bridge.Options{
		Logger:           log.NewNOPFactory().Logger(),
		Dialer:           &pipeDialer{conn: upstreamLocal},
		Destination:      testDestination,
		Codec:            obfs.NewCodec(C.ObfsKey),
		ClientConn:       clientRemote,
		ClientObfuscated: true,
	})
	done := make(chan error, 1)
	go func() {
		done <- b.Run(context.Background())
	}()

	// The worst case encoded length arrives with no delimiter in sight, so
	// the frame is at least one byte over the maximum: the bridge must fail
	// the session instead of buffering further.
	oversized := make([]byte, C.MaxEncodedDataLength)
	for index := range oversized {
		oversized[index] = 'A'
	}
	_, err := clientLocal.Write(oversized)
	require.NoError(t, err)

	err = <-done
	require.Error(t, err)
	require.ErrorContains(t, err, "maximum encoded length")
}

func TestBridgeCloseOnce(t *testing.T) {
	t.Parallel()
	clientLocal, clientRemote := net.Pipe()
	upstreamLocal, upstreamRemote := net.Pipe()

	var clientCloses, upstreamCloses atomic.Int32
	b := bridge.New(bridge.Options{
		Logger:      log.NewNOPFactory().Logger(),
		Dialer:      &pipeDialer{conn: &countingConn{Conn: upstreamLocal, closeCount: &upstreamCloses}},
		Destination: testDestination,
		Codec:       obfs.NewCodec(C.ObfsKey),
		ClientConn:  &countingConn{Conn: clientRemote, closeCount: &clientCloses},
	})
	done := make(chan error, 1)
	go func() {
		done <- b.Run(context.Background())
	}()

	// Both peers disconnect at once while other goroutines hammer Close.
	var group sync.WaitGroup
	for i := 0; i < 8; i++ {
		group.Add(1)
		go func() {
			defer group.Done()
			b.Close()
		}()
	}
	clientLocal.Close()
	upstreamRemote.Close()
	group.Wait()
	<-done

	require.Equal(t, int32(1), clientCloses.Load())
	require.Equal(t, int32(1), upstreamCloses.Load())
	require.NoError(t, b.Close())
}

func TestBridgeContextCancel(t *testing.T) {
	t.Parallel()
	clientLocal, clientRemote := net.Pipe()
	upstreamLocal, upstreamRemote := net.Pipe()

	ctx, cancel := context.WithCancel(context.Background())
	b := bridge.New(bridge.Options{
		Logger:      log.NewNOPFactory().Logger(),
		Dialer:      &pipeDialer{conn: upstreamLocal},
		Destination: testDestination,
		Codec:       obfs.NewCodec(C.ObfsKey),
		ClientConn:  clientRemote,
	})
	done := make(chan error, 1)
	go func() {
		done <- b.Run(ctx)
	}()
	cancel()
	require.NoError(t, <-done)

	_, err := clientLocal.Read(make([]byte, 1))
	require.ErrorIs(t, err, io.EOF)
	_, err = upstreamRemote.Read(make([]byte, 1))
	require.ErrorIs(t, err, io.EOF)
}
