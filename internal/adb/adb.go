// Package adb tunnels DevTools websocket connections to Chrome on an
// Android device through an ADB server.
package adb

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/binzume/adbproto"
	"github.com/gobwas/ws"
)

const (
	chromeDomainSocket = "localabstract:chrome_devtools_remote"
	reconnectInterval  = 10 * time.Second
)

type streamWrapper struct {
	*adbproto.Stream
}

func (*streamWrapper) LocalAddr() net.Addr {
	return nil
}
func (*streamWrapper) RemoteAddr() net.Addr {
	return nil
}
func (*streamWrapper) SetDeadline(time.Time) error {
	return nil
}
func (*streamWrapper) SetReadDeadline(time.Time) error {
	return nil
}
func (*streamWrapper) SetWriteDeadline(time.Time) error {
	return nil
}

// openStream opens Chrome's DevTools socket as a net.Conn.
func openStream(open func(service string) (*adbproto.Stream, error)) (net.Conn, error) {
	stream, err := open(chromeDomainSocket)
	if err != nil {
		return nil, err
	}
	return &streamWrapper{stream}, nil
}

// LoadKey reads a PKCS#8 PEM RSA private key such as ~/.android/adbkey.
func LoadKey(path string) (*rsa.PrivateKey, error) {
	pemData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read adb key: %w", err)
	}
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, errors.New("adb key: no PEM block found")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse adb key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("adb key: not an RSA key")
	}
	return key, nil
}

// Tunnel connects to the ADB daemon at addr and routes every websocket dial
// to Chrome's DevTools socket on the device. It returns after the first
// successful connection and keeps reconnecting in the background until ctx
// is done.
func Tunnel(ctx context.Context, addr string, key *rsa.PrivateKey, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	connect := func() (*adbproto.Conn, error) {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			return nil, err
		}
		adb, err := adbproto.Connect(conn, key)
		if err != nil {
			conn.Close()
			return nil, err
		}
		ws.DefaultDialer.NetDial = func(_ context.Context, _, _ string) (net.Conn, error) {
			return openStream(func(service string) (*adbproto.Stream, error) {
				return adb.Open(service)
			})
		}
		go func() {
			<-adb.Closed()
			conn.Close()
		}()
		return adb, nil
	}

	connected := make(chan struct{})
	go func(connected chan<- struct{}) {
		for {
			adb, err := connect()
			if err != nil {
				logger.Warn("adb: failed to connect", "addr", addr, "error", err)
			} else {
				logger.Info("adb: connected", "addr", addr)
				if connected != nil {
					close(connected)
					connected = nil
				}
				select {
				case <-ctx.Done():
				case <-adb.Closed():
				}
				logger.Info("adb: disconnected", "addr", addr)
				adb.Close()
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(reconnectInterval):
			}
		}
	}(connected)

	select {
	case <-connected:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
