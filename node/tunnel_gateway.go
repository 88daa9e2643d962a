package node

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/meshstore/core/transport"
)

// gatewayTokenBytes matches channel.Authority's token size, reused here
// for the OPEN_TUNNEL entrance token.
const gatewayTokenBytes = 16

// tunnelGateway implements transport.TunnelServer with a WebSocket
// entrance server (grounded in filecoin-project-lotus's
// lib/jsonrpc/websocket.go and blockstore/net_ws.go): CreateGateway opens
// a fresh listener, and each accepted /tun connection presenting the
// right token gets bridged byte-for-byte into a local dial of this
// node's own RPC listener, so a peer that can reach the gateway's public
// port can reach this node's protocol handlers despite the NAT.
type tunnelGateway struct {
	logger  *zap.Logger
	rpcPort uint16

	mu       sync.Mutex
	capacity int
	active   int
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func newTunnelGateway(logger *zap.Logger, capacity int, rpcPort uint16) *tunnelGateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &tunnelGateway{logger: logger, capacity: capacity, rpcPort: rpcPort}
}

func (g *tunnelGateway) Available() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active < g.capacity
}

func (g *tunnelGateway) CreateGateway(ctx context.Context) (transport.Gateway, error) {
	g.mu.Lock()
	if g.active >= g.capacity {
		g.mu.Unlock()
		return transport.Gateway{}, errors.New("tunnel gateway at capacity")
	}
	g.active++
	g.mu.Unlock()

	token, err := randomToken()
	if err != nil {
		g.release()
		return transport.Gateway{}, errors.Wrap(err, "generating entrance token")
	}

	listener, err := net.Listen("tcp", ":0")
	if err != nil {
		g.release()
		return transport.Gateway{}, errors.Wrap(err, "opening gateway listener")
	}
	port := uint16(listener.Addr().(*net.TCPAddr).Port)

	mux := http.NewServeMux()
	mux.HandleFunc("/tun", g.handleEntrance(token))
	server := &http.Server{Handler: mux}
	go func() {
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			g.logger.Debug("tunnel gateway entrance stopped", zap.Error(err))
		}
		g.release()
	}()

	return transport.Gateway{EntranceToken: token, EntrancePort: port}, nil
}

func (g *tunnelGateway) release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active > 0 {
		g.active--
	}
}

func (g *tunnelGateway) handleEntrance(token string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("token") != token {
			http.Error(w, "invalid tunnel token", http.StatusForbidden)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			g.logger.Debug("tunnel entrance upgrade failed", zap.Error(err))
			return
		}
		defer conn.Close()

		local, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", g.rpcPort))
		if err != nil {
			g.logger.Warn("tunnel entrance failed dialing local rpc listener", zap.Error(err))
			return
		}
		defer local.Close()

		bridgeWebsocket(conn, local)
	}
}

// bridgeWebsocket pipes bytes between a WebSocket connection (message
// framed) and a plain TCP connection (stream framed) until either side
// closes.
func bridgeWebsocket(ws *websocket.Conn, tcp net.Conn) {
	done := make(chan struct{}, 2)

	go func() {
		defer func() { done <- struct{}{} }()
		for {
			_, r, err := ws.NextReader()
			if err != nil {
				return
			}
			if _, err := io.Copy(tcp, r); err != nil {
				return
			}
		}
	}()

	go func() {
		defer func() { done <- struct{}{} }()
		buf := make([]byte, 4096)
		for {
			n, err := tcp.Read(buf)
			if n > 0 {
				w, werr := ws.NextWriter(websocket.BinaryMessage)
				if werr != nil {
					return
				}
				if _, werr := w.Write(buf[:n]); werr != nil {
					w.Close()
					return
				}
				w.Close()
			}
			if err != nil {
				return
			}
		}
	}()

	<-done
}

func randomToken() (string, error) {
	buf := make([]byte, gatewayTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
