package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/huddle-net/huddle/peer"
	"github.com/huddle-net/huddle/pkg/crdt"
	"github.com/huddle-net/huddle/pkg/log"
	"github.com/huddle-net/huddle/pkg/protocol"
)

const handshakeTimeout = time.Second * 10

// Manager is the server's view of the local peer manager.
type Manager interface {
	peer.Inbox

	// CachedState returns the serialized local membership presented to
	// peers during the handshake.
	CachedState() []byte
}

// Server accepts peer sessions from other nodes in the cluster.
type Server struct {
	self crdt.Member

	manager Manager

	httpServer *http.Server

	websocketUpgrader *websocket.Upgrader

	logger log.Logger
}

func NewServer(self crdt.Member, manager Manager, logger log.Logger) *Server {
	logger = logger.WithSubsystem("peer.server")

	router := gin.New()
	server := &Server{
		self:    self,
		manager: manager,
		httpServer: &http.Server{
			Handler:  router,
			ErrorLog: logger.StdLogger(zapcore.WarnLevel),
		},
		websocketUpgrader: &websocket.Upgrader{},
		logger:            logger,
	}

	// Recover from panics.
	router.Use(gin.CustomRecoveryWithWriter(nil, server.panicRoute))

	router.GET(gossipPath, server.gossipRoute)

	return server
}

func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info(
		"starting peer server",
		zap.String("addr", ln.Addr().String()),
	)

	if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http serve: %w", err)
	}
	return nil
}

// Shutdown stops accepting new sessions. Established sessions are owned by
// the manager and closed when it shuts down.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// gossipRoute handles WebSocket sessions dialled by other peers.
func (s *Server) gossipRoute(c *gin.Context) {
	wsConn, err := s.websocketUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade replies to the client so nothing else to do.
		s.logger.Warn("failed to upgrade websocket", zap.Error(err))
		return
	}

	handshakeCtx, cancel := context.WithTimeout(
		c.Request.Context(), handshakeTimeout,
	)
	defer cancel()

	hello, err := readHello(handshakeCtx, wsConn)
	if err != nil {
		s.logger.Warn("peer handshake failed", zap.Error(err))
		_ = wsConn.Close()
		return
	}
	if hello.From == s.self.Name {
		s.logger.Warn("rejecting session from own name")
		_ = wsConn.Close()
		return
	}

	conn := newConn(hello.From, wsConn, s.logger)

	if err := conn.Send(protocol.Envelope{
		Kind:     protocol.KindHello,
		From:     s.self.Name,
		Addr:     s.self.Addr,
		Port:     s.self.Port,
		Snapshot: s.manager.CachedState(),
	}); err != nil {
		s.logger.Warn("peer handshake failed", zap.Error(err))
		_ = conn.Close()
		return
	}

	s.logger.Debug(
		"peer session accepted",
		zap.String("peer", hello.From),
		zap.String("client-ip", c.ClientIP()),
	)

	s.manager.Connected(hello.From, hello.Snapshot, conn)

	// Serve the session in the handler goroutine; returning closes the
	// connection.
	conn.readLoop(s.manager)
}

func (s *Server) panicRoute(c *gin.Context, err any) {
	s.logger.Error(
		"handler panic",
		zap.String("path", c.FullPath()),
		zap.Any("err", err),
	)
	c.AbortWithStatus(http.StatusInternalServerError)
}
