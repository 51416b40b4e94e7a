package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sourcegraph/conc"

	"github.com/wfunc/partyserver/broadcast"
	"github.com/wfunc/partyserver/config"
	"github.com/wfunc/partyserver/dispatch"
	"github.com/wfunc/partyserver/logger"
	"github.com/wfunc/partyserver/monitor"
	"github.com/wfunc/partyserver/network"
	"github.com/wfunc/partyserver/persistence"
	"github.com/wfunc/partyserver/room"
	gameserver_rpc "github.com/wfunc/partyserver/rpc"
	"github.com/wfunc/partyserver/rules"
	"github.com/wfunc/partyserver/services"
	"github.com/wfunc/partyserver/session"
	"github.com/wfunc/partyserver/timer"
)

type GameServer struct {
	cfg            *config.Config
	engine         *gin.Engine
	httpServer     *http.Server
	upgrader       websocket.Upgrader
	catalog        *rules.Catalog
	roomManager    *room.Manager
	sessionManager *session.Manager
	broadcaster    *broadcast.RoomBroadcaster
	dispatcher     *dispatch.Dispatcher
	results        *services.ResultService
	monitor        *monitor.Monitor
	timers         *timer.TimerManager
	shutdownChan   chan struct{}
}

// NewCatalog registers every game type with its configured options.
func NewCatalog(games config.GamesConfig) *rules.Catalog {
	return rules.NewCatalog(
		rules.NewSpectrum(rules.SpectrumOptions{
			ClueTimeout:  games.Spectrum.ClueTimeout,
			GuessTimeout: games.Spectrum.GuessTimeout,
			TargetScore:  games.Spectrum.TargetScore,
		}),
		rules.NewWheel(rules.WheelOptions{
			TurnTimeout: games.Wheel.TurnTimeout,
			VowelCost:   games.Wheel.VowelCost,
			BoardValue:  games.Wheel.BoardValue,
			TargetScore: games.Wheel.TargetScore,
		}),
		rules.NewTrivia(rules.TriviaOptions{
			QuestionTimeout: games.Trivia.QuestionTimeout,
			TargetScore:     games.Trivia.TargetScore,
		}),
	)
}

func NewGameServer(cfg *config.Config, db persistence.Database) *GameServer {
	s := &GameServer{
		cfg:            cfg,
		catalog:        NewCatalog(cfg.Games),
		sessionManager: session.NewManager(),
		monitor:        monitor.NewMonitor(cfg.Server.MetricsNamespace),
		results:        services.NewResultService(db, services.ResultOptions{}),
		shutdownChan:   make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(cfg.Server.AllowedOrigins),
		},
	}

	s.roomManager = room.NewRoomManager(s.catalog, room.Options{
		MaxPlayers:     cfg.Engine.MaxPlayers,
		NextRoundDelay: cfg.Engine.NextRoundDelay,
		AutoAdvance:    cfg.Engine.AutoAdvance,
		ReconnectGrace: cfg.Engine.ReconnectGrace,
	}, cfg.Engine.IdleGrace)

	// 初始化广播器
	s.broadcaster = broadcast.NewRoomBroadcaster(s.sessionManager, func(*session.Session) {
		s.monitor.IncDroppedSessions()
	})
	s.dispatcher = dispatch.NewDispatcher(s.roomManager, s.sessionManager, s.broadcaster, s.monitor, s.results)
	s.engine = s.routes()
	return s
}

// Handler exposes the HTTP routes, websocket included.
func (s *GameServer) Handler() http.Handler {
	return s.engine
}

func (s *GameServer) Dispatcher() *dispatch.Dispatcher {
	return s.dispatcher
}

func (s *GameServer) routes() *gin.Engine {
	if s.cfg.Server.Mode != "" {
		gin.SetMode(s.cfg.Server.Mode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())
	r.Use(cors.New(corsConfig(s.cfg.Server.AllowedOrigins)))

	r.GET("/ws", s.handleWebSocket)
	r.GET("/healthz", s.handleHealth)
	r.GET("/metrics", gin.WrapH(s.monitor.Handler()))

	api := r.Group("/api")
	{
		api.GET("/games", s.handleGameTypes)
		api.GET("/rooms", s.handleListRooms)
		api.GET("/rooms/:code", s.handleGetRoom)
	}
	return r
}

func corsConfig(origins []string) cors.Config {
	c := cors.Config{
		AllowMethods: []string{"GET", "OPTIONS"},
		AllowHeaders: []string{
			"Content-Type",
			"Upgrade",
			"Connection",
			"Sec-WebSocket-Key",
			"Sec-WebSocket-Version",
			"Sec-WebSocket-Extensions",
			"Sec-WebSocket-Protocol",
		},
		MaxAge: 12 * time.Hour,
	}
	if len(origins) == 0 || slices.Contains(origins, "*") {
		c.AllowAllOrigins = true
	} else {
		c.AllowOrigins = origins
	}
	return c
}

func originChecker(origins []string) func(r *http.Request) bool {
	if len(origins) == 0 || slices.Contains(origins, "*") {
		return func(r *http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(origins, origin)
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Log.Debugf("%s %s %d %s", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}

// Run serves HTTP, admin RPC and health until ctx is cancelled, then shuts
// everything down.
func (s *GameServer) Run(ctx context.Context) error {
	rpcServer, err := gameserver_rpc.NewServer(s.cfg.Server.RPCAddress, s.cfg.Server.GRPCAddress,
		gameserver_rpc.NewAdminService(s.dispatcher, s.results))
	if err != nil {
		return fmt.Errorf("rpc server: %w", err)
	}
	listener, err := net.Listen("tcp", s.cfg.Server.HTTPAddress)
	if err != nil {
		rpcServer.Stop()
		return fmt.Errorf("http listener: %w", err)
	}
	s.httpServer = &http.Server{Handler: s.engine, ReadHeaderTimeout: 10 * time.Second}
	s.startTimers()

	errs := make(chan error, 3)
	var wg conc.WaitGroup
	wg.Go(func() {
		logger.Log.Infof("Game server listening on %s", listener.Addr())
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- fmt.Errorf("http: %w", err)
		}
	})
	wg.Go(func() {
		if err := rpcServer.Start(); err != nil {
			errs <- fmt.Errorf("rpc: %w", err)
		}
	})
	wg.Go(func() {
		if err := rpcServer.StartHealth(); err != nil {
			errs <- fmt.Errorf("health: %w", err)
		}
	})

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errs:
		logger.Log.Errorf("server stopped: %v", runErr)
	}

	rpcServer.Stop()
	s.Shutdown()
	wg.Wait()
	return runErr
}

func (s *GameServer) startTimers() {
	tick, sweep := s.cfg.Engine.TickInterval, s.cfg.Engine.SweepInterval
	if tick <= 0 {
		tick = 250 * time.Millisecond
	}
	if sweep <= 0 {
		sweep = 30 * time.Second
	}
	s.timers = timer.NewTimerManager(tick)
	s.timers.AddTimer(tick, tick, func() { s.dispatcher.Tick(time.Now()) })
	s.timers.AddTimer(sweep, sweep, func() { s.dispatcher.Sweep(time.Now()) })
}

// Shutdown stops the timers, tells every connection the server is going
// away, closes them and flushes pending results. It is safe to call more
// than once.
func (s *GameServer) Shutdown() {
	select {
	case <-s.shutdownChan:
		return
	default:
		close(s.shutdownChan)
	}

	if s.timers != nil {
		s.timers.Stop()
	}
	if s.httpServer != nil {
		timeout := s.cfg.Server.ShutdownTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := s.httpServer.Shutdown(ctx); err != nil {
			logger.Log.Warnf("http shutdown: %v", err)
		}
		cancel()
	}
	s.broadcaster.BroadcastToAll(broadcast.EncodeError(broadcast.ErrShuttingDown))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	for _, sess := range s.sessionManager.All() {
		if err := sess.Flush(ctx); err != nil {
			logger.Log.Debugf("session %s: shutdown notice not flushed: %v", sess.GetID(), err)
		}
		_ = sess.Close()
	}
	cancel()
	s.results.Close()
}

func (s *GameServer) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"uptime":   s.monitor.Uptime().String(),
		"rooms":    s.roomManager.Count(),
		"sessions": s.sessionManager.Count(),
	})
}

func (s *GameServer) handleGameTypes(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"games": s.catalog.GameTypes()})
}

func (s *GameServer) handleListRooms(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"rooms": s.dispatcher.Rooms()})
}

// handleGetRoom returns the host view of a room.
func (s *GameServer) handleGetRoom(c *gin.Context) {
	msg, err := s.dispatcher.Snapshot(c.Param("code"), "")
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, room.ErrRoomNotFound) {
			status = http.StatusNotFound
		}
		c.AbortWithStatusJSON(status, broadcast.EncodeError(err).Data)
		return
	}
	c.JSON(http.StatusOK, msg.Data)
}

func (s *GameServer) handleWebSocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Log.Infof("Failed to upgrade connection: %v", err)
		return
	}
	s.handleConnection(conn)
}

func (s *GameServer) handleConnection(conn *websocket.Conn) {
	wsConn := network.NewWSConnection(conn)
	wsConn.SetHeartbeat(s.cfg.Server.Heartbeat)
	sess := session.NewSession(uuid.NewString(), wsConn, session.Options{
		QueueSize:   s.cfg.Engine.SendQueue,
		ActionRate:  s.cfg.Engine.ActionRate,
		ActionBurst: s.cfg.Engine.ActionBurst,
	})
	s.sessionManager.Add(sess)
	s.monitor.IncOnlinePlayers()

	logger.Log.Infof("New connection from %s, session ID: %s", wsConn.RemoteAddr(), sess.GetID())

	defer func() {
		logger.Log.Infof("Connection closed from %s, session ID: %s", wsConn.RemoteAddr(), sess.GetID())
		s.dispatcher.Disconnect(sess)
		s.sessionManager.Remove(sess.GetID())
		s.monitor.DecOnlinePlayers()
		_ = sess.Close()
	}()

	for {
		select {
		case <-s.shutdownChan:
			return
		default:
		}
		packet, err := wsConn.ReadPacket()
		if err != nil {
			return
		}
		start := time.Now()
		s.monitor.IncMessagesReceived()
		s.handlePacket(sess, packet)
		s.monitor.ObserveMessageLatency(time.Since(start))
	}
}

func (s *GameServer) handlePacket(sess *session.Session, packet *network.Packet) {
	switch packet.MsgID {
	case network.MsgTypeHeartbeat:
		sess.Touch()
		_ = sess.Send(network.MsgTypeHeartbeat, nil)
	case network.MsgTypeJoinRoom:
		var req network.JoinRoomRequest
		if s.decode(sess, packet, &req) {
			_ = s.dispatcher.Join(sess, req)
		}
	case network.MsgTypeLeaveRoom:
		_ = s.dispatcher.Leave(sess)
	case network.MsgTypePlayerAction:
		var req network.ActionRequest
		if s.decode(sess, packet, &req) {
			_ = s.dispatcher.HandleAction(sess, req)
		}
	case network.MsgTypeHostAction:
		var req network.ActionRequest
		if s.decode(sess, packet, &req) {
			_ = s.dispatcher.HostAction(sess, req)
		}
	default:
		logger.Log.Infof("Unknown message type: %d", packet.MsgID)
		s.reject(sess, fmt.Errorf("%w: unknown message type %d", rules.ErrInvalidPayload, packet.MsgID))
	}
}

func (s *GameServer) decode(sess *session.Session, packet *network.Packet, v any) bool {
	if err := json.Unmarshal(packet.Data, v); err != nil {
		s.reject(sess, fmt.Errorf("%w: %v", rules.ErrInvalidPayload, err))
		return false
	}
	return true
}

func (s *GameServer) reject(sess *session.Session, err error) {
	if sendErr := s.broadcaster.Unicast(sess, broadcast.EncodeError(err)); sendErr != nil {
		logger.Log.Warnf("session %s: %v", sess.GetID(), sendErr)
	}
}
