package rpc

import (
	"context"
	"errors"
	"net"
	"net/rpc"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/wfunc/partyserver/logger"
	"github.com/wfunc/partyserver/models"
	"github.com/wfunc/partyserver/room"
)

// Server runs the admin net/rpc listener and a gRPC health endpoint.
type Server struct {
	rpcServer  *rpc.Server
	listener   net.Listener
	grpcServer *grpc.Server
	health     *health.Server
	healthLis  net.Listener
}

// NewServer listens on rpcAddr and, when healthAddr is set, on healthAddr.
func NewServer(rpcAddr, healthAddr string, admin *AdminService) (*Server, error) {
	rpcServer := rpc.NewServer()
	if err := rpcServer.RegisterName("AdminService", admin); err != nil {
		return nil, err
	}

	listener, err := net.Listen("tcp", rpcAddr)
	if err != nil {
		return nil, err
	}
	s := &Server{rpcServer: rpcServer, listener: listener}

	if healthAddr != "" {
		s.healthLis, err = net.Listen("tcp", healthAddr)
		if err != nil {
			listener.Close()
			return nil, err
		}
		s.health = health.NewServer()
		s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		s.grpcServer = grpc.NewServer()
		healthpb.RegisterHealthServer(s.grpcServer, s.health)
	}
	return s, nil
}

func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// HealthAddr is nil when no health listener was configured.
func (s *Server) HealthAddr() net.Addr {
	if s.healthLis == nil {
		return nil
	}
	return s.healthLis.Addr()
}

// Start accepts RPC connections until Stop.
func (s *Server) Start() error {
	logger.Log.Infof("RPC server listening on %s", s.listener.Addr())
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				logger.Log.Info("RPC server listener closed.")
				return nil
			}
			logger.Log.Errorf("RPC server accept error: %v", err)
			return err
		}
		go s.rpcServer.ServeConn(conn)
	}
}

// StartHealth serves gRPC health checks until Stop.
func (s *Server) StartHealth() error {
	if s.grpcServer == nil {
		return nil
	}
	logger.Log.Infof("gRPC health listening on %s", s.healthLis.Addr())
	err := s.grpcServer.Serve(s.healthLis)
	if errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return err
}

// Stop marks the service NOT_SERVING and closes both listeners.
func (s *Server) Stop() {
	logger.Log.Info("Stopping RPC server.")
	s.listener.Close()
	if s.grpcServer != nil {
		s.health.Shutdown()
		s.grpcServer.GracefulStop()
	}
}

// RoomAdmin is the slice of the dispatcher the admin service drives.
type RoomAdmin interface {
	Rooms() []room.Info
	EndRoom(code, reason string) error
}

// ResultQuery reads stored games.
type ResultQuery interface {
	PlayerStats(ctx context.Context, userID string) (*models.PlayerStats, error)
	RecentGames(ctx context.Context, limit int) ([]*models.GameSummary, error)
}

// AdminService exposes operator methods over net/rpc. Every method follows
// the net/rpc shape: pointer args, pointer reply, error result.
type AdminService struct {
	rooms   RoomAdmin
	results ResultQuery
	timeout time.Duration
}

func NewAdminService(rooms RoomAdmin, results ResultQuery) *AdminService {
	return &AdminService{rooms: rooms, results: results, timeout: 5 * time.Second}
}

type ListRoomsArgs struct {
	GameType string
}

type ListRoomsReply struct {
	Rooms []room.Info
}

func (a *AdminService) ListRooms(args *ListRoomsArgs, reply *ListRoomsReply) error {
	for _, info := range a.rooms.Rooms() {
		if args.GameType == "" || info.GameType == args.GameType {
			reply.Rooms = append(reply.Rooms, info)
		}
	}
	return nil
}

type EndRoomArgs struct {
	Code   string
	Reason string
}

type EndRoomReply struct {
	Ended bool
}

func (a *AdminService) EndRoom(args *EndRoomArgs, reply *EndRoomReply) error {
	if err := a.rooms.EndRoom(args.Code, args.Reason); err != nil {
		return err
	}
	reply.Ended = true
	return nil
}

type GetPlayerStatsArgs struct {
	UserID string
}

type GetPlayerStatsReply struct {
	Stats models.PlayerStats
}

func (a *AdminService) GetPlayerStats(args *GetPlayerStatsArgs, reply *GetPlayerStatsReply) error {
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()

	stats, err := a.results.PlayerStats(ctx, args.UserID)
	if err != nil {
		return err
	}
	reply.Stats = *stats
	return nil
}

type RecentGamesArgs struct {
	Limit int
}

type RecentGamesReply struct {
	Games []models.GameSummary
}

func (a *AdminService) RecentGames(args *RecentGamesArgs, reply *RecentGamesReply) error {
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()

	games, err := a.results.RecentGames(ctx, args.Limit)
	if err != nil {
		return err
	}
	for _, g := range games {
		reply.Games = append(reply.Games, *g)
	}
	return nil
}
