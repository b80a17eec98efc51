package grpcserver

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"VoiceBargainer/internal/logger"
)

// ServiceName 对外报告健康状态的服务名
const ServiceName = "voicebargainer.v1.Negotiation"

// CheckFunc 探测会话存储等下游依赖
type CheckFunc func(ctx context.Context) error

// HealthServer gRPC健康检查服务，状态跟随存储可用性变化
type HealthServer struct {
	server   *grpc.Server
	health   *health.Server
	check    CheckFunc
	interval time.Duration
	hub      *logger.Hub

	// 统计信息
	requestCount atomic.Int64
	probeCount   atomic.Int64
	serving      atomic.Bool
	startTime    time.Time
}

// NewHealthServer 创建健康检查服务，interval<=0时为10秒
func NewHealthServer(check CheckFunc, interval time.Duration, hub *logger.Hub) *HealthServer {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	s := &HealthServer{
		health:    health.NewServer(),
		check:     check,
		interval:  interval,
		hub:       hub,
		startTime: time.Now(),
	}
	s.server = grpc.NewServer(
		grpc.UnaryInterceptor(s.countUnary),
		grpc.StreamInterceptor(s.countStream),
	)
	healthpb.RegisterHealthServer(s.server, s.health)
	s.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

func (s *HealthServer) countUnary(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	s.requestCount.Add(1)
	return handler(ctx, req)
}

func (s *HealthServer) countStream(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	s.requestCount.Add(1)
	return handler(srv, ss)
}

func (s *HealthServer) setStatus(st healthpb.HealthCheckResponse_ServingStatus) {
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
	s.serving.Store(st == healthpb.HealthCheckResponse_SERVING)
}

// Probe 执行一次探测并更新状态
func (s *HealthServer) Probe(ctx context.Context) error {
	s.probeCount.Add(1)
	var err error
	if s.check != nil {
		ctx, cancel := context.WithTimeout(ctx, s.interval)
		defer cancel()
		err = s.check(ctx)
	}

	was := s.serving.Load()
	if err != nil {
		s.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
		if was {
			s.hub.Error("grpc", "", "health probe failed: %v", err)
		}
		return err
	}
	s.setStatus(healthpb.HealthCheckResponse_SERVING)
	if !was {
		s.hub.Success("grpc", "", "dependencies healthy")
	}
	return nil
}

// Run 周期性探测，直到ctx结束
func (s *HealthServer) Run(ctx context.Context) {
	s.Probe(ctx)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Probe(ctx)
		}
	}
}

// Serve 在给定监听器上提供服务
func (s *HealthServer) Serve(lis net.Listener) error {
	log.Printf("Starting gRPC health server on %s", lis.Addr())
	if err := s.server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Start 监听地址并提供服务，阻塞直到停止
func (s *HealthServer) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(lis)
}

// Stop 优雅停止，ctx到期后强制停止
func (s *HealthServer) Stop(ctx context.Context) {
	s.health.Shutdown()
	done := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.server.Stop()
	}
	log.Printf("gRPC health server stopped")
}

// GetStats 获取服务统计信息
func (s *HealthServer) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"uptime_seconds": time.Since(s.startTime).Seconds(),
		"total_requests": s.requestCount.Load(),
		"probes":         s.probeCount.Load(),
		"serving":        s.serving.Load(),
	}
}
