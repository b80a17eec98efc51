// negotiate 从商家文件发起一批真实外呼，结束后以JSON输出成交结果
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"VoiceBargainer/internal/app"
	"VoiceBargainer/internal/config"
	"VoiceBargainer/internal/model"
	"VoiceBargainer/internal/orchestrator"
	"VoiceBargainer/internal/vendors"
)

func main() {
	var (
		vendorsPath = flag.String("vendors", "vendors.yaml", "商家与行程文件")
		configPath  = flag.String("config", "", "配置文件路径")
		timeout     = flag.Duration("timeout", 30*time.Minute, "整批超时")
	)
	flag.Parse()

	file, err := vendors.Load(*vendorsPath)
	if err != nil {
		log.Fatalf("读取商家文件失败: %v", err)
	}
	if file.Trip.TripID == "" {
		file.Trip.TripID = model.NewTripID()
	}
	cfg, _, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatalf("初始化服务失败: %v", err)
	}

	// 回调和媒体流需要服务在线
	serveCtx, cancelServe := context.WithCancel(ctx)
	served := make(chan error, 1)
	go func() { served <- a.Run(serveCtx) }()

	batchCtx, cancel := context.WithTimeout(ctx, *timeout)
	deals, err := a.Orchestrator.NegotiateAll(batchCtx, file.Vendors, file.Trip)
	cancel()
	if err != nil {
		log.Printf("Batch ended early: %v", err)
	}

	cancelServe()
	if err := <-served; err != nil {
		log.Printf("Server stopped with error: %v", err)
	}

	out, err := json.MarshalIndent(map[string]interface{}{
		"trip_id": file.Trip.TripID,
		"vendors": len(file.Vendors),
		"deals":   orchestrator.CheapestFirst(deals),
	}, "", "  ")
	if err != nil {
		log.Fatalf("编码结果失败: %v", err)
	}
	fmt.Println(string(out))
}
