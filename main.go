package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"VoiceBargainer/internal/app"
	"VoiceBargainer/internal/archive"
	"VoiceBargainer/internal/callsession"
	"VoiceBargainer/internal/config"
	"VoiceBargainer/internal/httpserver"
	"VoiceBargainer/internal/model"
	"VoiceBargainer/internal/negotiation"
	"VoiceBargainer/internal/store"
	"VoiceBargainer/internal/telephony"
)

func main() {
	var (
		mode       = flag.String("mode", "demo", "运行模式: server, demo, token")
		configPath = flag.String("config", "", "配置文件路径")
		start      = flag.Int64("start", 4000, "demo: 商家首次报价")
		factor     = flag.Float64("factor", 0.92, "demo: 商家每轮让价系数")
		budget     = flag.Int64("budget", 3000, "demo: 预算上限")
		market     = flag.Int64("market", 2800, "demo: 市场价")
		subject    = flag.String("subject", "operator", "token: 令牌主体")
		ttl        = flag.Duration("ttl", 24*time.Hour, "token: 有效期")
	)
	flag.Parse()

	switch *mode {
	case "server":
		runServer(*configPath)
	case "demo":
		runDemo(*start, *factor, *budget, *market)
	case "token":
		runToken(*configPath, *subject, *ttl)
	default:
		fmt.Printf("未知模式: %s\n", *mode)
		flag.Usage()
		os.Exit(1)
	}
}

// runServer 启动完整服务，配置文件变化时热更新谈判策略
func runServer(configPath string) {
	cm := config.NewConfigManager(config.WithConfigPath(configPath), config.WithWatchEnabled(true))
	cfg, err := cm.Load()
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatalf("初始化服务失败: %v", err)
	}
	cm.OnChange(a.ApplyConfig)

	fmt.Printf("✅ VoiceBargainer listening on %s (gRPC health %s)\n", cfg.Server.HTTPAddr, cfg.Server.GRPCAddr)
	fmt.Printf("📞 Public callback base: %s\n", cfg.Server.PublicBaseURL)
	if err := a.Run(ctx); err != nil {
		log.Fatalf("服务异常退出: %v", err)
	}
	fmt.Println("✅ 服务已关闭")
}

// runToken 签发运营API令牌
func runToken(configPath, subject string, ttl time.Duration) {
	cfg, _, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	auth := httpserver.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	if auth == nil {
		log.Fatalf("auth.jwt_secret 未配置")
	}
	token, err := auth.IssueToken(subject, ttl)
	if err != nil {
		log.Fatalf("签发令牌失败: %v", err)
	}
	fmt.Println(token)
}

// demoBridge 离线电话桥，只打印外呼和挂断
type demoBridge struct{}

func (demoBridge) Dial(ctx context.Context, s *model.CallSession, mode telephony.DialMode) (string, error) {
	fmt.Printf("📞 dialing %s (%s) in %s mode\n", s.Vendor.Name, s.Vendor.Phone, mode)
	return "CA-demo", nil
}

func (demoBridge) Hangup(ctx context.Context, callSID string) error {
	fmt.Printf("📴 hangup %s\n", callSID)
	return nil
}

// runDemo 离线跑一通逐轮回调模式的谈判，商家按固定系数让价
func runDemo(start int64, factor float64, budget, market int64) {
	fmt.Println("🚀 VoiceBargainer - 离线谈判演示")
	fmt.Println("=================================")

	cfg := config.Default()
	cfg.Negotiation.RoundPacing = 0
	cfg.Negotiation.EndGrace = 0
	mem := store.NewMemoryStore()
	mgr := callsession.NewManager(callsession.Deps{
		Machine:  negotiation.NewMachine(negotiation.PolicyFromConfig(cfg.Negotiation), nil),
		Store:    mem,
		Deals:    mem,
		Bridge:   demoBridge{},
		Archiver: archive.Nop{},
	}, callsession.SettingsFromConfig(cfg, telephony.DialWebhook))

	ctx := context.Background()
	vendor := model.Vendor{Name: "Sharma Homestay", Phone: "+919800000001", Category: "homestay", Gender: "female"}
	trip := model.TripContext{TripID: model.NewTripID(), Destination: "Shimla", MarketRate: market, BudgetMax: budget, PartySize: 2}

	s, err := mgr.Open(ctx, vendor, trip)
	if err != nil {
		log.Fatalf("外呼失败: %v", err)
	}
	if _, err := mgr.WebhookStart(ctx, s.CallID); err != nil {
		log.Fatalf("开场失败: %v", err)
	}
	fmt.Printf("🤖 Agent: %s %s\n", negotiation.GreetingText(s), negotiation.WebhookIntroText(s))

	quote := start
	for i := 0; i < cfg.Negotiation.MaxRounds+1; i++ {
		reply := fmt.Sprintf("%d रुपये लगेगा", quote)
		fmt.Printf("🏨 Vendor: %s\n", reply)
		twiml, err := mgr.WebhookGather(ctx, s.CallID, reply)
		if err != nil {
			log.Fatalf("第%d轮失败: %v", i+1, err)
		}
		if step := mgr.LastStep(s.CallID); step != nil {
			fmt.Printf("🤖 Agent: %s\n", step.Utterance)
			fmt.Printf("   round=%d status=%s next=%s confidence=%.2f\n", step.Round, step.To, step.NextAction, step.Confidence)
		}
		if strings.Contains(twiml, "<Hangup") {
			break
		}
		quote = negotiation.RoundConcession(quote, factor)
	}

	res, err := mgr.Await(ctx, s.CallID)
	if err != nil {
		log.Fatalf("等待结果失败: %v", err)
	}
	fmt.Println()
	fmt.Printf("📋 outcome=%s status=%s rounds=%d\n", res.Session.Outcome, res.Session.Status, res.Session.Round)
	if res.Deal != nil {
		fmt.Printf("🤝 deal at ₹%d after %d rounds\n", res.Deal.NegotiatedPrice, res.Deal.Rounds)
	} else {
		fmt.Println("❌ no deal")
	}
}
