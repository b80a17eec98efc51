package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"VoiceBargainer/internal/logger"
	"VoiceBargainer/internal/model"
)

// DefaultConcurrency 同时进行的通话上限
const DefaultConcurrency = 3

// DefaultRetention 已结束批次保留多久供查询
const DefaultRetention = time.Hour

var (
	// ErrNoVendors 批次中没有可呼叫的商家
	ErrNoVendors = errors.New("no vendors to call")
	// ErrTripRunning 同一trip_id的批次仍在进行
	ErrTripRunning = errors.New("trip is already running")
)

// Negotiator 与单个商家完成一次谈判
type Negotiator interface {
	Negotiate(ctx context.Context, vendor model.Vendor, trip model.TripContext) (*model.Deal, error)
}

// BatchState 批次状态
type BatchState string

const (
	BatchRunning  BatchState = "RUNNING"
	BatchFinished BatchState = "FINISHED"
)

// VendorResult 单个商家的结果
type VendorResult struct {
	Vendor model.Vendor `json:"vendor"`
	Deal   *model.Deal  `json:"deal,omitempty"`
	Error  string       `json:"error,omitempty"`
}

// Batch 一次批量谈判的进度快照
type Batch struct {
	TripID     string         `json:"trip_id"`
	State      BatchState     `json:"state"`
	Vendors    int            `json:"vendors"`
	Completed  int            `json:"completed"`
	Failed     int            `json:"failed"`
	Deals      []*model.Deal  `json:"deals"`
	Results    []VendorResult `json:"results"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
}

type batchRun struct {
	mu    sync.Mutex
	batch Batch
	done  chan struct{}
}

func (b *batchRun) record(r VendorResult) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.batch.Completed++
	if r.Error != "" {
		b.batch.Failed++
	}
	if r.Deal != nil {
		b.batch.Deals = append(b.batch.Deals, r.Deal)
	}
	b.batch.Results = append(b.batch.Results, r)
}

func (b *batchRun) snapshot() Batch {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.batch
	out.Deals = append([]*model.Deal(nil), b.batch.Deals...)
	out.Results = append([]VendorResult(nil), b.batch.Results...)
	return out
}

// Orchestrator 并发呼叫多个商家，汇总成交结果
type Orchestrator struct {
	negotiator Negotiator
	limit      int64
	retention  time.Duration
	hub        *logger.Hub
	now        func() time.Time

	mu      sync.Mutex
	batches map[string]*batchRun
	wg      sync.WaitGroup
}

// Option 编排器选项
type Option func(*Orchestrator)

// WithRetention 已结束批次的保留时长，<=0表示一直保留
func WithRetention(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.retention = d
	}
}

// New 创建编排器，concurrency<=0时使用默认值
func New(n Negotiator, concurrency int, hub *logger.Hub, opts ...Option) *Orchestrator {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	o := &Orchestrator{
		negotiator: n,
		limit:      int64(concurrency),
		retention:  DefaultRetention,
		hub:        hub,
		now:        time.Now,
		batches:    make(map[string]*batchRun),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Concurrency 并发上限
func (o *Orchestrator) Concurrency() int {
	return int(o.limit)
}

// NegotiateAll 同时最多limit个通话，单个失败不影响其他商家，只返回成交结果，顺序不保证
func (o *Orchestrator) NegotiateAll(ctx context.Context, vendors []model.Vendor, trip model.TripContext) ([]*model.Deal, error) {
	vendors = Dedupe(vendors)
	if len(vendors) == 0 {
		return nil, ErrNoVendors
	}
	run, err := o.newRun(trip.TripID, len(vendors))
	if err != nil {
		return nil, err
	}
	o.run(ctx, run, vendors, trip)
	return run.snapshot().Deals, ctx.Err()
}

// Start 异步启动一个批次，返回trip_id
func (o *Orchestrator) Start(ctx context.Context, vendors []model.Vendor, trip model.TripContext) (string, error) {
	vendors = Dedupe(vendors)
	if len(vendors) == 0 {
		return "", ErrNoVendors
	}
	if trip.TripID == "" {
		trip.TripID = model.NewTripID()
	}
	for _, v := range vendors {
		if err := trip.Validate(v.Category); err != nil {
			return "", err
		}
	}

	run, err := o.newRun(trip.TripID, len(vendors))
	if err != nil {
		return "", err
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.run(context.WithoutCancel(ctx), run, vendors, trip)
	}()
	return trip.TripID, nil
}

// Batch 查询批次进度
func (o *Orchestrator) Batch(tripID string) (Batch, bool) {
	o.mu.Lock()
	run, ok := o.batches[tripID]
	o.mu.Unlock()
	if !ok {
		return Batch{}, false
	}
	return run.snapshot(), true
}

// Wait 等待批次结束
func (o *Orchestrator) Wait(ctx context.Context, tripID string) (Batch, error) {
	o.mu.Lock()
	run, ok := o.batches[tripID]
	o.mu.Unlock()
	if !ok {
		return Batch{}, fmt.Errorf("unknown trip %s", tripID)
	}
	select {
	case <-run.done:
		return run.snapshot(), nil
	case <-ctx.Done():
		return Batch{}, ctx.Err()
	}
}

// Shutdown 等待所有异步批次结束
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// newRun 登记新批次，检查与登记在同一把锁内完成
func (o *Orchestrator) newRun(tripID string, vendors int) (*batchRun, error) {
	run := &batchRun{
		batch: Batch{
			TripID:    tripID,
			State:     BatchRunning,
			Vendors:   vendors,
			Deals:     []*model.Deal{},
			Results:   []VendorResult{},
			StartedAt: o.now(),
		},
		done: make(chan struct{}),
	}
	if tripID == "" {
		return run, nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if prev, ok := o.batches[tripID]; ok {
		select {
		case <-prev.done:
		default:
			return nil, fmt.Errorf("trip %s: %w", tripID, ErrTripRunning)
		}
	}
	o.batches[tripID] = run
	return run, nil
}

// forget 保留期满后移除批次，期间被同一trip_id的新批次替换时不动
func (o *Orchestrator) forget(tripID string, run *batchRun) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.batches[tripID] == run {
		delete(o.batches, tripID)
	}
}

func (o *Orchestrator) run(ctx context.Context, run *batchRun, vendors []model.Vendor, trip model.TripContext) {
	defer func() {
		run.mu.Lock()
		now := o.now()
		run.batch.State = BatchFinished
		run.batch.FinishedAt = &now
		run.mu.Unlock()
		close(run.done)
		if o.retention > 0 && trip.TripID != "" {
			time.AfterFunc(o.retention, func() { o.forget(trip.TripID, run) })
		}
	}()

	o.hub.Info("orchestrator", trip.TripID, "negotiating with %d vendors, concurrency %d", len(vendors), o.limit)
	sem := semaphore.NewWeighted(o.limit)
	var wg sync.WaitGroup
	for _, v := range vendors {
		if err := sem.Acquire(ctx, 1); err != nil {
			run.record(VendorResult{Vendor: v, Error: err.Error()})
			continue
		}
		wg.Add(1)
		go func(v model.Vendor) {
			defer wg.Done()
			defer sem.Release(1)
			run.record(o.negotiateOne(ctx, v, trip))
		}(v)
	}
	wg.Wait()

	b := run.snapshot()
	o.hub.Success("orchestrator", trip.TripID, "batch finished: %d deals, %d failed of %d", len(b.Deals), b.Failed, b.Vendors)
}

// negotiateOne 隔离单个任务，错误和panic都只记录在这个商家上
func (o *Orchestrator) negotiateOne(ctx context.Context, v model.Vendor, trip model.TripContext) (res VendorResult) {
	res.Vendor = v
	defer func() {
		if r := recover(); r != nil {
			res.Deal = nil
			res.Error = fmt.Sprintf("panic: %v", r)
			o.hub.Error("orchestrator", trip.TripID, "vendor %s panicked: %v", v.Phone, r)
		}
	}()

	deal, err := o.negotiator.Negotiate(ctx, v, trip)
	if err != nil {
		res.Error = err.Error()
		o.hub.Warning("orchestrator", trip.TripID, "vendor %s failed: %v", v.Phone, err)
		return res
	}
	res.Deal = deal
	return res
}

// Dedupe 按电话号码去重，call_id由trip和电话决定，重复号码会冲突
func Dedupe(vendors []model.Vendor) []model.Vendor {
	seen := make(map[string]bool, len(vendors))
	out := make([]model.Vendor, 0, len(vendors))
	for _, v := range vendors {
		key := strings.TrimSpace(v.Phone)
		if key != "" {
			if seen[key] {
				continue
			}
			seen[key] = true
		}
		out = append(out, v)
	}
	return out
}

// CheapestFirst 按成交价升序排列
func CheapestFirst(deals []*model.Deal) []*model.Deal {
	out := append([]*model.Deal(nil), deals...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].NegotiatedPrice < out[j].NegotiatedPrice })
	return out
}
