package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CurrentSchemaVersion 会话文档当前版本
const CurrentSchemaVersion = 1

// Status 谈判状态
type Status string

const (
	StatusInitiated   Status = "INITIATED"
	StatusGreeting    Status = "GREETING"
	StatusQualifying  Status = "QUALIFYING"
	StatusPitching    Status = "PITCHING"
	StatusNegotiating Status = "NEGOTIATING"
	StatusConfirming  Status = "CONFIRMING"
	StatusClosing     Status = "CLOSING"
	StatusCompleted   Status = "COMPLETED"
	StatusDeadlock    Status = "DEADLOCK"
)

// AllStatuses 按生命周期排列的全部状态
var AllStatuses = []Status{
	StatusInitiated, StatusGreeting, StatusQualifying, StatusPitching,
	StatusNegotiating, StatusConfirming, StatusClosing, StatusCompleted, StatusDeadlock,
}

var transitions = map[Status][]Status{
	StatusInitiated:   {StatusGreeting},
	StatusGreeting:    {StatusQualifying},
	StatusQualifying:  {StatusPitching, StatusConfirming, StatusDeadlock},
	StatusPitching:    {StatusNegotiating},
	StatusNegotiating: {StatusNegotiating, StatusConfirming, StatusClosing, StatusDeadlock},
	StatusClosing:     {StatusConfirming, StatusDeadlock},
	StatusConfirming:  {StatusCompleted},
}

// Terminal 终态不再处理任何回合
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusDeadlock
}

// Valid 是否为已知状态
func (s Status) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// CanTransition 状态只能前进，NEGOTIATING允许自环；
// 任何非终态都可以因挂断直接进入COMPLETED
func CanTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	if to == StatusCompleted {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Speaker 对话轮次的说话方
type Speaker string

const (
	SpeakerAgent  Speaker = "agent"
	SpeakerVendor Speaker = "vendor"
)

// Turn 一句对话
type Turn struct {
	Speaker Speaker   `json:"speaker"`
	Text    string    `json:"text"`
	Offer   *int64    `json:"offer,omitempty"`
	At      time.Time `json:"at"`
}

// Vendor 被呼叫的商家
type Vendor struct {
	Name     string `json:"name" yaml:"name"`
	Phone    string `json:"phone" yaml:"phone"`
	Category string `json:"category" yaml:"category"`
	Gender   string `json:"gender,omitempty" yaml:"gender"`
}

// TripContext 一批谈判共享的只读行程信息，金额以卢比整数表示
type TripContext struct {
	TripID       string   `json:"trip_id" yaml:"trip_id"`
	Destination  string   `json:"destination" yaml:"destination"`
	MarketRate   int64    `json:"market_rate" yaml:"market_rate"`
	BudgetMax    int64    `json:"budget_max" yaml:"budget_max"`
	PartySize    int      `json:"party_size" yaml:"party_size"`
	Requirements []string `json:"requirements,omitempty" yaml:"requirements"`
}

// Validate 检查oracle需要的必填字段，vendorType来自商家类别
func (t TripContext) Validate(vendorType string) error {
	var missing []string
	if strings.TrimSpace(t.Destination) == "" {
		missing = append(missing, "destination")
	}
	if t.MarketRate <= 0 {
		missing = append(missing, "market_rate")
	}
	if t.BudgetMax <= 0 {
		missing = append(missing, "budget_max")
	}
	if strings.TrimSpace(vendorType) == "" {
		missing = append(missing, "vendor_type")
	}
	if t.PartySize <= 0 {
		missing = append(missing, "party_size")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidTrip, strings.Join(missing, ", "))
	}
	return nil
}

// RequirementsFor 没有显式需求时按商家类型给出默认需求
func (t TripContext) RequirementsFor(vendorType string) []string {
	if len(t.Requirements) > 0 {
		return t.Requirements
	}
	kind := strings.ToLower(vendorType)
	switch {
	case strings.Contains(kind, "hotel"), strings.Contains(kind, "homestay"):
		return []string{fmt.Sprintf("room for %d people", t.PartySize)}
	case strings.Contains(kind, "restaurant"):
		return []string{fmt.Sprintf("table for %d people", t.PartySize)}
	default:
		return []string{fmt.Sprintf("trip to %s for %d people", t.Destination, t.PartySize)}
	}
}

// AgentVoice 合成语音的人设
type AgentVoice struct {
	Gender  string `json:"gender"`
	Name    string `json:"name"`
	Speaker string `json:"speaker"`
}

// AgentVoiceFor 选择与商家相反性别的声音
func AgentVoiceFor(vendorGender string) AgentVoice {
	if strings.EqualFold(vendorGender, "female") {
		return AgentVoice{Gender: "male", Name: "Rahul", Speaker: "hitesh"}
	}
	return AgentVoice{Gender: "female", Name: "Priya", Speaker: "manisha"}
}

// callNamespace call_id派生用的命名空间
var callNamespace = uuid.MustParse("6f1c9a52-4d0b-4a8e-9d1f-2b7e5c3a8f10")

// NewCallID 同一(trip, vendor)总是得到同一个call_id
func NewCallID(tripID, phone string) string {
	return "call_" + uuid.NewSHA1(callNamespace, []byte(tripID+"|"+phone)).String()
}

// NewTripID 生成新的行程ID
func NewTripID() string {
	return "trip_" + uuid.NewString()
}

// 谈判阶段
const (
	PhaseInitialQuote = "INITIAL_QUOTE"
	PhaseValueAdd     = "VALUE_ADD"
)

// Webhook 模式下的粗粒度阶段
const (
	StageInitiated   = "INITIATED"
	StageNegotiation = "NEGOTIATION"
	StageTerminal    = "TERMINAL"
)

// 结局
const (
	OutcomeDealSuccess = "DEAL_SUCCESS"
	OutcomeDeadlock    = "DEADLOCK"
	OutcomeEnded       = "ENDED"
)

// CallSession 一次外呼的完整状态
type CallSession struct {
	SchemaVersion int         `json:"schema_version"`
	CallID        string      `json:"call_id"`
	Vendor        Vendor      `json:"vendor"`
	Trip          TripContext `json:"trip_context"`
	AgentVoice    AgentVoice  `json:"agent_voice"`

	Round         int    `json:"round"`
	CurrentQuote  *int64 `json:"current_quote,omitempty"`
	LastCounter   *int64 `json:"last_counter,omitempty"`
	Discount      int64  `json:"discount_offered,omitempty"`
	StubbornCount int    `json:"stubborn_rounds,omitempty"`
	NoQuoteStreak int    `json:"no_quote_streak,omitempty"`
	Phase         string `json:"negotiation_phase,omitempty"`
	Status        Status `json:"status"`
	History       []Turn `json:"history,omitempty"`

	WebhookStage    string `json:"webhook_stage,omitempty"`
	ProviderCallSID string `json:"provider_call_sid,omitempty"`
	Outcome         string `json:"outcome,omitempty"`
	Deal            *Deal  `json:"deal,omitempty"`
	FinalRound      *int   `json:"final_round,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// NewCallSession 创建INITIATED状态的会话
func NewCallSession(vendor Vendor, trip TripContext, now time.Time) (*CallSession, error) {
	if err := trip.Validate(vendor.Category); err != nil {
		return nil, err
	}
	if strings.TrimSpace(vendor.Phone) == "" {
		return nil, fmt.Errorf("%w: vendor %q has no phone", ErrInvalidTrip, vendor.Name)
	}
	return &CallSession{
		SchemaVersion: CurrentSchemaVersion,
		CallID:        NewCallID(trip.TripID, vendor.Phone),
		Vendor:        vendor,
		Trip:          trip,
		AgentVoice:    AgentVoiceFor(vendor.Gender),
		Status:        StatusInitiated,
		WebhookStage:  StageInitiated,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// AppendTurn 追加对话，history只增不减
func (s *CallSession) AppendTurn(speaker Speaker, text string, offer *int64, at time.Time) {
	s.History = append(s.History, Turn{Speaker: speaker, Text: text, Offer: offer, At: at})
}

// QuoteKnown 当前是否有商家报价
func (s *CallSession) QuoteKnown() bool {
	return s.CurrentQuote != nil && *s.CurrentQuote > 0
}

// Clone 深拷贝，避免调用方共享history底层数组
func (s *CallSession) Clone() *CallSession {
	c := *s
	c.History = append([]Turn(nil), s.History...)
	c.Trip.Requirements = append([]string(nil), s.Trip.Requirements...)
	if s.CurrentQuote != nil {
		q := *s.CurrentQuote
		c.CurrentQuote = &q
	}
	if s.LastCounter != nil {
		q := *s.LastCounter
		c.LastCounter = &q
	}
	if s.Deal != nil {
		d := *s.Deal
		c.Deal = &d
	}
	if s.FinalRound != nil {
		r := *s.FinalRound
		c.FinalRound = &r
	}
	if s.EndedAt != nil {
		e := *s.EndedAt
		c.EndedAt = &e
	}
	return &c
}

// Int64 返回指针，便于构造可选字段
func Int64(v int64) *int64 { return &v }
