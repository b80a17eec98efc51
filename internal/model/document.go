package model

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed session.schema.json
var sessionSchemaJSON []byte

const sessionSchemaURL = "voicebargainer://session.schema.json"

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func sessionSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(sessionSchemaURL, bytes.NewReader(sessionSchemaJSON)); err != nil {
			schemaErr = fmt.Errorf("add session schema: %w", err)
			return
		}
		compiledSchema, schemaErr = compiler.Compile(sessionSchemaURL)
	})
	return compiledSchema, schemaErr
}

// Document 会话在存储里的形态：顶层字段名到JSON值
//
// 三种存储后端都按顶层字段合并写入，所以两条控制路径各自写的字段互不覆盖。
type Document map[string]json.RawMessage

// SessionPatch 部分更新，nil字段不写
type SessionPatch struct {
	SchemaVersion *int         `json:"schema_version,omitempty"`
	CallID        *string      `json:"call_id,omitempty"`
	Vendor        *Vendor      `json:"vendor,omitempty"`
	Trip          *TripContext `json:"trip_context,omitempty"`
	AgentVoice    *AgentVoice  `json:"agent_voice,omitempty"`

	Round         *int    `json:"round,omitempty"`
	CurrentQuote  *int64  `json:"current_quote,omitempty"`
	LastCounter   *int64  `json:"last_counter,omitempty"`
	Discount      *int64  `json:"discount_offered,omitempty"`
	StubbornCount *int    `json:"stubborn_rounds,omitempty"`
	NoQuoteStreak *int    `json:"no_quote_streak,omitempty"`
	Phase         *string `json:"negotiation_phase,omitempty"`
	Status        *Status `json:"status,omitempty"`
	History       []Turn  `json:"history,omitempty"`

	WebhookStage    *string `json:"webhook_stage,omitempty"`
	ProviderCallSID *string `json:"provider_call_sid,omitempty"`
	Outcome         *string `json:"outcome,omitempty"`
	Deal            *Deal   `json:"deal,omitempty"`
	FinalRound      *int    `json:"final_round,omitempty"`

	CreatedAt *time.Time `json:"created_at,omitempty"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// FullPatch 会话的完整快照
func FullPatch(s *CallSession) SessionPatch {
	c := s.Clone()
	p := SessionPatch{
		SchemaVersion: &c.SchemaVersion,
		CallID:        &c.CallID,
		Vendor:        &c.Vendor,
		Trip:          &c.Trip,
		AgentVoice:    &c.AgentVoice,
		CreatedAt:     &c.CreatedAt,
		UpdatedAt:     &c.UpdatedAt,
		EndedAt:       c.EndedAt,
		Deal:          c.Deal,
		FinalRound:    c.FinalRound,
	}
	mergeRoundState(&p, c)
	if c.WebhookStage != "" {
		p.WebhookStage = &c.WebhookStage
	}
	if c.ProviderCallSID != "" {
		p.ProviderCallSID = &c.ProviderCallSID
	}
	if c.Outcome != "" {
		p.Outcome = &c.Outcome
	}
	return p
}

// RoundPatch 一个回合结束后需要持久化的字段
func RoundPatch(s *CallSession) SessionPatch {
	c := s.Clone()
	p := SessionPatch{UpdatedAt: &c.UpdatedAt}
	mergeRoundState(&p, c)
	return p
}

func mergeRoundState(p *SessionPatch, c *CallSession) {
	p.Round = &c.Round
	p.CurrentQuote = c.CurrentQuote
	p.LastCounter = c.LastCounter
	p.Discount = &c.Discount
	p.StubbornCount = &c.StubbornCount
	p.NoQuoteStreak = &c.NoQuoteStreak
	if c.Phase != "" {
		p.Phase = &c.Phase
	}
	p.Status = &c.Status
	p.History = c.History
}

// Fields 把补丁展开为顶层字段
func (p SessionPatch) Fields() (Document, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal session patch: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("split session patch: %w", err)
	}
	return doc, nil
}

// Merge 顶层字段覆盖合并
func (d Document) Merge(fields Document) Document {
	if d == nil {
		d = make(Document, len(fields))
	}
	for k, v := range fields {
		d[k] = append(json.RawMessage(nil), v...)
	}
	return d
}

// Decode 校验并解码文档，未知字段、缺失字段或版本不符都会被拒绝
func (d Document) Decode() (*CallSession, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSession, err)
	}
	return DecodeSession(raw)
}

// DecodeSession 校验并解码一份完整的会话JSON
func DecodeSession(raw []byte) (*CallSession, error) {
	schema, err := sessionSchema()
	if err != nil {
		return nil, err
	}

	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSession, err)
	}
	if err := schema.Validate(generic); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSession, err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var s CallSession
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSession, err)
	}
	if s.SchemaVersion != CurrentSchemaVersion {
		return nil, fmt.Errorf("%w: unsupported schema_version %d", ErrMalformedSession, s.SchemaVersion)
	}
	if s.Deal != nil && s.CurrentQuote == nil {
		return nil, fmt.Errorf("%w: deal recorded without a quote", ErrMalformedSession)
	}
	return &s, nil
}

// EncodeSession 序列化完整会话，用于归档
func EncodeSession(s *CallSession) ([]byte, error) {
	return json.Marshal(s)
}
