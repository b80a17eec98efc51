// Package store 会话与成交记录的持久化
//
// 会话按顶层字段合并写入：Set只覆盖补丁里出现的字段，webhook路径和流式路径
// 并发写同一个call_id时不会互相抹掉对方的字段。
package store

import (
	"context"

	"VoiceBargainer/internal/model"
)

// SessionStore 会话存储
type SessionStore interface {
	// Get 读取并校验会话，不存在时返回 model.ErrInvalidSession
	Get(ctx context.Context, callID string) (*model.CallSession, error)
	// Set 按顶层字段合并写入
	Set(ctx context.Context, callID string, patch model.SessionPatch) error
	// Delete 删除会话，不存在不算错误
	Delete(ctx context.Context, callID string) error
	// Ping 存储是否可用
	Ping(ctx context.Context) error
}

// DealStore 成交记录
type DealStore interface {
	SaveDeal(ctx context.Context, deal *model.Deal) error
	ListDeals(ctx context.Context, tripID string) ([]model.Deal, error)
}

// Put 写入完整会话快照
func Put(ctx context.Context, s SessionStore, session *model.CallSession) error {
	return s.Set(ctx, session.CallID, model.FullPatch(session))
}
