package model

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidSession 未知的call_id，当前回合直接失败，不重试
	ErrInvalidSession = errors.New("invalid session")
	// ErrMalformedSession 会话文档无法通过校验
	ErrMalformedSession = errors.New("malformed session document")
	// ErrTransientCollaborator 外部协作方临时故障，可重试
	ErrTransientCollaborator = errors.New("transient collaborator failure")
	// ErrAudioConversion 音频转码失败，丢弃该帧或该句
	ErrAudioConversion = errors.New("audio conversion failed")
	// ErrNoQuote 商家始终没有报价
	ErrNoQuote = errors.New("vendor did not state a price")
	// ErrNoTranscript 本回合没有识别出文本
	ErrNoTranscript = errors.New("no transcript")
	// ErrInvalidTrip 行程上下文缺少必填字段
	ErrInvalidTrip = errors.New("invalid trip context")
)

// CollaboratorError 外部协作方(STT/TTS/电话/oracle)调用错误
type CollaboratorError struct {
	Collaborator string
	Op           string
	StatusCode   int
	Err          error
	// Permanent 为true时不再重试，例如4xx鉴权错误
	Permanent bool
}

func (e *CollaboratorError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: status %d: %v", e.Collaborator, e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Collaborator, e.Op, e.Err)
}

func (e *CollaboratorError) Unwrap() error { return e.Err }

// Is 非永久错误都视为 ErrTransientCollaborator
func (e *CollaboratorError) Is(target error) bool {
	return target == ErrTransientCollaborator && !e.Permanent
}

// Transient 包装一个可重试的协作方错误
func Transient(collaborator, op string, err error) error {
	return &CollaboratorError{Collaborator: collaborator, Op: op, Err: err}
}

// Permanent 包装一个不可重试的协作方错误
func Permanent(collaborator, op string, status int, err error) error {
	return &CollaboratorError{Collaborator: collaborator, Op: op, StatusCode: status, Err: err, Permanent: true}
}

// SessionNotFound 构造带call_id的 ErrInvalidSession
func SessionNotFound(callID string) error {
	return fmt.Errorf("%w: %s", ErrInvalidSession, callID)
}
