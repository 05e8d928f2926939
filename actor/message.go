// Package actor runs DEM managers behind a message protocol, so that tile
// work can live in another goroutine or another process. Requests and
// responses are JSON envelopes correlated by id; a caller that gives up
// sends a cancel envelope.
package actor

import (
	"context"
	"encoding/json"
	"errors"

	"contour/manager"
	"contour/source"
)

//MessageType 消息类型
type MessageType string

// Envelope types
const (
	TypeRequest  MessageType = "request"
	TypeResponse MessageType = "response"
	TypeCancel   MessageType = "cancel"
)

//Message 请求、响应与取消共用的消息体
type Message struct {
	ID       string          `json:"id"`
	Type     MessageType     `json:"type"`
	Name     string          `json:"name,omitempty"`
	Args     json.RawMessage `json:"args,omitempty"`
	Response json.RawMessage `json:"response,omitempty"`
	Error    string          `json:"error,omitempty"`
	// Code names the error class so the caller can rebuild it.
	Code    string          `json:"code,omitempty"`
	Timings *manager.Timing `json:"timings,omitempty"`
}

const (
	codeCanceled       = "canceled"
	codeTimeout        = "timeout"
	codeNotFound       = "notfound"
	codeNotInitialized = "notinitialized"
	codeInvalidOptions = "invalidoptions"
)

func errorCode(err error) string {
	switch {
	case manager.IsCanceled(err):
		return codeCanceled
	case errors.Is(err, manager.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return codeTimeout
	case errors.Is(err, source.ErrTileNotFound):
		return codeNotFound
	case errors.Is(err, source.ErrNotInitialized):
		return codeNotInitialized
	case errors.Is(err, manager.ErrInvalidOptions):
		return codeInvalidOptions
	}
	return ""
}

//RemoteError 对端返回的错误
type RemoteError struct {
	Message string
	Code    string
}

func (e *RemoteError) Error() string {
	return e.Message
}

// Unwrap gives back the sentinel matching the code, so errors.Is works
// across the protocol.
func (e *RemoteError) Unwrap() error {
	switch e.Code {
	case codeCanceled:
		return context.Canceled
	case codeTimeout:
		return manager.ErrTimeout
	case codeNotFound:
		return source.ErrTileNotFound
	case codeNotInitialized:
		return source.ErrNotInitialized
	case codeInvalidOptions:
		return manager.ErrInvalidOptions
	}
	return nil
}
