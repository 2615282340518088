// Copyright 2025 The axfor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package protocol defines the request/response messages exchanged over a
// flow and their JSON encoding.
//
// Every message is one self-delimited JSON document in the externally
// tagged form:
//
//	{"Write":{"key":"k","value":"v"}}
//	{"Read":{"key":"k"}}
//	"Ok"
//	{"Value":"v"}
//	"NotFound"
//	{"Error":"message"}
package protocol

import (
	"errors"
	"fmt"
)

// MaxMessageSize is the largest encoded message accepted on a flow
const MaxMessageSize = 1024

var (
	// ErrMalformed is returned when bytes do not decode to a known message
	ErrMalformed = errors.New("protocol: malformed message")

	// ErrMessageTooLarge is returned when an encoded message exceeds MaxMessageSize
	ErrMessageTooLarge = errors.New("protocol: message exceeds maximum size")
)

// RequestKind 请求类型
type RequestKind string

const (
	KindWrite RequestKind = "Write"
	KindRead  RequestKind = "Read"
)

// ResponseKind 响应类型
type ResponseKind string

const (
	KindOK       ResponseKind = "Ok"
	KindValue    ResponseKind = "Value"
	KindNotFound ResponseKind = "NotFound"
	KindError    ResponseKind = "Error"
)

// Request 客户端请求
// Value 仅对 Write 有意义
type Request struct {
	Kind  RequestKind
	Key   string
	Value string
}

// NewWrite 创建写请求
func NewWrite(key, value string) Request {
	return Request{Kind: KindWrite, Key: key, Value: value}
}

// NewRead 创建读请求
func NewRead(key string) Request {
	return Request{Kind: KindRead, Key: key}
}

func (r Request) String() string {
	switch r.Kind {
	case KindWrite:
		return fmt.Sprintf("Write(%q, %q)", r.Key, r.Value)
	case KindRead:
		return fmt.Sprintf("Read(%q)", r.Key)
	default:
		return fmt.Sprintf("Request(%q)", string(r.Kind))
	}
}

// Response 服务端响应
// Value 对应 Value 变体，Message 对应 Error 变体
type Response struct {
	Kind    ResponseKind
	Value   string
	Message string
}

// OK 写入成功
func OK() Response {
	return Response{Kind: KindOK}
}

// Found 读取命中
func Found(value string) Response {
	return Response{Kind: KindValue, Value: value}
}

// NotFound 键不存在
func NotFound() Response {
	return Response{Kind: KindNotFound}
}

// Errorf 服务端错误，消息返回给客户端
func Errorf(format string, args ...interface{}) Response {
	return Response{Kind: KindError, Message: fmt.Sprintf(format, args...)}
}

func (r Response) String() string {
	switch r.Kind {
	case KindOK:
		return "Ok"
	case KindValue:
		return fmt.Sprintf("Value(%q)", r.Value)
	case KindNotFound:
		return "NotFound"
	case KindError:
		return fmt.Sprintf("Error(%q)", r.Message)
	default:
		return fmt.Sprintf("Response(%q)", string(r.Kind))
	}
}
