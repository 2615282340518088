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

package protocol

import (
	"fmt"
	"unicode/utf8"

	"github.com/goccy/go-json"
)

type writeBody struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type readBody struct {
	Key string `json:"key"`
}

// 解码时用指针区分缺失字段和空字符串
type wireBody struct {
	Key   *string `json:"key"`
	Value *string `json:"value"`
}

// EncodeRequest 编码请求
func EncodeRequest(req Request) ([]byte, error) {
	// 编码器会把非法 UTF-8 替换成 U+FFFD，这里直接拒绝
	if !utf8.ValidString(req.Key) || !utf8.ValidString(req.Value) {
		return nil, fmt.Errorf("%w: key and value must be valid UTF-8", ErrMalformed)
	}

	var doc map[string]interface{}
	switch req.Kind {
	case KindWrite:
		doc = map[string]interface{}{string(KindWrite): writeBody{Key: req.Key, Value: req.Value}}
	case KindRead:
		doc = map[string]interface{}{string(KindRead): readBody{Key: req.Key}}
	default:
		return nil, fmt.Errorf("protocol: unknown request kind %q", string(req.Kind))
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode request: %w", err)
	}
	return checkSize(data)
}

// DecodeRequest 解码请求
func DecodeRequest(data []byte) (Request, error) {
	if !utf8.Valid(data) {
		return Request{}, fmt.Errorf("%w: not valid UTF-8", ErrMalformed)
	}
	tag, raw, err := splitTagged(data)
	if err != nil {
		return Request{}, err
	}

	var body wireBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return Request{}, fmt.Errorf("%w: %s body: %v", ErrMalformed, tag, err)
	}
	if body.Key == nil {
		return Request{}, fmt.Errorf("%w: %s missing field \"key\"", ErrMalformed, tag)
	}

	switch RequestKind(tag) {
	case KindWrite:
		if body.Value == nil {
			return Request{}, fmt.Errorf("%w: Write missing field \"value\"", ErrMalformed)
		}
		return NewWrite(*body.Key, *body.Value), nil
	case KindRead:
		return NewRead(*body.Key), nil
	default:
		return Request{}, fmt.Errorf("%w: unknown request variant %q", ErrMalformed, tag)
	}
}

// EncodeResponse 编码响应
func EncodeResponse(resp Response) ([]byte, error) {
	var doc interface{}
	switch resp.Kind {
	case KindOK, KindNotFound:
		doc = string(resp.Kind)
	case KindValue:
		doc = map[string]string{string(KindValue): resp.Value}
	case KindError:
		doc = map[string]string{string(KindError): resp.Message}
	default:
		return nil, fmt.Errorf("protocol: unknown response kind %q", string(resp.Kind))
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode response: %w", err)
	}
	return checkSize(data)
}

// DecodeResponse 解码响应
// 单元变体编码为字符串，其余为单键对象
func DecodeResponse(data []byte) (Response, error) {
	var unit string
	if err := json.Unmarshal(data, &unit); err == nil {
		switch ResponseKind(unit) {
		case KindOK:
			return OK(), nil
		case KindNotFound:
			return NotFound(), nil
		default:
			return Response{}, fmt.Errorf("%w: unknown response variant %q", ErrMalformed, unit)
		}
	}

	tag, raw, err := splitTagged(data)
	if err != nil {
		return Response{}, err
	}

	var payload *string
	if err := json.Unmarshal(raw, &payload); err != nil {
		return Response{}, fmt.Errorf("%w: %s payload: %v", ErrMalformed, tag, err)
	}
	if payload == nil {
		return Response{}, fmt.Errorf("%w: %s payload is null", ErrMalformed, tag)
	}

	switch ResponseKind(tag) {
	case KindValue:
		return Found(*payload), nil
	case KindError:
		return Response{Kind: KindError, Message: *payload}, nil
	default:
		return Response{}, fmt.Errorf("%w: unknown response variant %q", ErrMalformed, tag)
	}
}

// splitTagged 拆出外部标签形式的 {"Tag": body}，要求恰好一个键
func splitTagged(data []byte) (string, json.RawMessage, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(doc) != 1 {
		return "", nil, fmt.Errorf("%w: expected exactly one variant, got %d", ErrMalformed, len(doc))
	}
	for tag, raw := range doc {
		return tag, raw, nil
	}
	return "", nil, ErrMalformed
}

func checkSize(data []byte) ([]byte, error) {
	if len(data) > MaxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrMessageTooLarge, len(data), MaxMessageSize)
	}
	return data, nil
}
