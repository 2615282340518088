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

package store

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Delimiter separates key and value inside a record line
const Delimiter = ":"

// forbidden 记录中不允许出现的字符（分隔符与换行）
const forbidden = Delimiter + "\r\n"

// ValidateRecord 验证键值对能否无歧义地写成一行记录
// 记录格式不做转义，所以含分隔符或换行的键值在写入时直接拒绝
// 空键合法: ":v" 恰好切成两段，回放得到同一条记录
func ValidateRecord(key, value string) error {
	if !utf8.ValidString(key) || !utf8.ValidString(value) {
		return fmt.Errorf("%w: key and value must be valid UTF-8", ErrValidation)
	}
	if strings.ContainsAny(key, forbidden) {
		return fmt.Errorf("%w: key cannot contain %q or line breaks", ErrValidation, Delimiter)
	}
	if strings.ContainsAny(value, forbidden) {
		return fmt.Errorf("%w: value cannot contain %q or line breaks", ErrValidation, Delimiter)
	}
	return nil
}

// formatRecord 编码一条记录: key:value\n
func formatRecord(key, value string) string {
	return key + Delimiter + value + "\n"
}

// parseRecord 解析一行记录（不含行尾）
// 只有恰好被分隔符切成两段的行才是合法记录
func parseRecord(line string) (key, value string, ok bool) {
	parts := strings.Split(line, Delimiter)
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}
