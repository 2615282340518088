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

package syncmap

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMap_LoadOrStore(t *testing.T) {
	m := NewMap[string, int]()

	v, loaded := m.LoadOrStore("kv", 1)
	assert.False(t, loaded)
	assert.Equal(t, 1, v)

	v, loaded = m.LoadOrStore("kv", 2)
	assert.True(t, loaded)
	assert.Equal(t, 1, v)

	v, ok := m.Load("kv")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	_, ok = m.Load("missing")
	assert.False(t, ok)
}

func TestMap_CompareAndDelete(t *testing.T) {
	m := NewMap[string, int]()
	m.LoadOrStore("kv", 1)

	assert.False(t, m.CompareAndDelete("kv", 2))
	assert.Equal(t, 1, m.Len())

	assert.True(t, m.CompareAndDelete("kv", 1))
	assert.Equal(t, 0, m.Len())
	assert.False(t, m.CompareAndDelete("kv", 1))
}

func TestMap_ConcurrentLoadOrStore(t *testing.T) {
	m := NewMap[string, int]()

	var wg sync.WaitGroup
	winners := make(chan int, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, loaded := m.LoadOrStore("addr", i); !loaded {
				winners <- i
			}
		}(i)
	}
	wg.Wait()
	close(winners)

	// 只有一个调用方能注册成功
	assert.Len(t, winners, 1)
	assert.Equal(t, 1, m.Len())
}

func TestMap_KeysSorted(t *testing.T) {
	m := NewMap[string, int]()
	for i := 5; i > 0; i-- {
		m.LoadOrStore(fmt.Sprintf("k%d", i), i)
	}
	assert.Equal(t, []string{"k1", "k2", "k3", "k4", "k5"}, m.Keys())
}
