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

package transport

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
)

// network 对两种实现做统一封装，同一组用例跑两遍
type network struct {
	name string
	lis  Listener
	dial func(ctx context.Context) (Flow, error)
}

func newMemNetwork(t *testing.T) network {
	t.Helper()
	n := NewMemNetwork()
	lis, err := n.Listen("kv")
	require.NoError(t, err)
	t.Cleanup(func() { lis.Close() })
	return network{
		name: "mem",
		lis:  lis,
		dial: func(ctx context.Context) (Flow, error) { return n.Dial(ctx, "kv") },
	}
}

func newGRPCNetwork(t *testing.T) network {
	t.Helper()
	buf := bufconn.Listen(1 << 20)
	lis := ServeGRPC(buf)
	t.Cleanup(func() { lis.Close() })

	dialer := GRPCDialer(grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return buf.DialContext(ctx)
	}))
	return network{
		name: "grpc",
		lis:  lis,
		dial: func(ctx context.Context) (Flow, error) { return dialer(ctx, "passthrough:///bufnet") },
	}
}

func forEachNetwork(t *testing.T, fn func(t *testing.T, n network)) {
	for _, mk := range []func(*testing.T) network{newMemNetwork, newGRPCNetwork} {
		n := mk(t)
		t.Run(n.name, func(t *testing.T) { fn(t, n) })
	}
}

// connect 建立一对 flow（客户端，服务端）
func connect(t *testing.T, n network) (Flow, Flow) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	acceptC := make(chan Flow, 1)
	errC := make(chan error, 1)
	go func() {
		f, err := n.lis.Accept(ctx)
		if err != nil {
			errC <- err
			return
		}
		acceptC <- f
	}()

	client, err := n.dial(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	// grpc 流在首条消息到达前服务端不可见，先发一条握手消息
	require.NoError(t, client.Send(ctx, []byte("hello")))

	select {
	case server := <-acceptC:
		t.Cleanup(func() { server.Close() })
		msg, err := server.Recv(ctx)
		require.NoError(t, err)
		require.Equal(t, "hello", string(msg))
		return client, server
	case err := <-errC:
		t.Fatalf("accept failed: %v", err)
	case <-ctx.Done():
		t.Fatal("accept timed out")
	}
	return nil, nil
}

func TestFlow_MessagesPreserveOrderAndBoundaries(t *testing.T) {
	forEachNetwork(t, func(t *testing.T, n network) {
		client, server := connect(t, n)
		ctx := context.Background()

		msgs := [][]byte{[]byte("first"), []byte(""), bytes.Repeat([]byte("z"), MaxMessageSize)}
		for _, m := range msgs {
			require.NoError(t, client.Send(ctx, m))
		}
		for _, want := range msgs {
			got, err := server.Recv(ctx)
			require.NoError(t, err)
			assert.Equal(t, len(want), len(got))
			assert.True(t, bytes.Equal(want, got))
		}

		require.NoError(t, server.Send(ctx, []byte("reply")))
		got, err := client.Recv(ctx)
		require.NoError(t, err)
		assert.Equal(t, "reply", string(got))

		assert.NotEmpty(t, client.ID())
		assert.NotEqual(t, client.ID(), server.ID())
	})
}

func TestFlow_SendTooLarge(t *testing.T) {
	forEachNetwork(t, func(t *testing.T, n network) {
		client, _ := connect(t, n)

		err := client.Send(context.Background(), make([]byte, MaxMessageSize+1))
		assert.ErrorIs(t, err, ErrMessageTooLarge)
	})
}

func TestFlow_PeerCloseEndsRecv(t *testing.T) {
	forEachNetwork(t, func(t *testing.T, n network) {
		client, server := connect(t, n)

		require.NoError(t, client.Close())

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, err := server.Recv(ctx)
		assert.ErrorIs(t, err, ErrClosed)
	})
}

func TestFlow_ServerCloseEndsClientRecv(t *testing.T) {
	forEachNetwork(t, func(t *testing.T, n network) {
		client, server := connect(t, n)

		require.NoError(t, server.Close())

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, err := client.Recv(ctx)
		assert.ErrorIs(t, err, ErrClosed)
	})
}

func TestFlow_RecvHonorsContext(t *testing.T) {
	forEachNetwork(t, func(t *testing.T, n network) {
		_, server := connect(t, n)

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err := server.Recv(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestFlow_SendAfterClose(t *testing.T) {
	forEachNetwork(t, func(t *testing.T, n network) {
		client, _ := connect(t, n)

		require.NoError(t, client.Close())
		assert.ErrorIs(t, client.Send(context.Background(), []byte("x")), ErrClosed)
		// 重复关闭无副作用
		assert.NoError(t, client.Close())
	})
}

func TestListener_AcceptHonorsContext(t *testing.T) {
	forEachNetwork(t, func(t *testing.T, n network) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := n.lis.Accept(ctx)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestListener_CloseEndsAccept(t *testing.T) {
	forEachNetwork(t, func(t *testing.T, n network) {
		errC := make(chan error, 1)
		go func() {
			_, err := n.lis.Accept(context.Background())
			errC <- err
		}()

		require.NoError(t, n.lis.Close())

		select {
		case err := <-errC:
			assert.ErrorIs(t, err, ErrClosed)
		case <-time.After(5 * time.Second):
			t.Fatal("accept did not return after close")
		}
	})
}

func TestMemNetwork_DialUnknownAddress(t *testing.T) {
	n := NewMemNetwork()
	_, err := n.Dial(context.Background(), "nowhere")
	assert.Error(t, err)

	_, err = n.Listen("a")
	require.NoError(t, err)
	_, err = n.Listen("a")
	assert.Error(t, err)
}

func TestMemNetwork_RelistenAfterClose(t *testing.T) {
	n := NewMemNetwork()
	first, err := n.Listen("a")
	require.NoError(t, err)
	_, err = n.Listen("b")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, n.Addrs())

	require.NoError(t, first.Close())
	assert.Equal(t, []string{"b"}, n.Addrs())

	second, err := n.Listen("a")
	require.NoError(t, err)

	// 重复关闭旧监听器不影响新的注册
	require.NoError(t, first.Close())
	assert.Equal(t, []string{"a", "b"}, n.Addrs())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go func() {
		if f, err := second.Accept(ctx); err == nil {
			f.Close()
		}
	}()
	f, err := n.Dial(ctx, "a")
	require.NoError(t, err)
	f.Close()
}

func TestRawCodec(t *testing.T) {
	c := rawCodec{}
	src := []byte("payload")

	data, err := c.Marshal(&frame{data: src})
	require.NoError(t, err)

	var f frame
	require.NoError(t, c.Unmarshal(data, &f))
	src[0] = 'P'
	assert.Equal(t, "payload", string(f.data))

	_, err = c.Marshal("not a frame")
	assert.Error(t, err)
}
