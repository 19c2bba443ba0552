// Copyright 2025 The packetd Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pspdy

import (
	"time"

	"github.com/packetd/spdytap/common"
	"github.com/packetd/spdytap/common/socket"
	"github.com/packetd/spdytap/connstream"
	"github.com/packetd/spdytap/protocol"
	"github.com/packetd/spdytap/protocol/role"
)

func init() {
	protocol.Register(socket.L7ProtoSPDY, NewConnPool)
}

// MaxConcurrentStreams 与 phttp2 保持一致的并发流上限
//
// 超过这个数量 ListMatcher 会驱逐最早挂起的 Request 避免单条连接无限泄漏内存
const MaxConcurrentStreams = 100

// Request 一次 SPDY 请求（SYN_STREAM 起始的那一侧）
type Request struct {
	StreamID          uint32
	Method            string
	URL               string
	Version           string
	Headers           map[string]string
	ContentType       string
	ContentTypeParams string
	Body              []byte
	Time              time.Time
}

// Response 一次 SPDY 响应（SYN_REPLY 起始的那一侧）
type Response struct {
	StreamID          uint32
	Status            string
	Version           string
	Headers           map[string]string
	ContentType       string
	ContentTypeParams string
	Body              []byte
	Time              time.Time
}

// RoundTrip 实现了 socket.RoundTrip 接口
type RoundTrip struct {
	request  *Request
	response *Response
}

func (rt RoundTrip) Proto() socket.L7Proto {
	return socket.L7ProtoSPDY
}

func (rt RoundTrip) Request() any {
	return rt.request
}

func (rt RoundTrip) Response() any {
	return rt.response
}

func (rt RoundTrip) Duration() time.Duration {
	return rt.response.Time.Sub(rt.request.Time)
}

func (rt RoundTrip) Validate() bool {
	return rt.response.Time.After(rt.request.Time) || rt.response.Time.Equal(rt.request.Time)
}

// NewConnPool 创建 SPDY 协议连接池
//
// 与 phttp2.NewConnPool 不同的是 这里没有直接复用 protocol.NewL7TCPConnPool
// 而是手动展开它的内部逻辑 —— 原因是 rqst/rply 两个 inflater、Stream 表以及
// Header Block memo 需要在同一条连接的两个方向间共享（见 session.go）
// NewL7TCPConnPool 对外暴露的 CreateDecoderFunc 是进程级别共享的单一函数
// 没有办法在两次调用之间传入"这次属于同一条连接"的上下文 所以改为直接调用
// protocol.NewConnPool + protocol.NewL7Conn 在每条新连接创建时各自构造一个
// 专属的 *session 并把它闭包进两个方向各自的 createDecoder 调用里
func NewConnPool(opts common.Options) protocol.ConnPool {
	cfg := configFromOptions(opts)

	return protocol.NewConnPool(
		socket.L4ProtoTCP,
		func(st socket.Tuple, serverPort socket.Port) protocol.Conn {
			sess := newSession(cfg)

			matcher := role.NewListMatcher(MaxConcurrentStreams, func(req, rsp *role.Object) bool {
				return req.Obj.(*Request).StreamID == rsp.Obj.(*Response).StreamID
			})

			return protocol.NewL7Conn(
				connstream.NewConn(st, connstream.NewTCPStream),
				serverPort,
				matcher,
				func(pair *role.Pair) socket.RoundTrip {
					return &RoundTrip{
						request:  pair.Request.Obj.(*Request),
						response: pair.Response.Obj.(*Response),
					}
				},
				func(st socket.Tuple, serverPort socket.Port) protocol.Decoder {
					return newDecoder(st, serverPort, sess, cfg)
				},
			)
		},
		socket.NewTTLCache(socket.TCPMsl*2),
	)
}
