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
	"github.com/google/uuid"
)

// session 是一条 TCP 链接上的 SPDY Connection State
//
// 两个方向各自的 decoder 实例共享同一个 session —— rqst/rply 两个 inflater、
// streams 以及 memo 都是按 5 元组（去掉方向）维度存在的 与 Wireshark 里挂在
// conversation 上、两个方向的 dissect 调用共享的 conversation data 是同一个道理
type session struct {
	id  uuid.UUID
	cfg Config

	rqst *headerInflater // client -> server 方向的 Header Block 解压上下文
	rply *headerInflater // server -> client 方向的 Header Block 解压上下文

	streams map[uint32]*streamState
	memo    *memo
}

func newSession(cfg Config) *session {
	return &session{
		id:      uuid.New(),
		cfg:     cfg,
		rqst:    newHeaderInflater(),
		rply:    newHeaderInflater(),
		streams: make(map[uint32]*streamState),
		memo:    newMemo(),
	}
}

// inflaterFor 按 stream-id 奇偶性以及帧类型选择应使用哪一个方向的 inflater
//
// 偶数 stream-id 为 server-initiated（PUSH） 使用 rply
// 奇数 stream-id 上 SYN_STREAM 来自 client 使用 rqst SYN_REPLY 来自 server 使用 rply
// HEADERS 帧按假设一律视为 server 发出 使用 rply —— 现实世界里几乎不存在
// 客户端主动发送 HEADERS 帧的实现 此处与上游行为保持一致
func (s *session) inflaterFor(streamID uint32, typ ctrlFrameType) *headerInflater {
	if streamID%2 == 0 {
		return s.rply
	}
	if typ == typeSynStream {
		return s.rqst
	}
	return s.rply
}

// Free 在抓包结束时调用 重置两个方向的解压上下文
//
// 对应 capture-end 钩子：幂等 即使 rqst/rply 从未解压过任何 Header Block
// （空状态）也可以安全调用
func (s *session) Free() {
	s.rqst.reset()
	s.rply.reset()
}
