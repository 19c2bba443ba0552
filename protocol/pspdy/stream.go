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

	"github.com/packetd/spdytap/protocol/role"
)

// chunk 是一次 DATA 帧贡献给某个 Stream Body 的一段原始字节
type chunk struct {
	data   []byte
	packet uint64
}

// streamState 是某个 Stream-ID 上跨多个帧累积的状态
//
// content_type/content_type_params/content_encoding 三个字段一旦通过
// SYN_STREAM/SYN_REPLY 的 Header Block 保存之后即不可修改 后续同一 Stream
// 上再次尝试保存视为协议错误（errDoubleSave）
type streamState struct {
	id uint32

	contentType       string
	contentTypeParams string
	contentEncoding   string
	ctSaved           bool

	chunks         []chunk
	assembledBody  []byte
	bodyAssembled  bool
	dataFrameCount int

	// 下面的字段用于组装对外的 Request/Response 对象 不属于 Stream State 本身的数据模型
	// 只是本引擎用来把 Header 解析结果和 Body 组装结果粘合成一次 RoundTrip 的记账字段
	hdr      *headerBlock
	role     role.Role
	reqTime  time.Time
	archived bool
}

func newStreamState(id uint32) *streamState {
	return &streamState{id: id}
}

// saveStream 保存 Header Block 中解析出的 content-type/content-encoding 相关字段
//
// 如果该 Stream 尚不存在则创建 一个 Stream-ID 只允许保存一次
func (s *session) saveStream(id uint32, ct, ctParams, ce string) error {
	st, ok := s.streams[id]
	if !ok {
		st = newStreamState(id)
		s.streams[id] = st
	} else if st.ctSaved {
		return errDoubleSave
	}

	st.contentType = ct
	st.contentTypeParams = ctParams
	st.contentEncoding = ce
	st.ctSaved = true
	return nil
}

// getStream 返回已存在的 Stream State 不存在则返回 false
func (s *session) getStream(id uint32) (*streamState, bool) {
	st, ok := s.streams[id]
	return st, ok
}

// getOrCreateStream 返回 Stream State 不存在则创建一个空白记录
func (s *session) getOrCreateStream(id uint32) *streamState {
	st, ok := s.streams[id]
	if !ok {
		st = newStreamState(id)
		s.streams[id] = st
	}
	return st
}
