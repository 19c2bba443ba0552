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
	"strings"
	"sync"

	"github.com/packetd/spdytap/common/socket"
)

// StreamInfo 是组装完成的 Body 连同其归属 Stream 的上下文信息 一并交给 BodySink
type StreamInfo struct {
	StreamID          uint32
	ContentType       string
	ContentTypeParams string
	ContentEncoding   string
}

// BodySink 是子协议解析器的挂载点
//
// 组装完成的 DATA 帧 Body 按 4.7 节描述的优先级分发给这里注册的某一个 Sink
// 例如一个按目的端口注册的 HTTP 解析器 或者按 content-type 注册的媒体解析器
type BodySink interface {
	SinkBody(info StreamInfo, body []byte)
}

// BodySinkFunc 允许将普通函数当作 BodySink 使用
type BodySinkFunc func(info StreamInfo, body []byte)

func (f BodySinkFunc) SinkBody(info StreamInfo, body []byte) {
	f(info, body)
}

var (
	sinkMut       sync.RWMutex
	portSinks     = map[socket.Port]BodySink{}
	mediaSinks    = map[string]BodySink{}
	mediaFallback BodySink
	dataFallback  BodySink
)

// RegisterPortSink 按目的端口注册一个 Sink 优先级最高 对应 "http.port" 式的端口子解析
func RegisterPortSink(port socket.Port, sink BodySink) {
	sinkMut.Lock()
	defer sinkMut.Unlock()
	portSinks[port] = sink
}

// RegisterMediaSink 按 content-type 的媒体类型（已小写化）注册一个 Sink
func RegisterMediaSink(mediaType string, sink BodySink) {
	sinkMut.Lock()
	defer sinkMut.Unlock()
	mediaSinks[strings.ToLower(mediaType)] = sink
}

// RegisterMediaFallbackSink 注册当 content-type 存在但没有任何专门 Sink 认领时的兜底 Sink
func RegisterMediaFallbackSink(sink BodySink) {
	sinkMut.Lock()
	defer sinkMut.Unlock()
	mediaFallback = sink
}

// RegisterDataSink 注册最终兜底 Sink 适用于既没有命中端口/媒体类型 也没有 content-type 的 Body
func RegisterDataSink(sink BodySink) {
	sinkMut.Lock()
	defer sinkMut.Unlock()
	dataFallback = sink
}

// dispatchBody 按 4.7 节描述的顺序把组装好的 Body 交给第一个认领它的 Sink
func dispatchBody(port socket.Port, st *streamState, body []byte) {
	sinkMut.RLock()
	defer sinkMut.RUnlock()

	info := StreamInfo{
		StreamID:          st.id,
		ContentType:       st.contentType,
		ContentTypeParams: st.contentTypeParams,
		ContentEncoding:   st.contentEncoding,
	}

	if sink, ok := portSinks[port]; ok {
		sink.SinkBody(info, body)
		return
	}
	if st.contentType != "" {
		if sink, ok := mediaSinks[st.contentType]; ok {
			sink.SinkBody(info, body)
			return
		}
		if mediaFallback != nil {
			mediaFallback.SinkBody(info, body)
			return
		}
	}
	if dataFallback != nil {
		dataFallback.SinkBody(info, body)
	}
}
