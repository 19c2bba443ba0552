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

// Package json 对 goccy/go-json 做了一层瘦封装 统一本项目的 json 序列化入口
//
// 标准库 encoding/json 依赖反射 在高频率的 RoundTrip 落盘场景下开销较大
// goccy/go-json 兼容标准库 API 且性能更优 因此作为唯一的 json 实现被引用
package json

import (
	"io"

	gojson "github.com/goccy/go-json"
)

// Encoder 复用 goccy/go-json 的流式编码器
type Encoder = gojson.Encoder

// Marshal 序列化 v
func Marshal(v any) ([]byte, error) {
	return gojson.Marshal(v)
}

// Unmarshal 反序列化至 v
func Unmarshal(data []byte, v any) error {
	return gojson.Unmarshal(data, v)
}

// NewEncoder 创建写入 w 的流式 Encoder
func NewEncoder(w io.Writer) *Encoder {
	return gojson.NewEncoder(w)
}
