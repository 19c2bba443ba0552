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

// Package bufpool 提供 *bytes.Buffer 的复用池
//
// 各协议 decoder 在解析过程中都需要一块可复用的 scratch buffer（rbuf/headerBuf 等）
// 使用 sync.Pool 避免每个 TCP 链接都单独分配一块内存
package bufpool

import (
	"bytes"
	"sync"
)

var pool = sync.Pool{
	New: func() any {
		return new(bytes.Buffer)
	},
}

// Acquire 从池中取出一个已重置的 *bytes.Buffer
func Acquire() *bytes.Buffer {
	return pool.Get().(*bytes.Buffer)
}

// Release 归还 buf 至池中 归还前会重置内容
func Release(buf *bytes.Buffer) {
	if buf == nil {
		return
	}
	buf.Reset()
	pool.Put(buf)
}
