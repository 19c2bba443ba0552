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
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"io"

	"github.com/valyala/bytebufferpool"
)

// inflateChunkSize 单次从 zlib Reader 中读取的窗口大小
const inflateChunkSize = 16 * 1024

// headerInflater 持有单个方向上 Header Block 的 zlib 解压上下文
//
// SPDY 的同一方向上所有 Header Block 共用一条连续的 zlib 流（编码端以
// Z_SYNC_FLUSH 切分）因此 Reader 只能构造一次 此后每次解压都只是向同一条
// 流里追加新到达的压缩字节 再读出这一段产出的明文
type headerInflater struct {
	in   *bytes.Buffer
	out  io.ReadCloser
	dead bool // 一旦底层流因为非法数据损坏 后续所有 Header Block 都不可恢复
}

func newHeaderInflater() *headerInflater {
	return &headerInflater{in: new(bytes.Buffer)}
}

// inflate 解压一个 Header Block 并返回其明文 NV Block
func (hi *headerInflater) inflate(compressed []byte) ([]byte, error) {
	if hi.dead {
		return nil, errDecompress
	}

	hi.in.Reset()
	hi.in.Write(compressed)

	if hi.out == nil {
		// 在真正构造 zlib.Reader 之前先自行解析 FDICT 请求的 Adler-32 并与
		// dictionaryAdler 比对 —— 这比等 zlib.NewReaderDict 内部报错能给出
		// 更明确的诊断信息（对端请求的字典根本不是这份 SPDY/3 预置字典）
		if want, ok := requestedDictAdler(compressed); ok && want != dictionaryAdler {
			hi.dead = true
			return nil, errDecompress
		}

		// zlib.NewReaderDict 在构造时也会读取 zlib 头部并校验字典请求的
		// Adler-32 是否与传入的 dictionary 一致 不一致会直接返回
		// zlib.ErrDictionary 等价于 spec 中 "verify adler32 matches" 失败的分支
		r, err := zlib.NewReaderDict(hi.in, dictionary)
		if err != nil {
			hi.dead = true
			return nil, errDecompress
		}
		hi.out = r
	}

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	window := make([]byte, inflateChunkSize)
	for {
		n, err := hi.out.Read(window)
		if n > 0 {
			buf.Write(window[:n])
		}
		if err == io.EOF || (n == 0 && err == nil) {
			break
		}
		if err != nil {
			hi.dead = true
			return nil, errDecompress
		}
	}

	out := make([]byte, len(buf.B))
	copy(out, buf.B)
	return out, nil
}

// reset 丢弃当前的解压上下文 下一次 inflate 会重新协商字典
//
// 由 session.Free 在抓包结束时调用一次 也用于测试场景下重建一个干净的
// inflater 在空状态（从未解压过任何 Header Block）上调用同样安全
func (hi *headerInflater) reset() {
	hi.in.Reset()
	hi.out = nil
	hi.dead = false
}

// requestedDictAdler 解析 zlib 流头部声明的 FDICT Adler-32
//
// zlib 格式里 CMF/FLG 两字节之后 仅当 FLG 的 bit5（FDICT）被置位时才跟着
// 4 字节大端 DICTID 第二个返回值表示该流是否声明了 FDICT
func requestedDictAdler(b []byte) (uint32, bool) {
	if len(b) < 6 {
		return 0, false
	}
	if b[1]&0x20 == 0 {
		return 0, false
	}
	return binary.BigEndian.Uint32(b[2:6]), true
}
