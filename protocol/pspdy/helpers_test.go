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
)

// buildControlFrame 拼装一个 Control 帧的完整字节（帧头 + payload）
func buildControlFrame(typ ctrlFrameType, flags uint8, payload []byte) []byte {
	b := make([]byte, frameHeaderLen+len(payload))
	binary.BigEndian.PutUint16(b[0:2], 0x8000|protocolVersion)
	binary.BigEndian.PutUint16(b[2:4], uint16(typ))
	b[4] = flags
	b[5] = byte(len(payload) >> 16)
	b[6] = byte(len(payload) >> 8)
	b[7] = byte(len(payload))
	copy(b[frameHeaderLen:], payload)
	return b
}

// buildDataFrame 拼装一个 DATA 帧的完整字节
func buildDataFrame(streamID uint32, flags uint8, payload []byte) []byte {
	b := make([]byte, frameHeaderLen+len(payload))
	binary.BigEndian.PutUint32(b[0:4], streamID&0x7fffffff)
	b[4] = flags
	b[5] = byte(len(payload) >> 16)
	b[6] = byte(len(payload) >> 8)
	b[7] = byte(len(payload))
	copy(b[frameHeaderLen:], payload)
	return b
}

// buildNVBlock 按 num_pairs + {name_len name value_len value} 编码一组头部
func buildNVBlock(pairs [][2]string) []byte {
	buf := new(bytes.Buffer)
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(pairs)))
	buf.Write(n[:])

	for _, p := range pairs {
		binary.BigEndian.PutUint32(n[:], uint32(len(p[0])))
		buf.Write(n[:])
		buf.WriteString(p[0])
		binary.BigEndian.PutUint32(n[:], uint32(len(p[1])))
		buf.Write(n[:])
		buf.WriteString(p[1])
	}
	return buf.Bytes()
}

// testCompressor 模拟对端的 zlib 压缩器 用同一份预置字典 以 Z_SYNC_FLUSH
// 切分出多个 Header Block 供测试驱动 headerInflater
type testCompressor struct {
	buf *bytes.Buffer
	zw  *zlib.Writer
}

func newTestCompressor() *testCompressor {
	buf := new(bytes.Buffer)
	zw, err := zlib.NewWriterLevelDict(buf, zlib.DefaultCompression, dictionary)
	if err != nil {
		panic(err)
	}
	return &testCompressor{buf: buf, zw: zw}
}

// compress 压缩一个 NV Block 并以 Sync Flush 结束 返回这一个 Header Block 对应的压缩字节
func (tc *testCompressor) compress(nv []byte) []byte {
	tc.buf.Reset()
	_, _ = tc.zw.Write(nv)
	_ = tc.zw.Flush()

	out := make([]byte, tc.buf.Len())
	copy(out, tc.buf.Bytes())
	return out
}
