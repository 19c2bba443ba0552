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
	"compress/flate"
	"compress/gzip"
	"io"
	"strings"

	"github.com/packetd/spdytap/common/socket"
)

// onDataFrame 实现 Body Reassembler 对单个 DATA 帧的处理
//
//  1. 除"只有一帧就结束"（该 Stream 上的第一个 DATA 帧且带 FIN）的场景外 把 payload 拷贝后追加到 chunks
//  2. 累计 data_frame_count —— 每个 DATA 帧计数一次 即便关闭了 AssembleBodies 仍然计数 只是不保留数据
//  3. 非 FIN 帧到此为止 返回 completed=false
//  4. FIN 帧触发组装：只有一帧就结束时 直接使用本帧 payload 作为整个 Body
//     （只有一个 DATA 帧的常见场景 省去一次多余的拷贝）否则拼接所有 chunk（关闭 AssembleBodies 时 Body 为空）
//  5. 按 content-encoding 做一次尽力而为的解压 再把结果分发给 BodySink
func (d *decoder) onDataFrame(st *streamState, payload []byte, flags uint8, packet uint64) (completed bool, events []FrameEvent) {
	fin := flags&flagFin != 0
	singleFrame := st.dataFrameCount == 0 && fin

	st.dataFrameCount++
	if !singleFrame && d.cfg.AssembleBodies {
		st.chunks = append(st.chunks, chunk{data: bytes.Clone(payload), packet: packet})
	}

	if !fin {
		return false, nil
	}

	var body []byte
	switch {
	case singleFrame:
		body = payload
	case d.cfg.AssembleBodies:
		body = concatChunks(st.chunks)
	default:
		// 关闭了 AssembleBodies 多帧的 Body 不做拼接 只上报已经看到了多少帧
		body = nil
	}

	st.assembledBody = body
	st.bodyAssembled = true
	st.chunks = nil

	dispatched := body
	if body != nil && st.contentEncoding != "" && !strings.EqualFold(st.contentEncoding, "identity") {
		if d.cfg.DecompressBodies {
			decoded, err := decodeBody(st.contentEncoding, body)
			if err != nil {
				events = append(events, warnEvent("body decompression failed: "+err.Error()))
			} else {
				dispatched = decoded
			}
		}
	}

	if dispatched != nil {
		dispatchBody(socket.Port(d.st.DstPort), st, dispatched)
	}
	return true, events
}

// concatChunks 按到达顺序拼接所有 chunk 的数据
func concatChunks(chunks []chunk) []byte {
	total := 0
	for _, c := range chunks {
		total += len(c.data)
	}

	out := make([]byte, 0, total)
	for _, c := range chunks {
		out = append(out, c.data...)
	}
	return out
}

// decodeBody 按 content-encoding 声明的算法解压 Body
//
// 只认识 gzip / deflate 两种 其余编码（包括 sdch 这种 SPDY 字典特有的编码）原样返回
func decodeBody(encoding string, body []byte) ([]byte, error) {
	switch strings.ToLower(encoding) {
	case "gzip":
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		return io.ReadAll(zr)
	case "deflate":
		fr := flate.NewReader(bytes.NewReader(body))
		defer fr.Close()
		return io.ReadAll(fr)
	default:
		return body, nil
	}
}
