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
	"encoding/binary"
	"strings"
)

// nvPair 是 Name/Value Block 中的一条头部
type nvPair struct {
	name, value string
}

// parseNVBlock 解析已解压的 Header Block 明文
//
// 格式为 num_pairs(4) + { name_len(4) name value_len(4) value } * num_pairs
// 全部为 4 字节大端长度前缀 frameLength 是本帧帧头声明的 payload 长度（压缩后的字节数） 用于防止
// num_pairs 远大于实际数据而导致的解压炸弹 —— num_pairs 本身不可能超过
// 帧自身声明的长度 一旦超过即视为畸形
func parseNVBlock(plaintext []byte, frameLength uint32) ([]nvPair, error) {
	if len(plaintext) < 4 {
		return nil, errMalformed
	}

	numPairs := binary.BigEndian.Uint32(plaintext[:4])
	if numPairs > frameLength {
		return nil, errMalformed
	}

	b := plaintext[4:]
	pairs := make([]nvPair, 0, numPairs)
	for i := uint32(0); i < numPairs; i++ {
		if len(b) < 4 {
			return pairs, errMalformed
		}
		nameLen := binary.BigEndian.Uint32(b[:4])
		b = b[4:]
		if uint32(len(b)) < nameLen {
			return pairs, errMalformed
		}
		name := string(b[:nameLen])
		b = b[nameLen:]

		if len(b) < 4 {
			return pairs, errMalformed
		}
		valLen := binary.BigEndian.Uint32(b[:4])
		b = b[4:]
		if uint32(len(b)) < valLen {
			return pairs, errMalformed
		}
		value := string(b[:valLen])
		b = b[valLen:]

		pairs = append(pairs, nvPair{name: name, value: value})
	}
	return pairs, nil
}

// headerBlock 是对一组 nvPair 按已知头部名做过一轮识别后的结果
type headerBlock struct {
	verb              string // method(请求) 或 status(响应)
	url               string
	version           string
	contentType       string
	contentTypeParams string
	contentEncoding   string
	headers           map[string]string
}

// buildHeaderBlock 识别 spec 中列出的几个特殊头部名 其余头部原样保留在 headers 中
func buildHeaderBlock(pairs []nvPair) headerBlock {
	hb := headerBlock{headers: make(map[string]string, len(pairs))}

	for _, p := range pairs {
		switch strings.ToLower(p.name) {
		case "method", "status":
			hb.verb = p.value
		case "url":
			hb.url = p.value
		case "version":
			hb.version = p.value
		case "content-type":
			hb.contentType, hb.contentTypeParams = splitContentType(p.value)
		case "content-encoding":
			hb.contentEncoding = strings.ToLower(strings.TrimSpace(p.value))
		}
		hb.headers[p.name] = p.value
	}
	return hb
}
