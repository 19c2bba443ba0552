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

import "encoding/binary"

const (
	// frameHeaderLen 每个 SPDY 帧固定的 8 字节前导长度
	frameHeaderLen = 8

	// protocolVersion 本引擎只认 SPDY/3
	protocolVersion = 3
)

// ctrlFrameType 控制帧类型 取值范围 [1, 10]
type ctrlFrameType uint16

const (
	typeSynStream    ctrlFrameType = 1
	typeSynReply     ctrlFrameType = 2
	typeRstStream    ctrlFrameType = 3
	typeSettings     ctrlFrameType = 4
	typeNoop         ctrlFrameType = 5
	typePing         ctrlFrameType = 6
	typeGoAway       ctrlFrameType = 7
	typeHeaders      ctrlFrameType = 8
	typeWindowUpdate ctrlFrameType = 9
	typeCredential   ctrlFrameType = 10
)

// 控制帧 Flags 位掩码 含义随 Type 不同而不同
const (
	flagFin            uint8 = 0x01 // DATA / SYN_STREAM / SYN_REPLY / HEADERS
	flagUnidirectional uint8 = 0x02 // SYN_STREAM
	flagClearSettings  uint8 = 0x01 // SETTINGS

	flagSettingsPersistValue uint8 = 0x01 // 每个 SETTINGS 条目自带的 flag
	flagSettingsPersisted    uint8 = 0x02
)

// frameHeader 是 8 字节帧前导解析后的结果
//
// Control 帧与 Data 帧复用同一套字节布局 仅第一个 bit 区分
type frameHeader struct {
	control  bool
	version  uint16        // 仅 Control 帧有效
	typ      ctrlFrameType // 仅 Control 帧有效
	streamID uint32        // 仅 Data 帧有效
	flags    uint8
	length   uint32 // 24 bit payload 长度 不含本帧头
}

// decodeFrameHeader 解析一个完整的 8 字节帧头
//
// length 字段无论帧是否合法都会被解析出来 调用方据此推进游标 即使类型或版本
// 非法 也能正确跳过这一帧 不影响同一缓冲区内后续帧的解析
func decodeFrameHeader(b []byte) (frameHeader, error) {
	var fh frameHeader

	fh.control = b[0]&0x80 != 0
	if fh.control {
		fh.version = binary.BigEndian.Uint16(b[0:2]) & 0x7fff
		fh.typ = ctrlFrameType(binary.BigEndian.Uint16(b[2:4]))
	} else {
		fh.streamID = binary.BigEndian.Uint32(b[0:4]) & 0x7fffffff
	}
	fh.flags = b[4]
	fh.length = uint32(b[5])<<16 | uint32(b[6])<<8 | uint32(b[7])

	if fh.control && (fh.typ < typeSynStream || fh.typ > typeCredential) {
		return fh, errInvalidEnum
	}
	return fh, nil
}
