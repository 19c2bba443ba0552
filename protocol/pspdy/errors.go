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

import "github.com/pkg/errors"

func newError(format string, args ...any) error {
	format = "spdy/decoder: " + format
	return errors.Errorf(format, args...)
}

var (
	// errTruncated 表示当前缓冲区暂时不足以凑出一个完整帧 需等待更多字节
	errTruncated = newError("truncated frame")

	// errMalformed 表示帧声明的长度/字段不自洽 当前帧无法继续解析
	errMalformed = newError("malformed frame")

	// errUnsupportedVersion 表示控制帧声明的版本低于 3
	errUnsupportedVersion = newError("unsupported version")

	// errInvalidEnum 表示帧类型或某个枚举值超出已知范围
	errInvalidEnum = newError("invalid enum value")

	// errDecompress 表示 zlib 头部解压失败
	errDecompress = newError("header decompression failed")

	// errDoubleSave 表示同一个 stream-id 上重复保存了 Stream State
	errDoubleSave = newError("stream state already saved")

	// errTwoCarries 表示连续两轮都未能拼出一个完整帧 上层数据已不可信
	errTwoCarries = newError("two consecutive carry-overs")
)

// Severity 对应 spec 中的 "expert info" 严重程度分级
type Severity uint8

const (
	SeverityError Severity = iota
	SeverityWarn
)

// FrameEvent 是绑定在某一帧输出结果上的诊断信息 不会中断后续帧的解析
//
// 对应 Wireshark 里挂在某个协议树节点上的 expert info 条目 这里用一个轻量的
// 值类型承载 本引擎没有协议树 UI 解析结果以 role.Object 的形式交给上层 FrameEvent
// 只由 decoder.logEvents 在 Config.Debug 打开时写入日志
type FrameEvent struct {
	Severity Severity
	Message  string
}

func errorEvent(msg string) FrameEvent {
	return FrameEvent{Severity: SeverityError, Message: msg}
}

func warnEvent(msg string) FrameEvent {
	return FrameEvent{Severity: SeverityWarn, Message: msg}
}
