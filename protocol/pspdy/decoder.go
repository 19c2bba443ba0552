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
	"encoding/binary"
	"time"

	"github.com/packetd/spdytap/common"
	"github.com/packetd/spdytap/common/socket"
	"github.com/packetd/spdytap/internal/bufpool"
	"github.com/packetd/spdytap/internal/zerocopy"
	"github.com/packetd/spdytap/logger"
	"github.com/packetd/spdytap/protocol"
	"github.com/packetd/spdytap/protocol/role"
)

// decoder 是某一个方向上的 SPDY 帧解析器
//
// 一条 TCP 链接会创建两个 decoder 实例（每个方向各一个）它们共享同一个
// *session 但各自独立维护帧重组所需的游标状态 —— 这和 phttp2.decoder 每个
// 方向各自独立维护 rbuf/tail/partial 是同一个模式 不同的是 SPDY 的 Stream
// 状态（streams/memo/inflater）需要被两个方向共享 所以被提到了 session 里
type decoder struct {
	st         socket.TupleRaw
	serverPort socket.Port
	cfg        Config
	sess       *session

	rbuf  *bytes.Buffer
	tail  []byte
	carry uint8 // 连续多少轮未能凑出一个完整帧 超过 1 视为流已不可信
	seq   uint64
}

func newDecoder(st socket.Tuple, serverPort socket.Port, sess *session, cfg Config) protocol.Decoder {
	return &decoder{
		st:         st.ToRaw(),
		serverPort: serverPort,
		cfg:        cfg,
		sess:       sess,
		rbuf:       bufpool.Acquire(),
	}
}

// Free 释放 decoder 自身持有的资源 两个方向各自调用一次
func (d *decoder) Free() {
	bufpool.Release(d.rbuf)
}

// logEvents 把一帧产生的 []FrameEvent 诊断信息落到全局 Logger
//
// FrameEvent 不会中断解析 也没有随 Decode 的返回值对外暴露的通道 唯一的
// 观测方式就是这里的日志 只在 Config.Debug 打开时输出 避免给默认路径增加噪声
func (d *decoder) logEvents(events []FrameEvent) {
	if !d.cfg.Debug {
		return
	}
	for _, e := range events {
		logger.Debugf("spdy session=%s %s: %s", d.sess.id, d.st, e.Message)
	}
}

// Decode 从 zerocopy.Reader 里读取一段新到达的字节 按 8 字节帧头循环切分帧
//
// 每次 Read 得到的数据可能在帧边界上被截断 本轮剩余的不足一个完整帧的尾部
// 字节会被拷贝保存到 tail 留给下一次调用时与新数据拼接 如果连续两轮都没能
// 凑出至少一个完整帧 则认为这条流已经不可信 返回 errTwoCarries 并清空状态
func (d *decoder) Decode(r zerocopy.Reader, t time.Time) ([]*role.Object, error) {
	b, err := r.Read(common.ReadWriteBlockSize)
	if err != nil {
		return nil, nil
	}
	defer d.rbuf.Reset()

	if len(d.tail) > 0 {
		d.rbuf.Write(d.tail)
		d.rbuf.Write(b)
		b = d.rbuf.Bytes()
		d.tail = nil
	}

	d.seq++
	var objs []*role.Object
	progressed := false

	for len(b) >= frameHeaderLen {
		fh, ferr := decodeFrameHeader(b[:frameHeaderLen])
		total := frameHeaderLen + int(fh.length)

		if len(b) < total {
			break // 留给下一轮拼接
		}
		progressed = true

		payload := b[frameHeaderLen:total]
		b = b[total:]

		if ferr != nil {
			continue
		}

		obj, events := d.decodeFrame(fh, payload, t)
		d.logEvents(events)
		if obj != nil {
			objs = append(objs, obj)
		}
	}

	if len(b) == 0 {
		d.carry = 0
		return objs, nil
	}

	if !progressed {
		d.carry++
		if d.carry > 1 {
			d.carry = 0
			d.tail = nil
			return objs, errTwoCarries
		}
	} else {
		d.carry = 0
	}
	d.tail = append([]byte(nil), b...)
	return objs, nil
}

// decodeFrame 分发一个已经完整到达的帧（帧头 + payload）
func (d *decoder) decodeFrame(fh frameHeader, payload []byte, t time.Time) (*role.Object, []FrameEvent) {
	if !fh.control {
		return d.decodeDataFrame(fh, payload, t)
	}

	if fh.version < protocolVersion {
		return nil, []FrameEvent{errorEvent(errUnsupportedVersion.Error())}
	}

	switch fh.typ {
	case typeSynStream:
		return d.decodeSynStream(fh, payload, t)
	case typeSynReply:
		return d.decodeSynReply(fh, payload, t)
	case typeHeaders:
		return d.decodeHeaders(fh, payload, t)
	case typeRstStream:
		return d.decodeRstStream(fh, payload)
	case typeSettings:
		return d.decodeSettings(fh, payload)
	case typeNoop, typePing, typeGoAway, typeWindowUpdate, typeCredential:
		return nil, nil
	default:
		return nil, []FrameEvent{errorEvent("invalid control frame type")}
	}
}

func (d *decoder) decodeSynStream(fh frameHeader, payload []byte, t time.Time) (*role.Object, []FrameEvent) {
	// stream-id(4) + assoc-stream-id(4) + priority/unused(1) + slot(1) = 10 字节固定部分
	if len(payload) < 10 {
		return nil, []FrameEvent{errorEvent(errTruncated.Error() + ": SYN_STREAM")}
	}

	streamID := binary.BigEndian.Uint32(payload[0:4]) & 0x7fffffff
	return d.decodeHeaderBearing(streamID, typeSynStream, fh.flags, payload[10:], fh.length, role.Request, t)
}

func (d *decoder) decodeSynReply(fh frameHeader, payload []byte, t time.Time) (*role.Object, []FrameEvent) {
	if len(payload) < 4 {
		return nil, []FrameEvent{errorEvent(errTruncated.Error() + ": SYN_REPLY")}
	}

	streamID := binary.BigEndian.Uint32(payload[0:4]) & 0x7fffffff
	return d.decodeHeaderBearing(streamID, typeSynReply, fh.flags, payload[4:], fh.length, role.Response, t)
}

// decodeHeaders 处理 HEADERS 帧 用于在 Stream 生命周期内追加/更新头部（类似 trailer）
//
// 假设：没有已知的客户端实现会发送 HEADERS 帧 所以这里不会把它当成一次新的
// Request/Response 起点 只更新已存在 Stream 的 headerBlock
func (d *decoder) decodeHeaders(fh frameHeader, payload []byte, t time.Time) (*role.Object, []FrameEvent) {
	if len(payload) < 4 {
		return nil, []FrameEvent{errorEvent(errTruncated.Error() + ": HEADERS")}
	}

	streamID := binary.BigEndian.Uint32(payload[0:4]) & 0x7fffffff
	st, ok := d.sess.getStream(streamID)
	if !ok {
		return nil, nil
	}
	return d.decodeHeaderBearing(streamID, typeHeaders, fh.flags, payload[4:], fh.length, st.role, t)
}

// decodeHeaderBearing 是 SYN_STREAM/SYN_REPLY/HEADERS 共用的解压 + 解析 + 归档逻辑
func (d *decoder) decodeHeaderBearing(
	streamID uint32, typ ctrlFrameType, flags uint8, compressed []byte, frameLength uint32, want role.Role, t time.Time,
) (*role.Object, []FrameEvent) {
	var events []FrameEvent

	plaintext, ok := d.sess.memo.get(d.seq, streamID, typ)
	if !ok {
		if !d.cfg.DecompressHeaders {
			return nil, []FrameEvent{warnEvent("header decompression disabled")}
		}

		inflater := d.sess.inflaterFor(streamID, typ)
		var err error
		plaintext, err = inflater.inflate(compressed)
		if err != nil {
			return nil, []FrameEvent{errorEvent("header decompression failed")}
		}
		d.sess.memo.put(d.seq, streamID, typ, plaintext)
	}

	pairs, perr := parseNVBlock(plaintext, frameLength)
	if perr != nil {
		events = append(events, errorEvent("malformed name/value block"))
	}
	hb := buildHeaderBlock(pairs)

	if serr := d.sess.saveStream(streamID, hb.contentType, hb.contentTypeParams, hb.contentEncoding); serr != nil {
		events = append(events, warnEvent(serr.Error()))
	}

	st := d.sess.getOrCreateStream(streamID)
	if st.role != want {
		// SYN_REPLY 把同一 Stream 从 Request 一侧转入 Response 一侧 Body 相关状态重新开始累积
		st.role = want
		st.archived = false
		st.chunks = nil
		st.assembledBody = nil
		st.bodyAssembled = false
		st.dataFrameCount = 0
	}
	st.hdr = &hb
	if st.reqTime.IsZero() {
		st.reqTime = t
	}

	var obj *role.Object
	if flags&flagFin != 0 {
		obj = d.archiveStream(st, t)
	}
	return obj, events
}

func (d *decoder) decodeDataFrame(fh frameHeader, payload []byte, t time.Time) (*role.Object, []FrameEvent) {
	st, ok := d.sess.getStream(fh.streamID)
	if !ok {
		// 4.7 节：没有先前的 SYN_STREAM/SYN_REPLY 建立 Stream 上下文时
		// 静默跳过 Body 组装 不作为错误上报
		return nil, nil
	}

	completed, events := d.onDataFrame(st, payload, fh.flags, d.seq)
	if !completed {
		return nil, events
	}
	return d.archiveStream(st, t), events
}

func (d *decoder) decodeRstStream(fh frameHeader, payload []byte) (*role.Object, []FrameEvent) {
	if len(payload) < 8 {
		return nil, []FrameEvent{errorEvent(errTruncated.Error() + ": RST_STREAM")}
	}

	// RST_STREAM 自带的 stream-id 在 payload 里 fh.streamID 只对 DATA 帧有效
	streamID := binary.BigEndian.Uint32(payload[0:4]) & 0x7fffffff
	status := binary.BigEndian.Uint32(payload[4:8])
	if _, known := rstStatusNames[status]; !known {
		return nil, []FrameEvent{errorEvent("invalid status code for RST_STREAM")}
	}

	// RST_STREAM 终止该 Stream 此后不会再为其归档 Request/Response
	if st, ok := d.sess.getStream(streamID); ok {
		st.archived = true
	}
	return nil, nil
}

func (d *decoder) decodeSettings(fh frameHeader, payload []byte) (*role.Object, []FrameEvent) {
	if fh.length < 4 || len(payload) < 4 {
		return nil, []FrameEvent{errorEvent("malformed SETTINGS frame")}
	}

	numEntries := binary.BigEndian.Uint32(payload[0:4])
	need := uint64(4) + uint64(numEntries)*8
	if uint64(fh.length) < need {
		return nil, []FrameEvent{errorEvent("malformed SETTINGS frame")}
	}
	return nil, nil
}

// archiveStream 在该 Stream 的 Header 和 Body（如果有）都已具备时归档一次
// Request/Response 每个 Stream 最多归档一次
func (d *decoder) archiveStream(st *streamState, t time.Time) *role.Object {
	if st.archived || st.hdr == nil {
		return nil
	}
	st.archived = true

	if st.role == role.Request {
		return role.NewRequestObject(&Request{
			StreamID:          st.id,
			Method:            st.hdr.verb,
			URL:               st.hdr.url,
			Version:           st.hdr.version,
			Headers:           st.hdr.headers,
			ContentType:       st.contentType,
			ContentTypeParams: st.contentTypeParams,
			Body:              st.assembledBody,
			Time:              st.reqTime,
		})
	}

	return role.NewResponseObject(&Response{
		StreamID:          st.id,
		Status:            st.hdr.verb,
		Version:           st.hdr.version,
		Headers:           st.hdr.headers,
		ContentType:       st.contentType,
		ContentTypeParams: st.contentTypeParams,
		Body:              st.assembledBody,
		Time:              t,
	})
}

// rstStatusNames 列出了 SPDY/3 协议定义的 RST_STREAM Status Code
var rstStatusNames = map[uint32]string{
	1:  "PROTOCOL_ERROR",
	2:  "INVALID_STREAM",
	3:  "REFUSED_STREAM",
	4:  "UNSUPPORTED_VERSION",
	5:  "CANCEL",
	6:  "INTERNAL_ERROR",
	7:  "FLOW_CONTROL_ERROR",
	8:  "STREAM_IN_USE",
	9:  "STREAM_ALREADY_CLOSED",
	10: "INVALID_CREDENTIALS",
	11: "FRAME_TOO_LARGE",
}
