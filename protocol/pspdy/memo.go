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

// memoKey 定位一次 Header Block 解压结果
//
// packet 是 decoder 每次 Decode 调用递增的序号 同一报文被再次派发（例如 TCP 重传）
// 时会得到一个新的序号 所以缓存不会识别重复派发 只有同一序号内 streamID 与
// frameType 都相同的帧会命中 命中时复用已有的明文 不再把这块压缩字节送进 inflater
type memoKey struct {
	packet    uint64
	streamID  uint32
	frameType ctrlFrameType
}

// memo 是按 (packet, streamID, frameType) 缓存的 Header Block 明文
//
// 生命周期与 session 一致 随着 Connection State 被释放而释放 不做单独的
// 淘汰策略 —— 一次抓包里 Header Block 的总数是有限的 不会无界增长
type memo struct {
	m map[memoKey][]byte
}

func newMemo() *memo {
	return &memo{m: make(map[memoKey][]byte)}
}

func (mo *memo) get(packet uint64, streamID uint32, typ ctrlFrameType) ([]byte, bool) {
	v, ok := mo.m[memoKey{packet: packet, streamID: streamID, frameType: typ}]
	return v, ok
}

func (mo *memo) put(packet uint64, streamID uint32, typ ctrlFrameType, plaintext []byte) {
	mo.m[memoKey{packet: packet, streamID: streamID, frameType: typ}] = plaintext
}
