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

// ProbeSPDY 是内容启发式探测:候选字节流的第一个字节必须恰好是 0x00
// （stream-id 最高字节为 0 的 DATA 帧 即 stream-id 小于 2^24）或恰好是 0x80（Control 帧的最高位 + 0 版本高位）
//
// 返回 true 只代表"值得一试" 调用方仍然需要真正跑一轮解析并确认至少消费了
// 一个完整帧才能真正 claim 这条连接 本引擎当前按端口分发（见 controller 包
// 的 portPools）尚未接入内容启发式 这里单独导出是为了让按内容启发式分发的
// 宿主可以独立调用
func ProbeSPDY(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	return b[0] == 0x00 || b[0] == 0x80
}
