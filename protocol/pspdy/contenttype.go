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

import "strings"

// splitContentType 将一个 content-type 头部值拆分为媒体类型与参数两部分
//
// 媒体类型统一转为小写 便于后续按媒体类型匹配 BodySink
// 两个返回值都是新分配的字符串 不与入参共享底层数组
func splitContentType(v string) (media, params string) {
	idx := strings.IndexAny(v, "; \t")
	if idx < 0 {
		return strings.Clone(strings.ToLower(strings.TrimSpace(v))), ""
	}

	media = strings.Clone(strings.ToLower(strings.TrimSpace(v[:idx])))
	params = strings.Clone(strings.TrimLeft(v[idx:], "; \t"))
	return media, params
}
