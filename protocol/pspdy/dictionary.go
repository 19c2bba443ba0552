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

import "hash/adler32"

// dictionary 是 SPDY/3 协议规定的 zlib 预置字典
//
// 这是一份固定的常量 来源于协议自身（而非某次抓包）用于给头部压缩的 zlib 流提供
// 一份公共的 "历史窗口" 使得首个 SYN_STREAM/SYN_REPLY 帧也能获得有效的压缩率
//
// 内容由两部分组成
//   - 前半部分为若干常见 HTTP 头部名 每个都有 4 字节大端长度前缀（与 NV Block 的
//     编码格式一致 便于 zlib 在字典里找到完整匹配）
//   - 后半部分为常见的状态行文案 月份/星期缩写 以及常见 MIME 类型 不带长度前缀
//     直接作为可复用的字节序列
//
// 字典内容不可修改 任何改动都会导致与对端使用不同字典而解压失败
var dictionary = []byte(
	"\x00\x00\x00\x07options" + "\x00\x00\x00\x04head" + "\x00\x00\x00\x04post" + "\x00\x00\x00\x03put" +
		"\x00\x00\x00\x06delete" + "\x00\x00\x00\x05trace" + "\x00\x00\x00\x06accept" + "\x00\x00\x00\x0eaccept-charset" +
		"\x00\x00\x00\x0faccept-encoding" + "\x00\x00\x00\x0faccept-language" + "\x00\x00\x00\x0daccept-ranges" +
		"\x00\x00\x00\x03age" + "\x00\x00\x00\x05allow" + "\x00\x00\x00\x0dauthorization" + "\x00\x00\x00\x0dcache-control" +
		"\x00\x00\x00\x0aconnection" + "\x00\x00\x00\x0ccontent-base" + "\x00\x00\x00\x10content-encoding" +
		"\x00\x00\x00\x10content-language" + "\x00\x00\x00\x0econtent-length" + "\x00\x00\x00\x10content-location" +
		"\x00\x00\x00\x0bcontent-md5" + "\x00\x00\x00\x0dcontent-range" + "\x00\x00\x00\x0ccontent-type" +
		"\x00\x00\x00\x04date" + "\x00\x00\x00\x04etag" + "\x00\x00\x00\x06expect" + "\x00\x00\x00\x07expires" +
		"\x00\x00\x00\x04from" + "\x00\x00\x00\x04host" + "\x00\x00\x00\x08if-match" + "\x00\x00\x00\x11if-modified-since" +
		"\x00\x00\x00\x0dif-none-match" + "\x00\x00\x00\x08if-range" + "\x00\x00\x00\x13if-unmodified-since" +
		"\x00\x00\x00\x0dlast-modified" + "\x00\x00\x00\x08location" + "\x00\x00\x00\x0cmax-forwards" +
		"\x00\x00\x00\x06pragma" + "\x00\x00\x00\x12proxy-authenticate" + "\x00\x00\x00\x13proxy-authorization" +
		"\x00\x00\x00\x05range" + "\x00\x00\x00\x07referer" + "\x00\x00\x00\x0bretry-after" + "\x00\x00\x00\x06server" +
		"\x00\x00\x00\x02te" + "\x00\x00\x00\x07trailer" + "\x00\x00\x00\x11transfer-encoding" + "\x00\x00\x00\x07upgrade" +
		"\x00\x00\x00\x0auser-agent" + "\x00\x00\x00\x04vary" + "\x00\x00\x00\x03via" + "\x00\x00\x00\x07warning" +
		"\x00\x00\x00\x10www-authenticate" + "\x00\x00\x00\x06method" + "\x00\x00\x00\x03get" + "\x00\x00\x00\x06status" +
		"\x00\x00\x00\x07version" + "\x00\x00\x00\x08HTTP/1.1" + "\x00\x00\x00\x03url" + "\x00\x00\x00\x06public" +
		"\x00\x00\x00\x0aset-cookie" + "\x00\x00\x00\x0akeep-alive" + "\x00\x00\x00\x06origin" +
		"100101201202205206300302303304405406407408409410411412413414415416417502504505203 Non-Authoritative " +
		"Information204 No Content301 Moved Permanently400 Bad Request401 Unauthorized403 Forbidden404 Not Fo" +
		"und500 Internal Server Error501 Not Implemented503 Service UnavailableJan Feb Mar Apr May Jun Jul Au" +
		"g Sept Oct Nov Dec 00:00:00 Mon, Tue, Wed, Thu, Fri, Sat, Sun, GMTchunked,text/html,image/png,image/" +
		"jpg,image/gif,application/xml,application/xhtml+xml,text/plain,text/javascript,publicprivatemax-age=" +
		"gzip,deflate,sdchcharset=utf-8charset=iso-8859-1,utf-,*,enq=0.")

// dictionaryAdler 是 dictionary 的 Adler-32 校验和
//
// zlib 在请求一个预置字典时会携带期望的 Adler-32 值 解码器据此判断
// "对端期望的字典" 是否就是我们持有的这一份 SPDY 字典
var dictionaryAdler = adler32.Checksum(dictionary)
