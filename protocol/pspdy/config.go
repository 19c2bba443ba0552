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

import "github.com/packetd/spdytap/common"

// Config 承载 spec 中定义的 4 个用户可见配置项
//
// 与源实现不同 这里不使用进程级全局变量 而是在创建 ConnPool/Decoder 时显式传入
// 一份 Config 值 同一个进程内可以给不同端口/不同连接池配置不同策略
type Config struct {
	// AssembleBodies 是否将同一 Stream 上的多个 DATA 帧拼接为完整 Body
	AssembleBodies bool `config:"assembleBodies"`

	// DecompressHeaders 是否对 Header Block 做 zlib 解压
	DecompressHeaders bool `config:"decompressHeaders"`

	// DecompressBodies 是否对拼接后的 Body 按 content-encoding 做解压
	DecompressBodies bool `config:"decompressBodies"`

	// Debug 是否输出调试日志
	Debug bool `config:"debug"`
}

// DefaultConfig 返回 spec 约定的默认值
func DefaultConfig() Config {
	return Config{
		AssembleBodies:    true,
		DecompressHeaders: true,
		DecompressBodies:  true,
		Debug:             false,
	}
}

// configFromOptions 从 common.Options 中提取配置 未设置的字段维持默认值
//
// 与 phttp2.NewConnPool 接受 common.Options 的方式保持一致
func configFromOptions(opts common.Options) Config {
	cfg := DefaultConfig()
	if opts == nil {
		return cfg
	}

	if v, err := opts.GetBool("assembleBodies"); err == nil {
		cfg.AssembleBodies = v
	}
	if v, err := opts.GetBool("decompressHeaders"); err == nil {
		cfg.DecompressHeaders = v
	}
	if v, err := opts.GetBool("decompressBodies"); err == nil {
		cfg.DecompressBodies = v
	}
	if v, err := opts.GetBool("debug"); err == nil {
		cfg.Debug = v
	}
	return cfg
}
