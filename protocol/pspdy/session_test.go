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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionFreeIsSafeOnEmptyState(t *testing.T) {
	sess := newSession(DefaultConfig())
	assert.NotPanics(t, sess.Free)
}

func TestSessionFreeResetsInflatersForRenegotiation(t *testing.T) {
	sess := newSession(DefaultConfig())
	tc := newTestCompressor()
	nv := buildNVBlock([][2]string{{"method", "GET"}})

	_, err := sess.rqst.inflate(tc.compress(nv))
	require.NoError(t, err)

	sess.Free()

	// reset 之后 rqst 不再持有旧的 zlib.Reader 下一次 inflate 必须重新从头
	// 解析字典声明 而不是把新字节追加到一条已经关闭的流上
	tc2 := newTestCompressor()
	plaintext, err := sess.rqst.inflate(tc2.compress(nv))
	require.NoError(t, err)
	assert.Equal(t, nv, plaintext)

	// 调用两次仍然是幂等的
	assert.NotPanics(t, sess.Free)
}
