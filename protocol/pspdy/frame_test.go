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
)

func TestDecodeFrameHeaderControl(t *testing.T) {
	b := buildControlFrame(typeSynStream, flagFin, []byte("abcd"))

	fh, err := decodeFrameHeader(b[:frameHeaderLen])
	assert.NoError(t, err)
	assert.True(t, fh.control)
	assert.EqualValues(t, protocolVersion, fh.version)
	assert.Equal(t, typeSynStream, fh.typ)
	assert.Equal(t, flagFin, fh.flags)
	assert.EqualValues(t, 4, fh.length)
}

func TestDecodeFrameHeaderData(t *testing.T) {
	b := buildDataFrame(7, flagFin, []byte("xy"))

	fh, err := decodeFrameHeader(b[:frameHeaderLen])
	assert.NoError(t, err)
	assert.False(t, fh.control)
	assert.EqualValues(t, 7, fh.streamID)
	assert.Equal(t, flagFin, fh.flags)
	assert.EqualValues(t, 2, fh.length)
}

func TestDecodeFrameHeaderInvalidType(t *testing.T) {
	b := buildControlFrame(ctrlFrameType(11), 0, nil)

	fh, err := decodeFrameHeader(b[:frameHeaderLen])
	assert.ErrorIs(t, err, errInvalidEnum)
	// length 字段即使类型非法也应当被正确解析出来 以便调用方跳过整帧
	assert.EqualValues(t, 0, fh.length)
}

func TestDecodeFrameHeaderStreamIDMasksControlBit(t *testing.T) {
	b := buildDataFrame(0x7fffffff, 0, nil)

	fh, err := decodeFrameHeader(b[:frameHeaderLen])
	assert.NoError(t, err)
	assert.EqualValues(t, 0x7fffffff, fh.streamID)
}
