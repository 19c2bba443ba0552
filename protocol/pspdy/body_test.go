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
	"compress/gzip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/packetd/spdytap/common/socket"
)

func newTestDecoder(cfg Config) *decoder {
	return &decoder{
		st:  socket.TupleRaw{DstPort: 80},
		cfg: cfg,
		sess: newSession(cfg),
	}
}

func TestOnDataFrameSingleFrameFastPath(t *testing.T) {
	d := newTestDecoder(DefaultConfig())
	st := newStreamState(1)

	completed, events := d.onDataFrame(st, []byte("hello world"), flagFin, 1)
	assert.True(t, completed)
	assert.Empty(t, events)
	assert.Equal(t, []byte("hello world"), st.assembledBody)
	assert.True(t, st.bodyAssembled)
	assert.Equal(t, 1, st.dataFrameCount)
}

func TestOnDataFrameMultiChunkAssembly(t *testing.T) {
	d := newTestDecoder(DefaultConfig())
	st := newStreamState(1)

	completed, _ := d.onDataFrame(st, []byte("hel"), 0, 1)
	assert.False(t, completed)
	completed, _ = d.onDataFrame(st, []byte("lo "), 0, 2)
	assert.False(t, completed)
	completed, _ = d.onDataFrame(st, []byte("world"), flagFin, 3)
	assert.True(t, completed)

	assert.Equal(t, []byte("hello world"), st.assembledBody)
	assert.Equal(t, 3, st.dataFrameCount)
}

func TestOnDataFrameAssembleBodiesDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AssembleBodies = false
	d := newTestDecoder(cfg)
	st := newStreamState(1)

	completed, _ := d.onDataFrame(st, []byte("part1"), 0, 1)
	assert.False(t, completed)
	completed, _ = d.onDataFrame(st, []byte("part2"), flagFin, 2)
	assert.True(t, completed)

	assert.Nil(t, st.assembledBody)
	assert.Equal(t, 2, st.dataFrameCount)
}

func TestOnDataFrameGzipDecompression(t *testing.T) {
	d := newTestDecoder(DefaultConfig())
	st := newStreamState(1)
	st.contentEncoding = "gzip"

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte("decompressed payload"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	var gotInfo StreamInfo
	var gotBody []byte
	RegisterPortSink(80, BodySinkFunc(func(info StreamInfo, body []byte) {
		gotInfo = info
		gotBody = body
	}))
	defer func() { delete(portSinks, 80) }()

	completed, events := d.onDataFrame(st, buf.Bytes(), flagFin, 1)
	assert.True(t, completed)
	assert.Empty(t, events)
	assert.Equal(t, "decompressed payload", string(gotBody))
	assert.EqualValues(t, 1, gotInfo.StreamID)
}

func TestOnDataFrameDispatchesToDataFallback(t *testing.T) {
	d := newTestDecoder(DefaultConfig())
	st := newStreamState(99)

	var got []byte
	RegisterDataSink(BodySinkFunc(func(info StreamInfo, body []byte) {
		got = body
	}))
	defer func() { dataFallback = nil }()

	completed, _ := d.onDataFrame(st, []byte("raw body"), flagFin, 1)
	assert.True(t, completed)
	assert.Equal(t, "raw body", string(got))
}

func TestConcatChunksPreservesOrder(t *testing.T) {
	chunks := []chunk{
		{data: []byte("a")},
		{data: []byte("b")},
		{data: []byte("c")},
	}
	assert.Equal(t, []byte("abc"), concatChunks(chunks))
}

func TestDecodeBodyUnknownEncodingPassthrough(t *testing.T) {
	out, err := decodeBody("sdch", []byte("raw"))
	require.NoError(t, err)
	assert.Equal(t, []byte("raw"), out)
}
