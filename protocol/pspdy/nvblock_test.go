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

func TestParseNVBlockRoundTrip(t *testing.T) {
	raw := buildNVBlock([][2]string{
		{"method", "GET"},
		{"url", "/index.html"},
		{"version", "HTTP/1.1"},
	})

	pairs, err := parseNVBlock(raw, uint32(len(raw)))
	require.NoError(t, err)
	require.Len(t, pairs, 3)
	assert.Equal(t, nvPair{name: "method", value: "GET"}, pairs[0])
	assert.Equal(t, nvPair{name: "url", value: "/index.html"}, pairs[1])
	assert.Equal(t, nvPair{name: "version", value: "HTTP/1.1"}, pairs[2])
}

func TestParseNVBlockNumPairsExceedsFrameLength(t *testing.T) {
	raw := buildNVBlock([][2]string{{"method", "GET"}})

	_, err := parseNVBlock(raw, 0)
	assert.ErrorIs(t, err, errMalformed)
}

func TestParseNVBlockTruncated(t *testing.T) {
	raw := buildNVBlock([][2]string{{"method", "GET"}, {"url", "/x"}})
	truncated := raw[:len(raw)-3]

	_, err := parseNVBlock(truncated, uint32(len(truncated)))
	assert.ErrorIs(t, err, errMalformed)
}

func TestParseNVBlockEmpty(t *testing.T) {
	_, err := parseNVBlock(nil, 0)
	assert.ErrorIs(t, err, errMalformed)
}

func TestBuildHeaderBlockRequest(t *testing.T) {
	pairs := []nvPair{
		{name: "method", value: "POST"},
		{name: "url", value: "/upload"},
		{name: "version", value: "HTTP/1.1"},
		{name: "Content-Type", value: "application/json; charset=utf-8"},
		{name: "content-encoding", value: "GZIP"},
		{name: "x-request-id", value: "abc123"},
	}

	hb := buildHeaderBlock(pairs)
	assert.Equal(t, "POST", hb.verb)
	assert.Equal(t, "/upload", hb.url)
	assert.Equal(t, "HTTP/1.1", hb.version)
	assert.Equal(t, "application/json", hb.contentType)
	assert.Equal(t, "charset=utf-8", hb.contentTypeParams)
	assert.Equal(t, "gzip", hb.contentEncoding)
	assert.Equal(t, "abc123", hb.headers["x-request-id"])
}

func TestBuildHeaderBlockResponse(t *testing.T) {
	pairs := []nvPair{
		{name: "status", value: "200 OK"},
		{name: "version", value: "HTTP/1.1"},
	}

	hb := buildHeaderBlock(pairs)
	assert.Equal(t, "200 OK", hb.verb)
	assert.Equal(t, "HTTP/1.1", hb.version)
	assert.Empty(t, hb.contentType)
}
