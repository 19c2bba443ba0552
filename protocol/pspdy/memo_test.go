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

func TestMemoGetMiss(t *testing.T) {
	mo := newMemo()
	_, ok := mo.get(1, 1, typeSynStream)
	assert.False(t, ok)
}

func TestMemoPutGet(t *testing.T) {
	mo := newMemo()
	mo.put(1, 3, typeSynStream, []byte("plaintext"))

	v, ok := mo.get(1, 3, typeSynStream)
	assert.True(t, ok)
	assert.Equal(t, []byte("plaintext"), v)
}

func TestMemoKeysAreDistinctByStreamAndType(t *testing.T) {
	mo := newMemo()
	mo.put(1, 3, typeSynStream, []byte("a"))
	mo.put(1, 3, typeHeaders, []byte("b"))
	mo.put(1, 5, typeSynStream, []byte("c"))
	mo.put(2, 3, typeSynStream, []byte("d"))

	v, _ := mo.get(1, 3, typeSynStream)
	assert.Equal(t, []byte("a"), v)

	v, _ = mo.get(1, 3, typeHeaders)
	assert.Equal(t, []byte("b"), v)

	v, _ = mo.get(1, 5, typeSynStream)
	assert.Equal(t, []byte("c"), v)

	v, _ = mo.get(2, 3, typeSynStream)
	assert.Equal(t, []byte("d"), v)
}
