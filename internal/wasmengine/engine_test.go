//
// Copyright 2025 The Kubewarden Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package wasmengine

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsEpochInterruptFalseForPlainError(t *testing.T) {
	require.False(t, isEpochInterrupt(errors.New("some other failure")))
}

func TestIsEpochInterruptFalseForNil(t *testing.T) {
	require.False(t, isEpochInterrupt(nil))
}

func TestNewEngineWithoutEpochInterruption(t *testing.T) {
	e, err := NewEngine(false)
	require.NoError(t, err)
	require.NotNil(t, e)
	require.False(t, e.epochInterruption)
}

func TestNewEngineWithEpochInterruption(t *testing.T) {
	e, err := NewEngine(true)
	require.NoError(t, err)
	require.NotNil(t, e)
	require.True(t, e.epochInterruption)
}

func TestCompileModuleRejectsGarbage(t *testing.T) {
	e, err := NewEngine(false)
	require.NoError(t, err)

	_, err = e.CompileModule([]byte("not a real wasm module"))
	require.Error(t, err)
}
