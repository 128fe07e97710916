// Copyright 2023 SPPMon Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package set_test

import (
	"sort"
	"testing"

	"gotest.tools/v3/assert"

	"github.com/sppmontools/sppmon/internal/set"
)

func TestNew(t *testing.T) {
	testSet := set.New("a", "b", "a")
	assert.Equal(t, len(testSet), 2)
	assert.Assert(t, testSet.Contains("a"))
	assert.Assert(t, testSet.Contains("b"))
}

func TestAdd(t *testing.T) {
	testSet := set.Set[string]{}
	newKey := "new key!"
	testSet.Add(newKey)
	assert.Equal(t, len(testSet), 1)
	assert.Assert(t, testSet.Contains(newKey))
}

func TestKeys(t *testing.T) {
	originalKeys := []int{1, 2, 3}
	testSet := set.New(originalKeys...)
	resultKeys := testSet.Keys()
	sort.Ints(resultKeys)
	assert.DeepEqual(t, resultKeys, originalKeys)
}

func TestDifference(t *testing.T) {
	api := set.New("s1", "s2", "s3")
	stored := set.New("s1", "s3")
	missing := api.Difference(stored)
	assert.Equal(t, len(missing), 1)
	assert.Assert(t, missing.Contains("s2"))

	assert.Equal(t, len(stored.Difference(api)), 0)
}
