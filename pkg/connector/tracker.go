// Copyright 2025 UMH Systems GmbH
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

package connector

import "sync"

// offsetTracker orders completions of one partition claim. Records complete out of order,
// but an offset may only be committed once every record before it has completed.
type offsetTracker struct {
	mu      sync.Mutex
	started []int64
	done    map[int64]bool
}

func newOffsetTracker() *offsetTracker {
	return &offsetTracker{done: make(map[int64]bool)}
}

// start registers an offset. Offsets must be started in delivery order.
func (t *offsetTracker) start(offset int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.started = append(t.started, offset)
}

// complete marks offset as handled and returns the highest offset whose predecessors
// are all handled, or false if that did not advance.
func (t *offsetTracker) complete(offset int64) (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.done[offset] = true

	highest, advanced := int64(-1), false
	for len(t.started) > 0 && t.done[t.started[0]] {
		highest = t.started[0]
		delete(t.done, highest)
		t.started = t.started[1:]
		advanced = true
	}
	return highest, advanced
}

// pending is the number of started but not committable offsets.
func (t *offsetTracker) pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.started)
}
