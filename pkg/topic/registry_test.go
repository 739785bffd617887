// Copyright 2024 The hpfeeds-go Authors
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


package topic

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	frames [][]byte
	closed atomic.Bool
}

func (r *recorder) Deliver(frame []byte) bool {
	if r.closed.Load() {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, frame)
	return true
}

func (r *recorder) received() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.frames...)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(4)
	require.NotNil(t, r)

	sub1, sub2 := &recorder{}, &recorder{}

	assert.True(t, r.Subscribe("malware", sub1))
	assert.True(t, r.Subscribe("malware", sub2))
	assert.False(t, r.Subscribe("malware", sub1), "re-subscribing is a no-op")
	assert.Len(t, r.Subscribers("malware"), 2)
	assert.Equal(t, 1, r.Len())

	assert.Empty(t, r.Subscribers("unknown"))

	assert.True(t, r.Unsubscribe("malware", sub1))
	assert.False(t, r.Unsubscribe("malware", sub1))
	assert.False(t, r.Unsubscribe("unknown", sub1))
	subs := r.Subscribers("malware")
	require.Len(t, subs, 1)
	assert.Same(t, sub2, subs[0])

	// The channel key is dropped with its last subscriber.
	assert.True(t, r.Unsubscribe("malware", sub2))
	assert.Equal(t, 0, r.Len())
	assert.Empty(t, r.Channels())
}

func TestRegistryPublishFanOut(t *testing.T) {
	r := NewRegistry(0)
	a, b, other := &recorder{}, &recorder{}, &recorder{}
	r.Subscribe("malware", a)
	r.Subscribe("malware", b)
	r.Subscribe("benign", other)

	frame := []byte("0123456789")
	assert.Equal(t, 2, r.Publish("malware", frame))

	for _, sub := range []*recorder{a, b} {
		got := sub.received()
		require.Len(t, got, 1)
		// Every subscriber sees the same backing array.
		assert.Same(t, &frame[0], &got[0][0])
	}
	assert.Empty(t, other.received())

	assert.Equal(t, 0, r.Publish("nobody", frame))
}

func TestRegistryPublishSkipsClosedSubscribers(t *testing.T) {
	r := NewRegistry(1)
	live, gone := &recorder{}, &recorder{}
	gone.closed.Store(true)
	r.Subscribe("c", live)
	r.Subscribe("c", gone)

	assert.Equal(t, 1, r.Publish("c", []byte("x")))
	assert.Len(t, live.received(), 1)
}

func TestRegistryRemoveAll(t *testing.T) {
	r := NewRegistry(8)
	sub := &recorder{}
	for _, ch := range []string{"a", "b", "c"} {
		r.Subscribe(ch, sub)
	}

	removed := r.RemoveAll(sub, []string{"a", "b", "c", "d"})
	assert.ElementsMatch(t, []string{"a", "b", "c"}, removed)
	assert.Equal(t, 0, r.Len())
}

func TestRegistrySnapshotIsStable(t *testing.T) {
	r := NewRegistry(1)
	a, b := &recorder{}, &recorder{}
	r.Subscribe("c", a)

	snapshot := r.Subscribers("c")
	r.Subscribe("c", b)
	r.Unsubscribe("c", a)

	require.Len(t, snapshot, 1)
	assert.Same(t, a, snapshot[0])
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := NewRegistry(16)
	const workers = 16

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			sub := &recorder{}
			channel := fmt.Sprintf("chan-%d", w%4)
			for i := 0; i < 200; i++ {
				r.Subscribe(channel, sub)
				r.Publish(channel, []byte("payload"))
				r.Unsubscribe(channel, sub)
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, 0, r.Len())
}
