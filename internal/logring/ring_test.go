package logring

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendAssignsContiguousSequences(t *testing.T) {
	r := New(10, "", nil)
	for i := 0; i < 5; i++ {
		seq := r.Append([]byte("x"))
		require.Equal(t, uint64(i+1), seq)
	}
}

func TestSnapshotReflectsRetainedWindow(t *testing.T) {
	r := New(3, "", nil)
	r.Append([]byte("a"))
	r.Append([]byte("b"))
	r.Append([]byte("c"))
	r.Append([]byte("d")) // evicts "a"

	first, entries := r.Snapshot()
	require.Equal(t, uint64(2), first)
	require.Len(t, entries, 3)
	assert.Equal(t, []byte("b"), entries[0].Bytes)
	assert.Equal(t, []byte("c"), entries[1].Bytes)
	assert.Equal(t, []byte("d"), entries[2].Bytes)
}

func TestSubscribeReceivesLiveEntriesInOrder(t *testing.T) {
	r := New(100, "", nil)
	ch, unsub := r.Subscribe()
	defer unsub()

	r.Append([]byte("1"))
	r.Append([]byte("2"))

	m1 := <-ch
	m2 := <-ch
	require.NotNil(t, m1.Entry)
	require.NotNil(t, m2.Entry)
	assert.Equal(t, uint64(1), m1.Entry.Sequence)
	assert.Equal(t, uint64(2), m2.Entry.Sequence)
}

func TestSubscriberFullBufferProducesGapNotBlock(t *testing.T) {
	r := New(100000, "", nil)
	ch, unsub := r.Subscribe()
	defer unsub()

	const total = subscriberBuffer + 50
	for i := 0; i < total; i++ {
		r.Append([]byte("x")) // never blocks even though nobody is draining ch
	}

	var gotGap bool
	var entries int
	var missedSum uint64
	for {
		select {
		case m := <-ch:
			if m.Gap != nil {
				gotGap = true
				missedSum += m.Gap.Missed
			} else {
				entries++
			}
		default:
			goto done
		}
	}
done:
	require.True(t, gotGap, "expected at least one gap marker")
	assert.Equal(t, total, entries+int(missedSum))
}

func TestFullBufferExactCapacityLosesNothing(t *testing.T) {
	r := New(100000, "", nil)
	ch, unsub := r.Subscribe()
	defer unsub()

	for i := 0; i < subscriberBuffer; i++ {
		r.Append([]byte("x"))
	}

	var entries, gaps int
	for i := 0; i < subscriberBuffer; i++ {
		m := <-ch
		if m.Entry != nil {
			entries++
		} else {
			gaps++
		}
	}
	assert.Equal(t, subscriberBuffer, entries)
	assert.Equal(t, 0, gaps)
}

func TestAppendPersistsToLogFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "output.log")
	r := New(10, path, nil)
	defer r.Close()

	r.Append([]byte("hello "))
	r.Append([]byte("world"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	r := New(10, "", nil)
	ch, unsub := r.Subscribe()
	unsub()

	r.Append([]byte("after-unsub"))

	select {
	case <-ch:
		t.Fatal("unsubscribed channel should not receive further messages")
	default:
	}
}
