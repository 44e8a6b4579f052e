package session

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func frag(ts int64, speaker, text string) Fragment {
	return Fragment{TimestampMs: ts, Speaker: speaker, Text: text}
}

func timestamps(fs []Fragment) []int64 {
	out := make([]int64, len(fs))
	for i, f := range fs {
		out[i] = f.TimestampMs
	}
	return out
}

func TestBuffer_StaleFragmentDropped(t *testing.T) {
	b := NewBuffer(50)

	inserted, _ := b.Append(frag(100, "Ann", "hello"))
	require.True(t, inserted)
	inserted, _ = b.Append(frag(90, "Bob", "late"))
	require.False(t, inserted)

	st := b.Status()
	require.Equal(t, 1, st.Len)
	require.EqualValues(t, 100, st.Watermark)
	require.Equal(t, 50, st.Capacity)
}

func TestBuffer_DuplicateTimestampKeepsOne(t *testing.T) {
	b := NewBuffer(50)
	b.Append(frag(100, "Ann", "hello"))
	inserted, _ := b.Append(frag(100, "Ann", "hello"))
	require.False(t, inserted)
	require.Len(t, b.Snapshot(), 1)
}

func TestBuffer_EvictsOldestWhenFull(t *testing.T) {
	b := NewBuffer(3)
	var evictions int
	for ts := int64(1); ts <= 4; ts++ {
		_, evicted := b.Append(frag(ts, "s", "t"))
		if evicted {
			evictions++
		}
	}
	require.Equal(t, []int64{2, 3, 4}, timestamps(b.Snapshot()))
	require.Equal(t, 1, evictions)
	require.EqualValues(t, 4, b.Status().Watermark)
}

func TestBuffer_FirstFragmentAtZeroAccepted(t *testing.T) {
	b := NewBuffer(2)
	inserted, _ := b.Append(frag(0, "s", "t"))
	require.True(t, inserted)
	inserted, _ = b.Append(frag(0, "s", "t"))
	require.False(t, inserted)
}

func TestBuffer_Since(t *testing.T) {
	b := NewBuffer(4)
	for _, ts := range []int64{10, 20, 30, 40, 50} {
		b.Append(frag(ts, "s", "t"))
	}
	require.Equal(t, []int64{20, 30, 40, 50}, timestamps(b.Since(0)))
	require.Equal(t, []int64{40, 50}, timestamps(b.Since(30)))
	require.Equal(t, []int64{40, 50}, timestamps(b.Since(35)))
	require.Empty(t, b.Since(50))
}

func TestBuffer_SnapshotIsACopy(t *testing.T) {
	b := NewBuffer(2)
	b.Append(frag(1, "a", "one"))
	snap := b.Snapshot()
	snap[0].Text = "mutated"
	b.Append(frag(2, "b", "two"))
	b.Append(frag(3, "c", "three"))

	require.Equal(t, "mutated", snap[0].Text)
	require.Equal(t, []int64{2, 3}, timestamps(b.Snapshot()))
}

func TestBuffer_SpeakersLatestText(t *testing.T) {
	b := NewBuffer(5)
	_, ok := b.Latest()
	require.False(t, ok)

	b.Append(frag(1, "Ann", "hi"))
	b.Append(frag(2, "Bob", "hey"))
	b.Append(frag(3, "Ann", "so"))

	latest, ok := b.Latest()
	require.True(t, ok)
	require.Equal(t, "so", latest.Text)
	require.Equal(t, []string{"Ann", "Bob"}, b.Speakers())
	require.Equal(t, "[Ann]: hi\n[Bob]: hey\n[Ann]: so", b.Text())
}

// Any delivery order leaves at most N strictly increasing timestamps.
func TestBuffer_InvariantsUnderRandomDelivery(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 50; round++ {
		capacity := 1 + rng.Intn(8)
		b := NewBuffer(capacity)
		for i := 0; i < 200; i++ {
			b.Append(frag(int64(rng.Intn(300)), "s", "t"))
			got := timestamps(b.Snapshot())
			require.LessOrEqual(t, len(got), capacity)
			for j := 1; j < len(got); j++ {
				require.Less(t, got[j-1], got[j])
			}
		}
	}
}
