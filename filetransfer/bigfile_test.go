package filetransfer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/opd-ai/peerconnect/peerid"
	"github.com/stretchr/testify/require"
)

func TestPlanChunksSplitsEvenly(t *testing.T) {
	plan := planChunks(BigChunkSize*2 + 5)
	require.Len(t, plan, 3)
	require.Equal(t, chunkPlan{ID: 0, Start: 0, End: BigChunkSize}, plan[0])
	require.Equal(t, chunkPlan{ID: 1, Start: BigChunkSize, End: BigChunkSize * 2}, plan[1])
	require.Equal(t, chunkPlan{ID: 2, Start: BigChunkSize * 2, End: BigChunkSize*2 + 5}, plan[2])
}

func TestChunkIteratorRequeuePutsChunkBackAtTail(t *testing.T) {
	plan := []chunkPlan{{ID: 0}, {ID: 1}}
	it := newChunkIterator(plan)

	first, ok := it.next()
	require.True(t, ok)
	require.Equal(t, 0, first.ID)

	it.requeue(first)

	second, ok := it.next()
	require.True(t, ok)
	require.Equal(t, 1, second.ID)

	third, ok := it.next()
	require.True(t, ok)
	require.Equal(t, 0, third.ID)

	_, ok = it.next()
	require.False(t, ok)
}

func TestChunkNameRoundTrip(t *testing.T) {
	name := chunkName("movie.mp4", 3)
	require.Equal(t, "movie.3.mp4", name)

	base, id, err := parseChunkName(name)
	require.NoError(t, err)
	require.Equal(t, "movie.mp4", base)
	require.Equal(t, 3, id)
}

func TestParseChunkNameRejectsPlainName(t *testing.T) {
	_, _, err := parseChunkName("movie.mp4")
	require.Error(t, err)
}

func TestBigReceiverMergeAndFinish(t *testing.T) {
	dir := t.TempDir()
	r := NewBigReceiver(peerid.FromSeed(1), dir, 0, nil)

	part0 := filepath.Join(dir, "movie.0.mp4")
	part1 := filepath.Join(dir, "movie.1.mp4")
	require.NoError(t, os.WriteFile(part0, []byte("AAAA"), 0o644))
	require.NoError(t, os.WriteFile(part1, []byte("BBBB"), 0o644))

	r.recordPart("movie.mp4", 0, part0)
	r.recordPart("movie.mp4", 1, part1)

	require.NoError(t, r.MergeAndFinish("movie.mp4", "movie.mp4", 2))

	merged, err := os.ReadFile(filepath.Join(dir, "movie.mp4"))
	require.NoError(t, err)
	require.Equal(t, "AAAABBBB", string(merged))

	_, err = os.Stat(part0)
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(part1)
	require.True(t, os.IsNotExist(err))
}

func TestBigReceiverMergeAndFinishRequiresAllChunks(t *testing.T) {
	dir := t.TempDir()
	r := NewBigReceiver(peerid.FromSeed(1), dir, 0, nil)
	r.recordPart("movie.mp4", 0, filepath.Join(dir, "movie.0.mp4"))

	err := r.MergeAndFinish("movie.mp4", "movie.mp4", 2)
	require.Error(t, err)
}
