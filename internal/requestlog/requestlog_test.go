package requestlog

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleEntry(i int) *Entry {
	return &Entry{
		Time:          time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC).Add(time.Duration(i) * time.Second),
		SessionID:     fmt.Sprintf("sess-%d", i),
		Dialect:       "anthropic",
		Model:         "claude-sonnet-4",
		UpstreamModel: "gpt-5.3-codex",
		Effort:        "medium",
		Stream:        true,
		Status:        200,
		StopReason:    "end_turn",
		InputTokens:   10,
		OutputTokens:  4,
		ToolCalls:     []string{"shell"},
		DurationMs:    42,
		Upstream:      json.RawMessage(`{"model":"gpt-5.3-codex","stream":true}`),
	}
}

func TestJSONLSink_ConcurrentAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "requests.jsonl")
	sink, err := OpenJSONL(path)
	require.NoError(t, err)

	const writers, perWriter = 8, 25
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				e := sampleEntry(w*perWriter + i)
				// Pad entries so a torn write would be visible.
				e.ErrorMessage = fmt.Sprintf("%0512d", i)
				assert.NoError(t, sink.Append(context.Background(), e))
			}
		}(w)
	}
	wg.Wait()
	require.NoError(t, sink.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	seen := map[string]bool{}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var e Entry
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e), sc.Text())
		seen[e.SessionID] = true
	}
	require.NoError(t, sc.Err())
	assert.Len(t, seen, writers*perWriter)
}

func TestJSONLSink_AppendsToExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "requests.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(`{"session_id":"old"}`+"\n"), 0o644))

	sink, err := OpenJSONL(path)
	require.NoError(t, err)
	require.NoError(t, sink.Append(context.Background(), sampleEntry(1)))
	require.NoError(t, sink.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"session_id":"old"`)
	assert.Contains(t, string(data), `"session_id":"sess-1"`)
}

func TestJSONLSink_AppendAfterClose(t *testing.T) {
	sink, err := OpenJSONL(filepath.Join(t.TempDir(), "r.jsonl"))
	require.NoError(t, err)
	require.NoError(t, sink.Close())
	require.NoError(t, sink.Close())

	err = sink.Append(context.Background(), sampleEntry(0))
	assert.ErrorIs(t, err, os.ErrClosed)
}

func TestSQLiteSink_AppendAndRecent(t *testing.T) {
	sink, err := OpenSQLite(filepath.Join(t.TempDir(), "requests.db"))
	require.NoError(t, err)
	defer sink.Close()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, sink.Append(ctx, sampleEntry(i)))
	}
	failed := sampleEntry(3)
	failed.Status = 502
	failed.ToolCalls = nil
	failed.Upstream = nil
	failed.ErrorType = "upstream_connection"
	require.NoError(t, sink.Append(ctx, failed))

	got, err := sink.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "sess-3", got[0].SessionID)
	assert.Equal(t, 502, got[0].Status)
	assert.Equal(t, "upstream_connection", got[0].ErrorType)
	assert.Nil(t, got[0].ToolCalls)
	assert.Nil(t, got[0].Upstream)

	assert.Equal(t, "sess-2", got[1].SessionID)
	assert.Equal(t, []string{"shell"}, got[1].ToolCalls)
	assert.True(t, got[1].Stream)
	assert.JSONEq(t, `{"model":"gpt-5.3-codex","stream":true}`, string(got[1].Upstream))
}

func TestSQLiteSink_DuplicateSession(t *testing.T) {
	sink, err := OpenSQLite(filepath.Join(t.TempDir(), "requests.db"))
	require.NoError(t, err)
	defer sink.Close()

	require.NoError(t, sink.Append(context.Background(), sampleEntry(1)))
	assert.Error(t, sink.Append(context.Background(), sampleEntry(1)))
}

type failingSink struct{ appended int }

func (f *failingSink) Append(context.Context, *Entry) error {
	f.appended++
	return errors.New("disk full")
}
func (f *failingSink) Close() error { return nil }

func TestMulti(t *testing.T) {
	path := filepath.Join(t.TempDir(), "r.jsonl")
	jsonl, err := OpenJSONL(path)
	require.NoError(t, err)
	bad := &failingSink{}

	m := Multi{jsonl, bad}
	err = m.Append(context.Background(), sampleEntry(0))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, 1, bad.appended)
	require.NoError(t, m.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "sess-0")
}

func TestRecord_SetsTimeAndSwallowsErrors(t *testing.T) {
	bad := &failingSink{}
	e := &Entry{SessionID: "s"}
	Record(context.Background(), bad, nil, e)
	assert.False(t, e.Time.IsZero())
	assert.Equal(t, 1, bad.appended)

	assert.NotPanics(t, func() { Record(context.Background(), nil, nil, e) })
}
