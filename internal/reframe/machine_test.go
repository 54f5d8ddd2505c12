package reframe

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/codex-relay/internal/api/responses"
	"github.com/tjfontaine/codex-relay/internal/domain"
)

// recorder captures emitter calls as compact strings.
type recorder struct {
	calls   []string
	failErr *domain.APIError
}

func (r *recorder) add(format string, args ...any) error {
	r.calls = append(r.calls, fmt.Sprintf(format, args...))
	return nil
}

func (r *recorder) MessageStart(id, model string) error { return r.add("start %s", model) }
func (r *recorder) TextStart(i int) error                { return r.add("text_start %d", i) }
func (r *recorder) TextDelta(i int, s string) error      { return r.add("text %d %q", i, s) }
func (r *recorder) ToolStart(i int, id, name string) error {
	return r.add("tool_start %d %s %s", i, id, name)
}
func (r *recorder) ToolDelta(i int, id, s string) error { return r.add("tool %d %s %s", i, id, s) }
func (r *recorder) BlockStop(i int) error              { return r.add("stop %d", i) }
func (r *recorder) Finish(reason StopReason, u domain.Usage) error {
	return r.add("finish %s %d/%d", reason, u.InputTokens, u.OutputTokens)
}
func (r *recorder) Fail(err *domain.APIError) error {
	r.failErr = err
	return r.add("fail %s", err.Type)
}

func ev(typ, data string) responses.StreamEvent {
	return responses.StreamEvent{Type: typ, Data: json.RawMessage(data)}
}

func textDelta(s string) responses.StreamEvent {
	b, _ := json.Marshal(s)
	return ev(responses.EventOutputTextDelta, `{"type":"response.output_text.delta","delta":`+string(b)+`}`)
}

func toolAdded(callID, name string) responses.StreamEvent {
	return ev(responses.EventOutputItemAdded, fmt.Sprintf(`{"type":"response.output_item.added","item":{"type":"function_call","call_id":%q,"name":%q}}`, callID, name))
}

func argsDelta(s string) responses.StreamEvent {
	b, _ := json.Marshal(s)
	return ev(responses.EventFunctionCallArgsDelta, `{"type":"response.function_call_arguments.delta","delta":`+string(b)+`}`)
}

func itemDone() responses.StreamEvent {
	return ev(responses.EventOutputItemDone, `{"type":"response.output_item.done","item":{"type":"function_call"}}`)
}

func completed(in, out int) responses.StreamEvent {
	return ev(responses.EventCompleted, fmt.Sprintf(`{"type":"response.completed","response":{"id":"r","status":"completed","usage":{"input_tokens":%d,"output_tokens":%d}}}`, in, out))
}

func run(t *testing.T, events ...responses.StreamEvent) (*recorder, *Machine) {
	t.Helper()
	rec := &recorder{}
	m := NewMachine(rec, "claude-test")
	for _, e := range events {
		require.NoError(t, m.Handle(e))
	}
	return rec, m
}

func TestMachine_TextOnly(t *testing.T) {
	rec, m := run(t,
		ev(responses.EventCreated, `{"type":"response.created"}`),
		textDelta("Hel"),
		textDelta("lo"),
		completed(12, 3),
	)

	assert.Equal(t, []string{
		"start claude-test",
		`text_start 0`,
		`text 0 "Hel"`,
		`text 0 "lo"`,
		"stop 0",
		"finish end_turn 12/3",
	}, rec.calls)
	assert.True(t, m.Closed())
	assert.Equal(t, StopEndTurn, m.Summary().StopReason)
	assert.True(t, strings.HasPrefix(m.Summary().MessageID, "msg_"))
}

func TestMachine_TextThenTool(t *testing.T) {
	rec, m := run(t,
		textDelta("Checking"),
		toolAdded("call_1", "shell"),
		argsDelta(`{"command":`),
		argsDelta(`"ls"}`),
		itemDone(),
		completed(5, 9),
	)

	assert.Equal(t, []string{
		"start claude-test",
		"text_start 0",
		`text 0 "Checking"`,
		"stop 0",
		"tool_start 1 call_1 shell",
		`tool 1 call_1 {"command":`,
		`tool 1 call_1 "ls"}`,
		"stop 1",
		"finish tool_use 5/9",
	}, rec.calls)
	assert.Equal(t, []string{"shell"}, m.Summary().ToolCalls)
	assert.Equal(t, 2, m.Summary().Blocks)
}

func TestMachine_ImplicitToolOpen(t *testing.T) {
	rec, _ := run(t,
		ev(responses.EventFunctionCallArgsDeltaV0, `{"type":"response.function_call_arguments_delta","arguments":{"path":"a"}}`),
		completed(0, 0),
	)

	require.Len(t, rec.calls, 5)
	assert.True(t, strings.HasPrefix(rec.calls[1], "tool_start 0 tool_"), rec.calls[1])
	assert.True(t, strings.HasSuffix(rec.calls[1], " unknown"))
	assert.True(t, strings.HasSuffix(rec.calls[2], ` {"path":"a"}`), rec.calls[2])
	assert.Equal(t, "stop 0", rec.calls[3])
	assert.Equal(t, "finish tool_use 0/0", rec.calls[4])
}

func TestMachine_TextAfterToolClosesTool(t *testing.T) {
	rec, m := run(t,
		toolAdded("call_1", "shell"),
		textDelta("done"),
	)

	assert.Equal(t, []string{
		"start claude-test",
		"tool_start 0 call_1 shell",
		"stop 0",
		"text_start 1",
		`text 1 "done"`,
	}, rec.calls)
	assert.Equal(t, StateTextOpen, m.State())
}

func TestMachine_ArgumentsOnlyInItemDone(t *testing.T) {
	rec, _ := run(t,
		toolAdded("call_9", "read"),
		ev(responses.EventOutputItemDone, `{"type":"response.output_item.done","item":{"type":"function_call","arguments":"{\"p\":1}"}}`),
	)

	assert.Equal(t, []string{
		"start claude-test",
		"tool_start 0 call_9 read",
		`tool 0 call_9 {"p":1}`,
		"stop 0",
	}, rec.calls)
}

func TestMachine_Incomplete(t *testing.T) {
	rec, m := run(t,
		textDelta("partial"),
		ev(responses.EventIncomplete, `{"type":"response.incomplete","response":{"status":"incomplete","incomplete_details":{"reason":"max_output_tokens"},"usage":{"input_tokens":1,"output_tokens":2}}}`),
	)

	assert.Equal(t, "finish max_tokens 1/2", rec.calls[len(rec.calls)-1])
	assert.Equal(t, StopMaxTokens, m.Summary().StopReason)
}

func TestMachine_FailedMidStream(t *testing.T) {
	rec, m := run(t,
		textDelta("hi"),
		ev(responses.EventFailed, `{"type":"response.failed","response":{"status":"failed","error":{"code":"server_error","message":"overloaded"}}}`),
		textDelta("ignored"),
	)

	assert.Equal(t, []string{
		"start claude-test",
		"text_start 0",
		`text 0 "hi"`,
		"stop 0",
		"fail upstream_protocol",
	}, rec.calls)
	assert.True(t, m.Closed())
	require.NotNil(t, rec.failErr)
	assert.Equal(t, "server_error: overloaded", rec.failErr.Message)
	assert.Equal(t, rec.failErr, m.Summary().Err)
}

func TestMachine_ErrorBeforeStart(t *testing.T) {
	rec, _ := run(t, ev(responses.EventError, `{"type":"error","code":"rate_limit","message":"slow down"}`))

	assert.Equal(t, []string{"fail upstream_protocol"}, rec.calls)
	assert.Equal(t, "rate_limit: slow down", rec.failErr.Message)
}

func TestMachine_EndOfStreamWithoutTerminal(t *testing.T) {
	rec, m := run(t, textDelta("cut"))
	require.NoError(t, m.EndOfStream())

	assert.Equal(t, "stop 0", rec.calls[3])
	assert.Equal(t, "fail upstream_protocol", rec.calls[4])
	assert.Equal(t, domain.ErrorCodeStreamTruncated, rec.failErr.Code)

	// Further calls are no-ops once closed.
	require.NoError(t, m.EndOfStream())
	assert.Len(t, rec.calls, 5)
}

func TestMachine_EndOfStreamAfterCompleted(t *testing.T) {
	rec, m := run(t, textDelta("x"), completed(1, 1))
	require.NoError(t, m.EndOfStream())
	assert.Nil(t, rec.failErr)
}

func TestMachine_MalformedEvent(t *testing.T) {
	rec, m := run(t, ev(responses.EventOutputTextDelta, `{not json`))
	assert.Equal(t, []string{"fail upstream_protocol"}, rec.calls)
	assert.True(t, m.Closed())
}

func TestMachine_TypeFromPayload(t *testing.T) {
	rec, _ := run(t, responses.StreamEvent{Data: json.RawMessage(`{"type":"response.output_text.delta","delta":"x"}`)})
	assert.Contains(t, rec.calls, `text 0 "x"`)
}

type failingEmitter struct{ recorder }

func (f *failingEmitter) TextDelta(int, string) error { return errors.New("broken pipe") }

func TestMachine_EmitterErrorPropagates(t *testing.T) {
	m := NewMachine(&failingEmitter{}, "m")
	err := m.Handle(textDelta("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken pipe")
}

func TestMachine_BlockIndexesAreDense(t *testing.T) {
	rec, _ := run(t,
		toolAdded("a", "one"), itemDone(),
		toolAdded("b", "two"), itemDone(),
		textDelta("t"),
		completed(0, 0),
	)

	var starts []string
	for _, c := range rec.calls {
		if strings.HasPrefix(c, "tool_start") || strings.HasPrefix(c, "text_start") {
			starts = append(starts, c)
		}
	}
	assert.Equal(t, []string{"tool_start 0 a one", "tool_start 1 b two", "text_start 2"}, starts)
}

func toolAddedItem(itemID, callID, name string) responses.StreamEvent {
	return ev(responses.EventOutputItemAdded, fmt.Sprintf(`{"type":"response.output_item.added","item":{"type":"function_call","id":%q,"call_id":%q,"name":%q}}`, itemID, callID, name))
}

func argsDeltaItem(itemID, s string) responses.StreamEvent {
	b, _ := json.Marshal(s)
	return ev(responses.EventFunctionCallArgsDelta, fmt.Sprintf(`{"type":"response.function_call_arguments.delta","item_id":%q,"delta":%s}`, itemID, b))
}

func itemDoneID(itemID, args string) responses.StreamEvent {
	return ev(responses.EventOutputItemDone, fmt.Sprintf(`{"type":"response.output_item.done","item":{"type":"function_call","id":%q,"arguments":%q}}`, itemID, args))
}

func TestMachine_InterleavedToolCallsKeepTheirArguments(t *testing.T) {
	rec, m := run(t,
		toolAddedItem("fc_a", "call_a", "read"),
		toolAddedItem("fc_b", "call_b", "write"),
		argsDeltaItem("fc_a", `{"a":1}`),
		argsDeltaItem("fc_b", `{"b":`),
		argsDeltaItem("fc_b", `2}`),
		itemDoneID("fc_a", `{"a":1}`),
		itemDoneID("fc_b", `{"b":2}`),
		completed(3, 4),
	)

	assert.Equal(t, []string{
		"start claude-test",
		"tool_start 0 call_a read",
		`tool 0 call_a {"a":1}`,
		"stop 0",
		"tool_start 1 call_b write",
		`tool 1 call_b {"b":2}`,
		"stop 1",
		"finish tool_use 3/4",
	}, rec.calls)
	assert.Equal(t, []string{"read", "write"}, m.Summary().ToolCalls)
}

func TestMachine_QueuedCallFinishedBeforeItOpens(t *testing.T) {
	rec, _ := run(t,
		toolAddedItem("fc_a", "call_a", "read"),
		toolAddedItem("fc_b", "call_b", "write"),
		itemDoneID("fc_b", `{"b":2}`),
		argsDeltaItem("fc_a", `{"a":1}`),
		itemDoneID("fc_a", `{"a":1}`),
		completed(0, 0),
	)

	assert.Equal(t, []string{
		"start claude-test",
		"tool_start 0 call_a read",
		`tool 0 call_a {"a":1}`,
		"stop 0",
		"tool_start 1 call_b write",
		`tool 1 call_b {"b":2}`,
		"stop 1",
		"finish tool_use 0/0",
	}, rec.calls)
}

func TestMachine_QueuedCallFlushedAtCompletion(t *testing.T) {
	rec, _ := run(t,
		toolAddedItem("fc_a", "call_a", "read"),
		toolAddedItem("fc_b", "call_b", "write"),
		argsDeltaItem("fc_b", `{"b":2}`),
		completed(0, 0),
	)

	assert.Equal(t, []string{
		"start claude-test",
		"tool_start 0 call_a read",
		"stop 0",
		"tool_start 1 call_b write",
		`tool 1 call_b {"b":2}`,
		"stop 1",
		"finish tool_use 0/0",
	}, rec.calls)
}

func TestMachine_ArgumentDeltasCarryTheirOwnCallID(t *testing.T) {
	rec, _ := run(t,
		toolAddedItem("fc_1", "call_1", "shell"),
		argsDeltaItem("fc_1", `{"command":["ls"]}`),
		itemDoneID("fc_1", ""),
		toolAddedItem("fc_2", "call_2", "apply_patch"),
		argsDeltaItem("fc_2", `{"input":"x"}`),
		itemDoneID("fc_2", ""),
		completed(0, 0),
	)

	owner := map[string]string{}
	for _, c := range rec.calls {
		if !strings.HasPrefix(c, "tool ") {
			continue
		}
		parts := strings.SplitN(c, " ", 4)
		owner[parts[3]] = parts[2]
	}
	assert.Equal(t, map[string]string{
		`{"command":["ls"]}`: "call_1",
		`{"input":"x"}`:      "call_2",
	}, owner)
}

func TestMachine_DoneForOtherItemLeavesOpenCall(t *testing.T) {
	rec, _ := run(t,
		toolAddedItem("fc_a", "call_a", "read"),
		argsDeltaItem("fc_a", `{"a":`),
		itemDoneID("fc_unknown", `{}`),
		argsDeltaItem("fc_a", `1}`),
		itemDoneID("fc_a", `{"a":1}`),
		completed(0, 0),
	)

	assert.Equal(t, []string{
		"start claude-test",
		"tool_start 0 call_a read",
		`tool 0 call_a {"a":`,
		`tool 0 call_a 1}`,
		"stop 0",
		"finish tool_use 0/0",
	}, rec.calls)
}
