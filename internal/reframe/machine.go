// Package reframe converts the upstream Responses event stream into client
// dialect events.
//
// A Machine owns the per-session state: which content block is open, the
// running block index, whether any tool call was seen. It translates each
// upstream event into calls on an Emitter, which renders them as Anthropic
// SSE, OpenAI chunks, or an aggregated non-streaming body.
package reframe

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/tjfontaine/codex-relay/internal/api/responses"
	"github.com/tjfontaine/codex-relay/internal/domain"
)

// StopReason is the dialect-neutral reason a message ended.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopToolUse   StopReason = "tool_use"
	StopMaxTokens StopReason = "max_tokens"
)

// Emitter renders client events. Indexes are Anthropic content block
// indexes; emitters for other dialects map them as needed.
type Emitter interface {
	MessageStart(id, model string) error
	TextStart(index int) error
	TextDelta(index int, text string) error
	ToolStart(index int, callID, name string) error
	ToolDelta(index int, callID, partialJSON string) error
	BlockStop(index int) error
	Finish(reason StopReason, usage domain.Usage) error
	Fail(err *domain.APIError) error
}

// State is the re-framer's lifecycle position.
type State int

const (
	StateIdle State = iota
	StateMessageOpen
	StateTextOpen
	StateToolOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateMessageOpen:
		return "message_open"
	case StateTextOpen:
		return "text_open"
	case StateToolOpen:
		return "tool_open"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Summary describes a finished session.
type Summary struct {
	MessageID  string
	StopReason StopReason
	Usage      domain.Usage
	Blocks     int
	ToolCalls  []string
	Events     int
	Err        *domain.APIError
}

// Machine is the per-session re-framing state machine. It is not safe for
// concurrent use.
type Machine struct {
	emitter   Emitter
	model     string
	messageID string

	state   State
	next    int
	open    int
	tool    *toolCall
	pending []*toolCall
	sawTool bool

	summary Summary
}

// toolCall is one function_call output item. Calls announced while another
// call is streaming wait in Machine.pending with their arguments buffered.
type toolCall struct {
	itemID string
	callID string
	name   string
	args   strings.Builder
	sent   bool
	done   bool
}

// NewMachine creates a machine that reports model in message_start.
func NewMachine(emitter Emitter, model string) *Machine {
	id := "msg_" + uuid.NewString()
	return &Machine{
		emitter:   emitter,
		model:     model,
		messageID: id,
		open:      -1,
		summary:   Summary{MessageID: id},
	}
}

// State returns the current state.
func (m *Machine) State() State {
	return m.state
}

// Closed reports whether a terminal or failure event has been emitted.
func (m *Machine) Closed() bool {
	return m.state == StateClosed
}

// Summary returns what the session produced so far.
func (m *Machine) Summary() Summary {
	return m.summary
}

// Handle translates one upstream event. Errors are emitter write failures;
// upstream failures are rendered as in-stream error events and leave the
// machine closed.
func (m *Machine) Handle(ev responses.StreamEvent) error {
	if m.state == StateClosed {
		return nil
	}
	m.summary.Events++

	var p responses.Payload
	if len(ev.Data) > 0 {
		if err := json.Unmarshal(ev.Data, &p); err != nil {
			return m.Fail(domain.ErrUpstreamProtocol(fmt.Sprintf("malformed %s event: %v", ev.Type, err)))
		}
	}
	typ := ev.Type
	if typ == "" {
		typ = p.Type
	}

	switch typ {
	case responses.EventFailed, responses.EventError:
		return m.Fail(upstreamFailure(&p))
	}

	if err := m.start(); err != nil {
		return err
	}

	switch typ {
	case responses.EventOutputTextDelta:
		return m.textDelta(p.DeltaText())

	case responses.EventOutputItemAdded:
		if p.Item != nil && p.Item.Type == "function_call" {
			return m.announce(&toolCall{itemID: p.Item.ID, callID: p.Item.CallID, name: p.Item.Name})
		}

	case responses.EventFunctionCallArgsDelta, responses.EventFunctionCallArgsDeltaV0:
		return m.argsDelta(itemRef(&p), p.DeltaText())

	case responses.EventOutputItemDone:
		return m.itemDone(&p)

	case responses.EventCompleted:
		return m.finish(m.completedReason(), usageOf(&p))

	case responses.EventIncomplete:
		return m.finish(StopMaxTokens, usageOf(&p))
	}

	return nil
}

// Fail closes any open block and emits err as an in-stream error.
func (m *Machine) Fail(err *domain.APIError) error {
	if m.state == StateClosed {
		return nil
	}
	if m.state != StateIdle {
		if cerr := m.closeBlock(); cerr != nil {
			return cerr
		}
	}
	m.state = StateClosed
	m.summary.Err = err
	return m.emitter.Fail(err)
}

// EndOfStream is called when the upstream body ends. A stream that ends
// before a terminal event is reported as truncated.
func (m *Machine) EndOfStream() error {
	if m.state == StateClosed {
		return nil
	}
	return m.Fail(domain.ErrUpstreamProtocol("upstream stream ended before completion").
		WithCode(domain.ErrorCodeStreamTruncated))
}

func (m *Machine) start() error {
	if m.state != StateIdle {
		return nil
	}
	m.state = StateMessageOpen
	return m.emitter.MessageStart(m.messageID, m.model)
}

func (m *Machine) textDelta(text string) error {
	if m.state == StateToolOpen {
		if err := m.closeBlock(); err != nil {
			return err
		}
	}
	if m.state != StateTextOpen {
		m.open = m.allocate()
		m.state = StateTextOpen
		if err := m.emitter.TextStart(m.open); err != nil {
			return err
		}
	}
	return m.emitter.TextDelta(m.open, text)
}

// announce queues a call and opens it unless another call is streaming.
func (m *Machine) announce(tc *toolCall) error {
	m.pending = append(m.pending, tc)
	if m.state == StateToolOpen {
		return nil
	}
	return m.promote(false)
}

// promote opens queued calls in announcement order, replaying their
// buffered arguments. A call that already finished is closed right away;
// with all set every queued call is closed.
func (m *Machine) promote(all bool) error {
	for len(m.pending) > 0 && m.state != StateToolOpen {
		tc := m.pending[0]
		m.pending = m.pending[1:]
		if err := m.openTool(tc); err != nil {
			return err
		}
		if tc.args.Len() > 0 {
			text := tc.args.String()
			tc.args.Reset()
			if err := m.emitArgs(text); err != nil {
				return err
			}
		}
		if tc.done || all {
			if err := m.closeBlock(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *Machine) openTool(tc *toolCall) error {
	if err := m.closeBlock(); err != nil {
		return err
	}
	if tc.callID == "" {
		tc.callID = "tool_" + uuid.NewString()
	}
	if tc.name == "" {
		tc.name = "unknown"
	}
	m.tool = tc
	m.sawTool = true
	m.open = m.allocate()
	m.state = StateToolOpen
	m.summary.ToolCalls = append(m.summary.ToolCalls, tc.name)
	return m.emitter.ToolStart(m.open, tc.callID, tc.name)
}

func (m *Machine) emitArgs(text string) error {
	m.tool.sent = true
	return m.emitter.ToolDelta(m.open, m.tool.callID, text)
}

// waiting returns the queued call for itemID unless it is the open one.
func (m *Machine) waiting(itemID string) *toolCall {
	if itemID == "" || (m.tool != nil && m.tool.itemID == itemID) {
		return nil
	}
	for _, tc := range m.pending {
		if tc.itemID == itemID {
			return tc
		}
	}
	return nil
}

func (m *Machine) argsDelta(itemID, partial string) error {
	if tc := m.waiting(itemID); tc != nil {
		tc.args.WriteString(partial)
		return nil
	}
	if m.state != StateToolOpen {
		// Arguments without an announced call open one implicitly.
		if err := m.openTool(&toolCall{itemID: itemID}); err != nil {
			return err
		}
	}
	return m.emitArgs(partial)
}

func (m *Machine) itemDone(p *responses.Payload) error {
	item := p.Item
	if item != nil && item.Type != "" && item.Type != "function_call" {
		return nil
	}
	if tc := m.waiting(itemRef(p)); tc != nil {
		tc.done = true
		if tc.args.Len() == 0 && item != nil {
			tc.args.WriteString(item.Arguments)
		}
		return nil
	}
	if m.state != StateToolOpen {
		return nil
	}
	if id := itemRef(p); id != "" && m.tool.itemID != "" && id != m.tool.itemID {
		return nil
	}
	if !m.tool.sent && item != nil && item.Arguments != "" {
		if err := m.emitArgs(item.Arguments); err != nil {
			return err
		}
	}
	if err := m.closeBlock(); err != nil {
		return err
	}
	return m.promote(false)
}

func (m *Machine) closeBlock() error {
	switch m.state {
	case StateTextOpen:
	case StateToolOpen:
		m.tool = nil
	default:
		return nil
	}
	idx := m.open
	m.open = -1
	m.state = StateMessageOpen
	return m.emitter.BlockStop(idx)
}

func (m *Machine) finish(reason StopReason, usage domain.Usage) error {
	if err := m.closeBlock(); err != nil {
		return err
	}
	if err := m.promote(true); err != nil {
		return err
	}
	m.state = StateClosed
	m.summary.StopReason = reason
	m.summary.Usage = usage
	return m.emitter.Finish(reason, usage)
}

func (m *Machine) completedReason() StopReason {
	if m.sawTool {
		return StopToolUse
	}
	return StopEndTurn
}

func (m *Machine) allocate() int {
	idx := m.next
	m.next++
	m.summary.Blocks = m.next
	return idx
}

// itemRef names the output item an event refers to.
func itemRef(p *responses.Payload) string {
	if p.ItemID != "" {
		return p.ItemID
	}
	if p.Item != nil {
		return p.Item.ID
	}
	return ""
}

func usageOf(p *responses.Payload) domain.Usage {
	if p.Response == nil || p.Response.Usage == nil {
		return domain.Usage{}
	}
	return domain.Usage{
		InputTokens:  p.Response.Usage.InputTokens,
		OutputTokens: p.Response.Usage.OutputTokens,
	}
}

func upstreamFailure(p *responses.Payload) *domain.APIError {
	msg := p.Message
	code := p.Code
	if p.Response != nil && p.Response.Error != nil {
		if msg == "" {
			msg = p.Response.Error.Message
		}
		if code == "" {
			code = p.Response.Error.Code
		}
	}
	if msg == "" {
		msg = "upstream reported a failure"
	}
	if code != "" {
		msg = code + ": " + msg
	}
	return domain.ErrUpstreamProtocol(msg)
}
