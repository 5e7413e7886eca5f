// Package llmtest provides a scripted chat model for tests.
package llmtest

import (
	"context"
	"errors"
	"sync"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// Call records one Generate or Stream invocation.
type Call struct {
	Input     []*schema.Message
	MaxTokens int
}

// ChatModel answers every call with Reply, or Err when set. Replies, when not
// empty, are consumed in order before falling back to Reply.
type ChatModel struct {
	mu      sync.Mutex
	Reply   string
	Replies []string
	Err     error
	Calls   []Call
}

var _ model.ChatModel = (*ChatModel)(nil)

// Generate implements model.BaseChatModel.
func (m *ChatModel) Generate(_ context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	reply, err := m.record(input, opts...)
	if err != nil {
		return nil, err
	}
	return schema.AssistantMessage(reply, nil), nil
}

// Stream implements model.BaseChatModel by splitting the reply into words.
func (m *ChatModel) Stream(_ context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	reply, err := m.record(input, opts...)
	if err != nil {
		return nil, err
	}

	var chunks []*schema.Message
	start := 0
	for i := 0; i < len(reply); i++ {
		if reply[i] == ' ' {
			chunks = append(chunks, schema.AssistantMessage(reply[start:i+1], nil))
			start = i + 1
		}
	}
	if start < len(reply) {
		chunks = append(chunks, schema.AssistantMessage(reply[start:], nil))
	}
	return schema.StreamReaderFromArray(chunks), nil
}

// BindTools implements model.ChatModel.
func (m *ChatModel) BindTools(_ []*schema.ToolInfo) error {
	return errors.New("tools unsupported")
}

// LastCall returns the most recent invocation.
func (m *ChatModel) LastCall() (Call, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Calls) == 0 {
		return Call{}, false
	}
	return m.Calls[len(m.Calls)-1], true
}

// CallCount returns how many times the model was invoked.
func (m *ChatModel) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

func (m *ChatModel) record(input []*schema.Message, opts ...model.Option) (string, error) {
	options := model.GetCommonOptions(&model.Options{}, opts...)
	call := Call{Input: append([]*schema.Message(nil), input...)}
	if options.MaxTokens != nil {
		call.MaxTokens = *options.MaxTokens
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, call)
	if m.Err != nil {
		return "", m.Err
	}
	if len(m.Replies) > 0 {
		reply := m.Replies[0]
		m.Replies = m.Replies[1:]
		return reply, nil
	}
	return m.Reply, nil
}
