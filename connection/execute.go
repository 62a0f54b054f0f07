package connection

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/bx-d/peer-rpc/message"
)

// Code types of an execute request.
const (
	CodeScript       = "script"
	CodeRequirements = "requirements"
)

// ExecuteTask is the code payload of an execute request.
type ExecuteTask struct {
	Type         string   // CodeScript or CodeRequirements
	Content      string   // Script source
	Requirements []string // Packages to install
}

// TaskFromMessage reads the "code" field of an execute message. A single requirement
// string is accepted as a one-element list.
func TaskFromMessage(msg message.Message) (ExecuteTask, error) {
	code := message.Message(msg.Map(message.KeyCode))
	if code == nil {
		return ExecuteTask{}, fmt.Errorf("execute message without %q", message.KeyCode)
	}
	return ExecuteTask{
		Type:         code.String("type"),
		Content:      code.String("content"),
		Requirements: code.Strings("requirements"),
	}, nil
}

// Message renders the task as an execute message.
func (t ExecuteTask) Message() message.Message {
	code := map[string]any{"type": t.Type}
	switch t.Type {
	case CodeScript:
		code["content"] = t.Content
	case CodeRequirements:
		code["requirements"] = t.Requirements
	}
	msg := message.New(message.TypeExecute)
	msg[message.KeyCode] = code
	return msg
}

// Execute runs task and reports the outcome to the remote with an "executed" message,
// carrying the error text on failure. The returned error is informational; the remote
// has already been told.
func (c *PeerConnection) Execute(ctx context.Context, task ExecuteTask) error {
	if c.opts.ExecutionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.ExecutionTimeout)
		defer cancel()
	}

	execErr := c.run(ctx, task)

	reply := message.New(message.TypeExecuted)
	if execErr != nil {
		c.logger.Error().Err(execErr).Str("code_type", task.Type).Msg("error during execution")
		reply[message.KeyError] = execErr.Error()
	}
	if err := c.Emit(context.WithoutCancel(ctx), reply); err != nil {
		c.logger.Warn().Err(err).Msg("failed to report execution result")
	}

	if execErr != nil {
		return &Error{Kind: KindExecution, Message: task.Type, Err: execErr}
	}
	return nil
}

func (c *PeerConnection) run(ctx context.Context, task ExecuteTask) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()

	if !c.opts.AllowExecution {
		return ErrExecutionNotAllowed
	}
	if c.opts.Executor == nil {
		return ErrNoExecutor
	}
	switch task.Type {
	case CodeScript:
		return c.opts.Executor.Run(ctx, task.Content)
	case CodeRequirements:
		return c.opts.Executor.Install(ctx, task.Requirements)
	default:
		return fmt.Errorf("unsupported code type %q", task.Type)
	}
}

// handleExecute runs inbound execute requests off the receive goroutine so that a long
// script does not stall message dispatch. Executions live as long as the connection, not
// as long as the handler invocation.
func (c *PeerConnection) handleExecute(_ context.Context, msg message.Message) error {
	task, err := TaskFromMessage(msg)
	if err != nil {
		go c.reportInvalid(c.ctx, err)
		return err
	}
	if !c.opts.AllowExecution {
		c.logger.Warn().Str("code_type", task.Type).Msg("execute request refused")
	}
	go func() {
		_ = c.Execute(c.ctx, task)
	}()
	return nil
}

func (c *PeerConnection) reportInvalid(ctx context.Context, cause error) {
	reply := message.New(message.TypeExecuted)
	reply[message.KeyError] = cause.Error()
	if err := c.Emit(context.WithoutCancel(ctx), reply); err != nil {
		c.logger.Warn().Err(err).Msg("failed to report execution result")
	}
}
