package connection

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bx-d/peer-rpc/message"
)

func executeMsg(conn *PeerConnection, code map[string]any) message.Message {
	msg := addressed(conn, message.TypeExecute)
	msg[message.KeyCode] = code
	return msg
}

func TestInboundExecute(t *testing.T) {
	tests := []struct {
		name      string
		code      map[string]any
		exec      *fakeExecutor
		wantError string
		check     func(t *testing.T, f *fakeExecutor)
	}{
		{
			name: "script",
			code: map[string]any{"type": "script", "content": "print(1)"},
			exec: &fakeExecutor{},
			check: func(t *testing.T, f *fakeExecutor) {
				assert.Equal(t, []string{"print(1)"}, f.scripts)
			},
		},
		{
			name: "requirements list",
			code: map[string]any{"type": "requirements", "requirements": []string{"numpy", "scipy"}},
			exec: &fakeExecutor{},
			check: func(t *testing.T, f *fakeExecutor) {
				assert.Equal(t, [][]string{{"numpy", "scipy"}}, f.installs)
			},
		},
		{
			name: "single requirement string",
			code: map[string]any{"type": "requirements", "requirements": "numpy"},
			exec: &fakeExecutor{},
			check: func(t *testing.T, f *fakeExecutor) {
				assert.Equal(t, [][]string{{"numpy"}}, f.installs)
			},
		},
		{
			name:      "failing script",
			code:      map[string]any{"type": "script", "content": "raise"},
			exec:      &fakeExecutor{err: errors.New("Traceback: boom")},
			wantError: "Traceback: boom",
		},
		{
			name:      "panicking executor",
			code:      map[string]any{"type": "script", "content": "x"},
			exec:      &fakeExecutor{panicked: true},
			wantError: "interpreter crashed",
		},
		{
			name:      "unsupported type",
			code:      map[string]any{"type": "binary"},
			exec:      &fakeExecutor{},
			wantError: "unsupported code type",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, r := newPair(t, Options{AllowExecution: true, Executor: tt.exec})
			r.send(executeMsg(conn, tt.code))

			got := r.next().msg
			require.Equal(t, message.TypeExecuted, got.Type())
			if tt.wantError == "" {
				_, hasErr := got[message.KeyError]
				assert.False(t, hasErr, "unexpected error: %v", got[message.KeyError])
			} else {
				assert.Contains(t, got.String(message.KeyError), tt.wantError)
			}
			if tt.check != nil {
				tt.exec.mu.Lock()
				defer tt.exec.mu.Unlock()
				tt.check(t, tt.exec)
			}
		})
	}
}

func TestExecuteRefusedWhenNotAllowed(t *testing.T) {
	exec := &fakeExecutor{}
	conn, r := newPair(t, Options{Executor: exec})
	r.send(executeMsg(conn, map[string]any{"type": "script", "content": "rm -rf /"}))

	got := r.next().msg
	assert.Equal(t, message.TypeExecuted, got.Type())
	assert.Contains(t, got.String(message.KeyError), ErrExecutionNotAllowed.Error())
	assert.Empty(t, exec.scripts)
}

func TestExecuteWithoutCode(t *testing.T) {
	conn, r := newPair(t, Options{AllowExecution: true, Executor: &fakeExecutor{}})
	r.send(addressed(conn, message.TypeExecute))

	got := r.next().msg
	assert.Contains(t, got.String(message.KeyError), "without")
}

func TestExecuteReturnsExecutionError(t *testing.T) {
	conn, r := newPair(t, Options{AllowExecution: true})
	err := conn.Execute(context.Background(), ExecuteTask{Type: CodeScript, Content: "x"})
	assert.True(t, IsKind(err, KindExecution))
	assert.ErrorIs(t, err, ErrNoExecutor)
	assert.Equal(t, message.TypeExecuted, r.next().msg.Type())
}

func TestTaskMessageRoundTrip(t *testing.T) {
	task := ExecuteTask{Type: CodeRequirements, Requirements: []string{"a", "b"}}
	got, err := TaskFromMessage(task.Message())
	require.NoError(t, err)
	assert.Equal(t, task, got)

	_, err = TaskFromMessage(message.New(message.TypeExecute))
	assert.Error(t, err)
}
