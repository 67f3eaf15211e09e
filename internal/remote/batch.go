package remote

import (
	"context"
	"errors"
	"strings"
)

// ErrPendingApproval stops a sequence at a command that needs approval.
var ErrPendingApproval = errors.New("command requires approval")

// BatchResult is the outcome of one queued command.
type BatchResult struct {
	Command string         `json:"command"`
	Result  *ExecuteResult `json:"result,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// Queue adds command to the batch run by ExecuteBatch.
func (c *Client) Queue(command string) *Client {
	c.mu.Lock()
	c.queue = append(c.queue, command)
	c.mu.Unlock()
	return c
}

// ExecuteBatch runs every queued command in order, continuing past
// failures, and empties the queue.
func (c *Client) ExecuteBatch(ctx context.Context, approve bool) []BatchResult {
	c.mu.Lock()
	queue := c.queue
	c.queue = nil
	c.mu.Unlock()

	results := make([]BatchResult, 0, len(queue))
	for _, cmd := range queue {
		r := BatchResult{Command: cmd}
		res, err := c.Execute(ctx, cmd, approve)
		if err != nil {
			r.Error = err.Error()
		} else {
			r.Result = res
		}
		results = append(results, r)
	}
	return results
}

// Step is one command in a sequence. A step with DependsOn has every
// "$<DependsOn>" in Command replaced by that step's trimmed stdout.
type Step struct {
	Name      string `json:"name" yaml:"name"`
	Command   string `json:"command" yaml:"command"`
	DependsOn string `json:"dependsOn,omitempty" yaml:"dependsOn,omitempty"`
}

// StepResult is the outcome of one step.
type StepResult struct {
	Name    string `json:"name"`
	Command string `json:"command"`
	Success bool   `json:"success"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ExecuteSequence runs steps in order and stops at the first one that
// fails, errors or needs approval. Commands still pass through the
// gateway's gate after substitution.
func (c *Client) ExecuteSequence(ctx context.Context, steps []Step, approve bool) []StepResult {
	outputs := make(map[string]string, len(steps))
	results := make([]StepResult, 0, len(steps))
	for _, st := range steps {
		cmd := st.Command
		if st.DependsOn != "" {
			if prev, ok := outputs[st.DependsOn]; ok {
				cmd = strings.ReplaceAll(cmd, "$"+st.DependsOn, prev)
			}
		}
		r := StepResult{Name: st.Name, Command: cmd}
		res, err := c.Execute(ctx, cmd, approve)
		switch {
		case err != nil:
			r.Error = err.Error()
		case res.PendingApproval:
			r.Error = ErrPendingApproval.Error() + ": " + res.RequiresApprovalReason
		case res.Result == nil || !res.Result.Success:
			r.Output = res.Stdout()
			if res.Result != nil {
				r.Error = res.Result.Error
			}
		default:
			r.Success = true
			r.Output = res.Stdout()
			outputs[st.Name] = strings.TrimSpace(res.Stdout())
		}
		results = append(results, r)
		if !r.Success {
			break
		}
	}
	return results
}
