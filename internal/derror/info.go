package derror

import (
	"encoding/json"
	"fmt"
	"runtime"
)

// Info is a structured, serializable snapshot of an error: its kind, message
// and the stack frames captured where it was recorded. It is attached to
// failure events so the original error can be inspected after the fact,
// including from persisted event logs.
type Info struct {
	Kind    string   `json:"kind"`
	Message string   `json:"message"`
	Stack   []string `json:"stack,omitempty"`
	Cause   *Info    `json:"cause,omitempty"`
}

// InfoFromError captures err and its unwrap chain into an Info record,
// including the stack of the caller.
func InfoFromError(err error) *Info {
	if err == nil {
		return nil
	}
	info := &Info{
		Kind:    fmt.Sprintf("%T", err),
		Message: err.Error(),
		Stack:   captureStack(2),
	}
	if cause := unwrapOnce(err); cause != nil {
		info.Cause = &Info{
			Kind:    fmt.Sprintf("%T", cause),
			Message: cause.Error(),
		}
	}
	return info
}

func (i *Info) String() string {
	if i == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s: %s", i.Kind, i.Message)
}

// MarshalString renders the record as compact JSON for event-log storage.
func (i *Info) MarshalString() (string, error) {
	b, err := json.Marshal(i)
	if err != nil {
		return "", fmt.Errorf("marshaling error info: %w", err)
	}
	return string(b), nil
}

// UnmarshalInfoString is the inverse of MarshalString.
func UnmarshalInfoString(s string) (*Info, error) {
	var info Info
	if err := json.Unmarshal([]byte(s), &info); err != nil {
		return nil, fmt.Errorf("unmarshaling error info: %w", err)
	}
	return &info, nil
}

func unwrapOnce(err error) error {
	type unwrapper interface{ Unwrap() error }
	if u, ok := err.(unwrapper); ok {
		return u.Unwrap()
	}
	return nil
}

func captureStack(skip int) []string {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(skip+1, pcs)
	if n == 0 {
		return nil
	}
	frames := runtime.CallersFrames(pcs[:n])
	var out []string
	for {
		frame, more := frames.Next()
		out = append(out, fmt.Sprintf("%s (%s:%d)", frame.Function, frame.File, frame.Line))
		if !more {
			break
		}
	}
	return out
}
