package browser

import (
	"fmt"
	"strings"
	"sync"

	"github.com/chromedp/cdproto/runtime"
)

type Origin int

const (
	OriginHost Origin = iota
	OriginAgent
)

func (o Origin) String() string {
	return [...]string{"host", "agent"}[o]
}

// Fault is an uncaught in-page error tagged with the code that raised it.
type Fault struct {
	Origin  Origin
	Message string
}

func (f *Fault) Error() string {
	return "PAGE ERROR: " + f.Message
}

func (f *Fault) Unwrap() error {
	if f.Origin == OriginHost {
		return ErrHostPageFault
	}
	return nil
}

// scripts tracks the scripts injected by the extraction path.
type scripts struct {
	mu  sync.RWMutex
	ids map[runtime.ScriptID]struct{}
}

func newScripts() *scripts {
	return &scripts{ids: make(map[runtime.ScriptID]struct{})}
}

func (s *scripts) Register(id runtime.ScriptID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids[id] = struct{}{}
}

func (s *scripts) Owns(id runtime.ScriptID) bool {
	if id == "" {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.ids[id]
	return ok
}

// classify tags an exception with the agent origin when it was thrown by, or passed through, an
// injected script.
func classify(d *runtime.ExceptionDetails, s *scripts) *Fault {
	f := &Fault{Origin: OriginHost, Message: describeException(d)}
	if s.Owns(d.ScriptID) {
		f.Origin = OriginAgent
		return f
	}
	if d.StackTrace != nil {
		for _, frame := range d.StackTrace.CallFrames {
			if s.Owns(frame.ScriptID) {
				f.Origin = OriginAgent
				break
			}
		}
	}
	return f
}

func describeException(d *runtime.ExceptionDetails) string {
	msg := d.Text
	if d.Exception != nil && d.Exception.Description != "" {
		msg = strings.SplitN(d.Exception.Description, "\n", 2)[0]
	}
	lines := []string{msg}
	if d.StackTrace != nil && len(d.StackTrace.CallFrames) > 0 {
		lines = append(lines, "TRACE:")
		for _, frame := range d.StackTrace.CallFrames {
			line := fmt.Sprintf(" -> %s: %d", frame.URL, frame.LineNumber+1)
			if frame.FunctionName != "" {
				line += " (in function " + frame.FunctionName + ")"
			}
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}
