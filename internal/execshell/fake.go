package execshell

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Call records one command the fake received.
type Call struct {
	Name string
	Args []string
}

// Line renders the call as a single command line for matching.
func (c Call) Line() string {
	return strings.Join(append([]string{c.Name}, c.Args...), " ")
}

// Fake is a scripted Runner for tests. Responses are matched by
// command-line prefix, first match wins; unmatched commands succeed
// with empty output.
type Fake struct {
	mu        sync.Mutex
	responses []fakeResponse
	calls     []Call
}

type fakeResponse struct {
	prefix string
	result Result
	err    error
	once   bool
	used   bool
}

// NewFake creates an empty scripted runner.
func NewFake() *Fake { return &Fake{} }

// Respond registers a scripted result for command lines starting with
// prefix.
func (f *Fake) Respond(prefix string, result Result) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, fakeResponse{prefix: prefix, result: result})
	return f
}

// RespondOnce registers a scripted result consumed by the first
// matching command; later matches fall through to other responses.
func (f *Fake) RespondOnce(prefix string, result Result) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, fakeResponse{prefix: prefix, result: result, once: true})
	return f
}

// RespondErr registers a spawn failure for command lines starting with
// prefix.
func (f *Fake) RespondErr(prefix string, err error) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, fakeResponse{prefix: prefix, err: err})
	return f
}

// Run matches the command line against the scripted responses.
func (f *Fake) Run(_ context.Context, _ time.Duration, name string, args ...string) (Result, error) {
	call := Call{Name: name, Args: args}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)

	line := call.Line()
	for i := range f.responses {
		r := &f.responses[i]
		if r.once && r.used {
			continue
		}
		if strings.HasPrefix(line, r.prefix) {
			r.used = true
			return r.result, r.err
		}
	}
	return Result{ExitCode: 0}, nil
}

// Calls returns everything the fake has executed so far.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallLines returns the executed command lines in order.
func (f *Fake) CallLines() []string {
	calls := f.Calls()
	lines := make([]string, len(calls))
	for i, c := range calls {
		lines[i] = c.Line()
	}
	return lines
}
