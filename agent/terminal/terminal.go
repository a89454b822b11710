package terminal

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/m4xw311/toolhub/agent"
	"github.com/m4xw311/toolhub/errors"
	"github.com/m4xw311/toolhub/llm"
	"github.com/m4xw311/toolhub/permission"
	"github.com/m4xw311/toolhub/tools"
	"go.uber.org/zap"
)

type Verbosity string

const (
	VerbosityNone Verbosity = "none"
	VerbosityInfo Verbosity = "info"
	VerbosityAll  Verbosity = "all"
)

// ParseVerbosity accepts none, info or all.
func ParseVerbosity(s string) (Verbosity, error) {
	switch v := Verbosity(strings.ToLower(s)); v {
	case VerbosityNone, VerbosityInfo, VerbosityAll:
		return v, nil
	case "":
		return VerbosityInfo, nil
	default:
		return "", errors.New("invalid tool verbosity %q, must be none, info or all", s)
	}
}

var (
	bold   = color.New(color.Bold).SprintfFunc()
	cyan   = color.New(color.FgCyan).SprintfFunc()
	yellow = color.New(color.FgYellow).SprintfFunc()
	red    = color.New(color.FgRed).SprintfFunc()
	grey   = color.New(color.FgHiBlack).SprintfFunc()
)

// Terminal is an interactive surface on a line-based reader and writer. It
// answers permission requests by asking on the same terminal.
type Terminal struct {
	rt        *agent.Runtime
	conv      *agent.Conversation
	scanner   *bufio.Scanner
	out       io.Writer
	verbosity Verbosity
	pageCtx   tools.Context
	logger    *zap.Logger

	printed int // length of the streamed text already written
}

// New creates a terminal for conv and registers it as rt's surface.
func New(rt *agent.Runtime, conv *agent.Conversation, in io.Reader, out io.Writer, verbosity Verbosity, logger *zap.Logger) *Terminal {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Terminal{
		rt:        rt,
		conv:      conv,
		scanner:   bufio.NewScanner(in),
		out:       out,
		verbosity: verbosity,
		logger:    logger,
	}
	rt.SetBroadcaster(t)
	return t
}

// SetPage sets the page context sent with every prompt, so domain-aware
// tools can be tried from the command line.
func (t *Terminal) SetPage(url string) {
	t.pageCtx = tools.Context{URL: url}
}

// Run reads prompts until EOF or /quit. An initial prompt is processed first.
func (t *Terminal) Run(ctx context.Context, initialPrompt string) error {
	if initialPrompt != "" {
		if err := t.processTurn(ctx, initialPrompt); err != nil {
			return err
		}
	}

	for {
		fmt.Fprint(t.out, bold("You: "))
		if !t.scanner.Scan() {
			break
		}
		userInput := strings.TrimSpace(t.scanner.Text())
		if userInput == "" {
			continue
		}
		if userInput == "/quit" || userInput == "/exit" {
			break
		}
		if err := t.processTurn(ctx, userInput); err != nil {
			fmt.Fprintln(t.out, red("Error: %v", err))
		}
	}
	return t.scanner.Err()
}

func (t *Terminal) processTurn(ctx context.Context, userInput string) error {
	err := t.conv.Run(ctx, userInput, t.pageCtx, t.onEvent)
	if s := t.conv.Session(); s.Persistent() {
		if saveErr := s.Save(); saveErr != nil {
			fmt.Fprintln(t.out, yellow("Warning: failed to save session: %v", saveErr))
		}
	}
	return err
}

func (t *Terminal) onEvent(e llm.Event) {
	switch ev := e.(type) {
	case llm.MessageStart:
		t.printed = 0
		fmt.Fprint(t.out, cyan("toolhub: "))
	case llm.MessageUpdate:
		if len(ev.Text) > t.printed {
			fmt.Fprint(t.out, ev.Text[t.printed:])
			t.printed = len(ev.Text)
		}
	case llm.MessageComplete:
		if len(ev.Text) > t.printed {
			fmt.Fprint(t.out, ev.Text[t.printed:])
		}
		fmt.Fprintln(t.out)
	case llm.ToolUse:
		switch t.verbosity {
		case VerbosityAll:
			fmt.Fprintf(t.out, "\n%s wants to call tool %s with args: %s\n", cyan("toolhub"), bold(ev.Call.Name), formatArgs(ev.Call.Input))
		case VerbosityInfo:
			fmt.Fprintf(t.out, "\n%s wants to call tool %s\n", cyan("toolhub"), bold(ev.Call.Name))
		}
	case llm.ToolResult:
		if ev.Result.IsError() && t.verbosity != VerbosityNone {
			fmt.Fprintln(t.out, red("Tool %s failed: %s", ev.Call.Name, ev.Result.Error))
		} else if t.verbosity == VerbosityAll {
			fmt.Fprintln(t.out, grey("Tool %s output: %s", ev.Call.Name, ev.Result.Text()))
		}
	case llm.Error:
		fmt.Fprintln(t.out)
	}
}

// RequestPermission asks on the terminal and answers req immediately. It is
// called from the goroutine running the prompt, which owns the reader.
func (t *Terminal) RequestPermission(req agent.PermissionRequest) int {
	a := t.ask(req)
	if !t.rt.Respond(req.RequestID, a) {
		t.logger.Warn("permission answer arrived after the request ended", zap.String("request_id", req.RequestID))
	}
	return 1
}

func (t *Terminal) ask(req agent.PermissionRequest) agent.Approval {
	fmt.Fprintf(t.out, "\n%s\n", bold(yellow("Tool call requires confirmation")))
	fmt.Fprintf(t.out, "%s%s\n", bold(req.ToolName), grey(" %s", formatArgs(req.Params)))
	if req.Domain != "" {
		fmt.Fprintf(t.out, "on %s\n", bold(req.Domain))
	}
	fmt.Fprint(t.out, yellow("Allow? ([y]es/[n]o/[a]lways/ne[v]er): "))

	var a agent.Approval
	switch t.readAnswer() {
	case "y", "yes":
		a.Granted = true
	case "a", "always":
		a.Granted, a.Remember = true, true
	case "v", "never":
		a.Remember = true
	default:
		return a
	}
	if !a.Remember {
		return a
	}

	a.Scope = permission.ScopeGlobal
	if req.Domain != "" {
		fmt.Fprint(t.out, yellow("Remember for [g]lobal or [d]omain %s? ", req.Domain))
		if ans := t.readAnswer(); ans == "d" || ans == "domain" {
			a.Scope = permission.ScopeDomain
		}
	}
	return a
}

func (t *Terminal) readAnswer() string {
	if !t.scanner.Scan() {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(t.scanner.Text()))
}

func formatArgs(input map[string]any) string {
	if len(input) == 0 {
		return "{}"
	}
	data, err := json.Marshal(input)
	if err != nil {
		return fmt.Sprintf("%v", input)
	}
	return string(data)
}
