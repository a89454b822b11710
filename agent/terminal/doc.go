// Package terminal implements the interactive command line surface.
//
// The user types prompts and reads the streamed answer. Tool calls that need
// permission are confirmed on the same terminal:
//
//   - y: run this call once
//   - n: refuse this call once
//   - a: always allow the tool
//   - v: never allow the tool
//
// Remembered answers for domain-aware tools can be scoped to the page's
// hostname (see Terminal.SetPage). Typing /quit or /exit ends the session.
//
// # Verbosity
//
//   - none: only the model's text is shown
//   - info: tool names and failures are shown
//   - all: tool arguments and output are shown too
package terminal
