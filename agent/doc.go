// Package agent runs conversations between a model provider and the tools
// registered by their owners.
//
// A Runtime holds what every conversation shares: the active provider, the
// tool registry, the permission engine and the approval requests waiting
// for an answer. A Conversation holds one history and runs one prompt at a
// time.
//
// # Prompt loop
//
// Conversation.Run appends the prompt, then repeats:
//
//   - send the history, the tool catalog and the system prompt to the provider
//   - forward every event to the caller and collect the tool calls
//   - without tool calls, append the final text and stop
//   - otherwise append one assistant message with the calls, then check
//     permission for each call, dispatch it to its owner and append its
//     result, in the order the model asked
//
// Failed, unknown and denied calls become error results that the model sees
// on its next turn; they never end the prompt. Only a provider error or a
// cancelled context does.
//
// # Approvals
//
// When the permission engine has no stored decision, the runtime creates an
// approval request, hands it to the Broadcaster and waits for Respond. An
// unanswered request expires after the permission timeout and counts as a
// denial. A remembered answer is stored globally or for the page's
// hostname.
//
// # Subpackages
//
// agent/terminal is an interactive command line surface that answers
// approval requests from the keyboard.
package agent
