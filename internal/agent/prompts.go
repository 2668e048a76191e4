package agent

// Fixed conversation strings. These are part of the engine's contract
// with the model and with embedding UIs; changing them changes observed
// model behavior, so they stay verbatim across releases.
const (
	// InterruptMessage is appended as a user message when the turn is
	// cancelled before any tool execution.
	InterruptMessage = "[Request interrupted by user]"

	// InterruptMessageForToolUse marks a tool batch that was cancelled
	// mid-flight.
	InterruptMessageForToolUse = "[Request interrupted by user for tool use]"

	// NoContentMessage stands in for an assistant message whose text
	// content came back empty.
	NoContentMessage = "(no content)"
)

// compactionNotice opens the compacted history. The summary that
// follows it is the assistant message produced by the compression call.
const compactionNotice = "[Context Compression Notice] This conversation was compressed to free " +
	"context space. The assistant message below summarizes everything that happened before " +
	"this point; treat it as the authoritative record of the earlier conversation and continue " +
	"the work from it."

// truncationNotice opens a truncated history when summarization failed
// and messages had to be dropped instead.
const truncationNotice = "[Context Truncation Notice] Earlier messages in this conversation were " +
	"removed to fit the context window. The conversation continues below; ask the user if " +
	"context that was removed turns out to be needed."

// compressionPrompt asks the model to fold the whole conversation into
// a structured summary. The section names are load-bearing; downstream
// consumers and future turns pattern-match on them.
const compressionPrompt = `Your task is to create a detailed summary of the conversation so far, paying close attention to the user's explicit requests and your previous actions. This summary will replace the full conversation history, so it must be thorough enough that work can continue seamlessly from it alone.

Before writing the summary, review the conversation chronologically and identify: every explicit user request, your approach to each, key technical decisions and code patterns, and the precise state of the current task. Be especially careful to capture exact filenames, full code snippets where they matter, function signatures, and file edits.

Write the summary with the following sections, in this order:

1. Primary Request and Intent: Capture all of the user's explicit requests and intents in detail.

2. Key Technical Concepts: List all important technical concepts, technologies, and frameworks discussed.

3. Files and Code Sections: Enumerate specific files and code sections examined, modified, or created. Include full code snippets where they are important for continuing, and note why each file or change matters.

4. Errors and fixes: List all errors that you ran into and how you fixed them. Include any user feedback on the fixes.

5. Problem Solving: Document problems solved so far and any ongoing troubleshooting efforts.

6. All user messages: List every non-tool-result user message. These record the user's feedback and changing intent and must not be lost.

7. Pending Tasks: Outline any tasks the user has explicitly asked for that are not yet done.

8. Current Work: Describe precisely what was being worked on immediately before this summary, with file names and code snippets where relevant.

9. Optional Next Step: State the next step, if any, that directly continues the most recent work. Quote the most recent conversation verbatim where it defines that step, so there is no drift from the user's actual request. Do not invent a next step that was not already underway or explicitly requested.

Output only the summary. Do not add commentary before or after it.`

// subagentNotes is appended to every subagent system prompt after the
// agent config's own prompt.
const subagentNotes = `Notes:
- You are running as a subagent launched for one self-contained task. Complete the task and report back in a single final message; there is no follow-up round.
- Your final message is the only thing returned to the caller. Make it a complete, self-contained report of what you did and found.
- You cannot ask the user questions. If something is ambiguous, make a reasonable assumption and state it in your report.
- Do not attempt to communicate outside your final report.`
