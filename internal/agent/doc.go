// Package agent defines what the orchestrator needs to know about the coding
// agents it launches, and the collaborators that supply it.
//
// A [LaunchContract] turns an agent type ("claude", "codex", ...) into a
// concrete executable, arguments and prompt convention. [Registry] is the
// default contract: a table of built-in agents extended by the agents section
// of the configuration file.
//
// A [Bootstrapper] produces the instruction and overlay text written into a
// worker's directory, and an [Interop] adapter optionally bridges workers that
// keep their task state in a foreign format.
package agent
