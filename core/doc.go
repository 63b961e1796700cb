// Package core contains the shared domain types of AgentRelay: messages,
// tool invocations, sessions and the store interfaces the orchestration
// layer persists through. Higher level packages (supervisor, agent, engine,
// pipeline) depend on core; core depends on nothing but logging.
package core
