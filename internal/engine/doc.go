// Package engine defines the boundary between the session controller and a
// debugging engine: targets, launched processes, their lifecycle broadcasts
// and the command interpreter.
//
// Implementations live in subpackages. The dap package drives any Debug
// Adapter Protocol server (lldb-dap, dlv dap); enginetest provides a
// scripted engine for tests.
package engine
