// Package ir provides the shared data model of the DCOP runtime.
//
// This package contains type definitions and pure helpers only. All other
// internal packages import ir; ir imports nothing internal, which keeps it
// the foundational layer with no circular dependencies.
//
// Key design constraints:
//   - Computation and constraint definitions are plain serializable structs so
//     the same values can be deployed to in-process agents and to agent nodes
//     reached over HTTP.
//   - Messages are cycle indexed. (cycle, from, to, kind) identifies a message
//     and is the de-duplication key on the receiving side.
//   - All JSON and YAML tags use snake_case.
package ir
