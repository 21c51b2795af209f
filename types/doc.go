// Copyright (c) ShellBox Authors.
// Licensed under the MIT License.

/*
Package types provides the shared type contracts of the shellbox runtime.

types is the lowest-level public package and depends on no other shellbox
package. All cross-package records, enums and the structured error system
live here to avoid import cycles.

Core types:

  - Error / ErrorCode — structured error system with a kind discriminator,
    checked identically regardless of transport
  - Unit              — one isolated execution environment owned by the pool
  - Session           — the binding between a conversation and a unit
  - ExecResult        — outcome of a single command execution
  - FileInfo          — workspace file metadata
  - PoolStats         — pool occupancy snapshot
  - ValidationResult  — verdict of the command safety gate
*/
package types
