// Copyright (c) 2026 ShellBox Authors.
// Licensed under the MIT License.

// Package testutil provides shared helpers for shellbox tests: bounded
// test contexts and a scriptable in-memory runtime fake with error
// injection, so pool, session, engine and transfer tests never touch a
// real container daemon.
package testutil
