// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package instance implements the per-instance connection lifecycle
// controller: the state machine that drives authentication-code issuance,
// reacts to disconnects, and keeps one protocol session alive per tenant.
//
// # Core Types
//
// [Session] owns exactly one [protocol.Client] at a time and runs a
// self-contained connect/reconnect loop for the lifetime of the instance.
// Protocol events are consumed one at a time from the client's ordered
// channel, so a code-issued event is never processed concurrently with a
// session-open event for the same instance.
//
// [State] is a point-in-time snapshot of the controller, safe to hand to
// status queries. The authentication artifact appears in a snapshot only
// while the session is awaiting a code and the artifact is still within its
// validity window.
//
// # Initial Result
//
// Instance creation blocks on [Session.WaitInitial] until the first of four
// outcomes: a code is issued, the session opens without a code, the session
// closes terminally, or the caller's deadline elapses. Exactly one outcome
// resolves the wait; the controller keeps running regardless of which one it
// was. A creation timeout therefore does not stop the reconnect loop, and
// the instance may still become reachable later.
//
// # Reconnect Policy
//
// Every non-terminal closure schedules a redial after a fixed backoff,
// indefinitely. There is no attempt cap and no backoff growth; only an
// explicit remote log-out or a local Terminate ends the loop.
package instance
