// Copyright 2025-2026 ForwardX Labs
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package relay implements the stealth forwarding pipeline: multi-identity
// session routing, deterministic content normalization, trap detection with
// automatic pair suspension, and cross-platform message-identity mapping that
// keeps edits and deletes synchronized.
//
// # Core Types
//
// [SessionPool] owns the authenticated source identities and their persistent
// event feeds, tracks health, and binds pairs to sessions.
//
// [Router] resolves incoming platform events to their pairs and drives the
// per-message pipeline through a single-consumer ordered queue per pair.
//
// [Cleaner] applies the deterministic stealth normalization pipeline to text
// and strips metadata from images before forwarding.
//
// [TrapDetector] evaluates content against the [BlockRuleStore] and tracks
// edit velocity, suspending pairs that trip the edit threshold.
//
// [Forwarder] performs destination writes with bounded retry and classifies
// failures as transient or fatal.
//
// # Echo of the event flow
//
// A session feed event enters Router.Dispatch, which enqueues it on every
// matching pair's queue. The pair worker then runs trap checks, cleaning,
// the destination write, and the mapping update, emitting Activity records
// along the way. Different pairs run fully in parallel; events for one pair
// are strictly ordered.
package relay
