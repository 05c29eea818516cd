// Copyright 2026 The Canopy Authors
// SPDX-License-Identifier: Apache-2.0

// Package binhash computes content digests of surface binaries.
//
// The supervisor hashes a surface's executable at spawn time and logs
// the digest alongside the surface identity. When a surface crashes,
// the digest in the termination log answers "which build was that?"
// without trusting the binary's own version reporting — relevant when
// surfaces are redeployed while the supervisor keeps running.
//
// BLAKE3 is used for speed: surface binaries are tens of megabytes and
// spawning should not stall on hashing.
package binhash
