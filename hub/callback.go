// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package hub

// CallbackType tags deferred system callbacks. The values live in the
// system-internal event tag space and are only meaningful for debugging;
// dispatch keys on the callback function itself. Subsystems define their own
// tags in disjoint subranges (0xF1xx sensors, 0xF2xx host link).
type CallbackType uint16

const (
	CallbackNanoappLoad CallbackType = iota + 0xF000
	CallbackNanoappUnload
	CallbackDeferred
)
