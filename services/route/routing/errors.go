// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routing

import (
	"errors"

	"github.com/AleutianAI/AleutianRoute/services/route/config"
)

// Per-request conditions. Route never returns these; they are reported
// through RoutingResult.Err and the response error code.
var (
	// ErrOutOfScope means the query is outside the served analytic domain.
	ErrOutOfScope = errors.New("query is out of scope")

	// ErrAmbiguousQuery means no endpoint is a confident match and the caller
	// should ask the user to clarify.
	ErrAmbiguousQuery = errors.New("query is ambiguous")
)

// Degradation conditions. Logged and absorbed; the request still completes.
var (
	// ErrSemanticUnavailable means the semantic layer timed out, was
	// cancelled, or its embedder failed.
	ErrSemanticUnavailable = errors.New("semantic layer unavailable")

	// ErrCacheUnavailable means the result cache could not be used for this
	// request; the result was computed fresh.
	ErrCacheUnavailable = errors.New("result cache unavailable")
)

// ErrIllegalTransition is raised when a stage attempts a state change the
// routing state machine does not allow. It always sends the request to the
// fallback chain.
var ErrIllegalTransition = errors.New("illegal routing state transition")

// ConfigurationError reports a missing or invalid configuration value. It is
// the only error that may stop the service, and only at startup.
type ConfigurationError = config.ConfigurationError

// Error codes carried in responses.
const (
	ErrorCodeOutOfScope = "OUT_OF_SCOPE"
	ErrorCodeAmbiguous  = "AMBIGUOUS_QUERY"
)
