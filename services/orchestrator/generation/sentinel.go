// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package generation

import "strings"

// SentinelFilter strips ConnectMarker from a token stream.
//
// # Description
//
// Tokens arrive in arbitrary fragments, so the marker may be split across
// several of them ("[[CONN", "ECT_REQ", "UEST]]"). The filter holds back any
// trailing text that could still be the start of the marker and releases it
// once it is proven not to be. Found reports whether the marker was seen.
//
// # Thread Safety
//
// Not safe for concurrent use; one filter belongs to one stream.
type SentinelFilter struct {
	marker  string
	pending string
	found   bool
}

func NewSentinelFilter() *SentinelFilter {
	return &SentinelFilter{marker: ConnectMarker}
}

// Write consumes a token and returns the text that is safe to show.
func (f *SentinelFilter) Write(token string) string {
	buf := f.pending + token
	f.pending = ""

	var out strings.Builder
	for {
		idx := strings.Index(buf, f.marker)
		if idx < 0 {
			break
		}
		f.found = true
		out.WriteString(buf[:idx])
		buf = buf[idx+len(f.marker):]
	}

	hold := partialMarkerSuffix(buf, f.marker)
	out.WriteString(buf[:len(buf)-hold])
	f.pending = buf[len(buf)-hold:]
	return out.String()
}

// Flush returns any held-back text at end of stream. A dangling partial
// marker is released as ordinary text.
func (f *SentinelFilter) Flush() string {
	out := f.pending
	f.pending = ""
	return out
}

// Found reports whether the marker appeared anywhere in the stream.
func (f *SentinelFilter) Found() bool {
	return f.found
}

// partialMarkerSuffix returns the length of the longest suffix of s that is
// a proper prefix of marker.
func partialMarkerSuffix(s, marker string) int {
	for n := min(len(marker)-1, len(s)); n > 0; n-- {
		if strings.HasSuffix(s, marker[:n]) {
			return n
		}
	}
	return 0
}
