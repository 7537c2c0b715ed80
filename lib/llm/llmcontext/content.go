// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package llmcontext

import "fmt"

// WrapExternal fences externally-sourced content between explicit
// begin/end markers naming the source. The model sees exactly where
// untrusted content starts and stops, so instructions embedded in a
// chat message or a tool result cannot masquerade as part of the
// prompt.
func WrapExternal(source, content string) string {
	return fmt.Sprintf("<<<BEGIN %s>>>\n%s\n<<<END %s>>>", source, content, source)
}

// truncationMarker is appended to tool output cut at the size limit.
const truncationMarker = "\n[output truncated]"

// TruncateResult cuts content at maxBytes, appending a marker when it
// does. The cut lands on a UTF-8 rune boundary so the surviving prefix
// stays valid text.
func TruncateResult(content string, maxBytes int) (string, bool) {
	if maxBytes <= 0 || len(content) <= maxBytes {
		return content, false
	}
	cut := maxBytes
	for cut > 0 && !utf8RuneStart(content[cut]) {
		cut--
	}
	return content[:cut] + truncationMarker, true
}

// utf8RuneStart reports whether b can begin a UTF-8 encoded rune.
func utf8RuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
