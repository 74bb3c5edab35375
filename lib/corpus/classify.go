// Copyright 2026 The Lore Authors
// SPDX-License-Identifier: Apache-2.0

package corpus

import (
	"path"
	"strings"

	"github.com/alecthomas/chroma/v2/lexers"
)

// analyseWindow caps the content prefix handed to chroma's content
// analyser. Filename matching handles nearly everything; analysis is
// only a fallback for extensionless files.
const analyseWindow = 2048

// classifyLanguage tags a source file with a lowercase language name
// from chroma's lexer registry, matching on filename first and content
// second. Returns "" when neither identifies one.
func classifyLanguage(origin string, content []byte) string {
	lexer := lexers.Match(path.Base(origin))
	if lexer == nil {
		window := content
		if len(window) > analyseWindow {
			window = window[:analyseWindow]
		}
		lexer = lexers.Analyse(string(window))
	}
	if lexer == nil {
		return ""
	}
	return strings.ToLower(lexer.Config().Name)
}

// categoryFor groups entries by the top-level directory of their
// origin. Files at the corpus root have no category.
func categoryFor(origin string) string {
	slash := strings.IndexByte(origin, '/')
	if slash < 0 {
		return ""
	}
	return origin[:slash]
}
