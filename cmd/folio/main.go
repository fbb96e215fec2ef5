// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command folio is a terminal client for a running Folio orchestrator.
//
// # Usage
//
//	folio ask "What has Alex built with Go?"
//	folio ask --session 3f0c... "And before that?"
//	folio history 3f0c...
//	folio search --limit 3 kubernetes
//	folio notify --email me@example.com --message "Let's talk"
//
// The server address comes from --server or FOLIO_SERVER.
package main

import (
	"os"

	"github.com/AleutianAI/AleutianFolio/pkg/ux"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		reportError(ux.NewPrinter(os.Stderr), err)
		os.Exit(1)
	}
}

// reportError prints err once. Commands silence cobra's own printing so
// rate limits read as a warning rather than a failure.
func reportError(p *ux.Printer, err error) {
	if isRateLimited(err) {
		p.Warning(err.Error())
		return
	}
	p.Error(err.Error())
}
