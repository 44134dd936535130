// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command dtg operates a docker compose network testbed.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/AleutianAI/dtg/cmd/dtg/internal/tui"
	"github.com/AleutianAI/dtg/cmd/dtg/internal/util"
)

// version is set with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		if !errors.Is(err, tui.ErrCancelled) {
			fmt.Fprintf(os.Stderr, "dtg: %v\n", err)
		}
		os.Exit(exitCode(err))
	}
}

// exitCode maps the error taxonomy onto process exit codes.
func exitCode(err error) int {
	if errors.Is(err, tui.ErrCancelled) {
		return 130
	}
	switch util.Kind(err) {
	case util.KindNone:
		return 0
	case util.KindInvalidInput:
		return 2
	case util.KindBusy, util.KindPrecondition:
		return 3
	case util.KindNotFound:
		return 4
	case util.KindRuntimeUnavailable:
		return 5
	case util.KindUnsupported:
		return 6
	default:
		return 1
	}
}
