// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command netmeta runs frequentist network meta-analyses.
//
// Usage:
//
//	netmeta analyze contrasts.csv
//	netmeta analyze contrasts.yaml --format json --out report.json
//	netmeta rank contrasts.csv --n-boot 5000 --seed 42
//	netmeta validate contrasts.json
//	netmeta watch contrasts.csv
//	netmeta serve --config netmeta.yaml
//
// Settings come from the config file (default ./netmeta.yaml when present),
// then NMA_* environment variables, then command-line flags.
//
// Exit codes:
//
//	0  success
//	1  invalid input or failed analysis
//	2  usage or configuration error
package main

import (
	"errors"
	"os"
)

func main() {
	os.Exit(exitCode(execute(newRootCmd(), os.Stderr)))
}

// exitCode maps a command error onto the process exit code.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errUsage):
		return 2
	default:
		return 1
	}
}
