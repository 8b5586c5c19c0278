// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package config

import (
	"fmt"

	"github.com/spf13/pflag"
)

func BuildFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("relayer", pflag.ContinueOnError)
	fs.String(ConfigFileKey, "", "Specifies the relayer config file")
	fs.BoolP(VersionKey, "", false, "Display relayer version")
	fs.BoolP(HelpKey, "", false, "Display relayer usage")
	return fs
}

func DisplayUsageText() {
	usageText := "Usage: relayer run [options]\n\n" +
		"Options:\n" +
		"  --config-file  path to the relayer config file (or CONFIG_FILE environment variable)\n" +
		"  --version      display the relayer version\n" +
		"  --help         display this help text\n\n" +
		"Every top-level config key may also be set through an environment variable,\n" +
		"upper-cased with hyphens replaced by underscores, e.g. ACCOUNT_PRIVATE_KEY."
	fmt.Println(usageText)
}
