// Copyright 2024 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Command ilcover is a thin development aid for exercising the engine
// locally: it is not a coverage-suite driver, has no configuration file
// support, and assumes its caller already knows which module to point
// it at. It runs a single instrument call against one module and
// prints the resulting instrumentation map as indented JSON.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/ilcover/ilcover"
)

func prettyPrint(buf []byte) string {
	var out bytes.Buffer
	if err := json.Indent(&out, buf, "", "\t"); err != nil {
		return string(buf)
	}
	return out.String()
}

func runInstrument(cmd *cobra.Command, args []string) {
	modulePath := args[0]

	identifier, _ := cmd.Flags().GetString("identifier")
	excludeFilters, _ := cmd.Flags().GetStringSlice("exclude")
	includeFilters, _ := cmd.Flags().GetStringSlice("include")
	excludedFiles, _ := cmd.Flags().GetStringSlice("exclude-file")

	in := ilcover.New(modulePath, identifier, excludeFilters, includeFilters, excludedFiles)
	if !in.CanInstrument() {
		log.Fatalf("cannot instrument %s: no symbol sidecar next to module", modulePath)
	}

	result, err := in.Instrument()
	if err != nil {
		log.Fatalf("instrument %s: %s", modulePath, err)
	}

	out, _ := json.Marshal(result)
	fmt.Println(prettyPrint(out))
}

func main() {
	var identifier string
	var excludeFilters, includeFilters, excludedFiles []string

	rootCmd := &cobra.Command{
		Use:   "ilcover",
		Short: "A bytecode coverage instrumentation engine",
		Long:  "ilcover rewrites a managed-code module in place so every executable source line and conditional branch increments a counter in a per-module hit table at runtime.",
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version number",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("ilcover 0.1.0")
		},
	}

	instrumentCmd := &cobra.Command{
		Use:   "instrument <module>",
		Short: "Instrument a module and print the resulting instrumentation map",
		Args:  cobra.ExactArgs(1),
		Run:   runInstrument,
	}
	instrumentCmd.Flags().StringVarP(&identifier, "identifier", "i", defaultIdentifier(), "opaque token unique across concurrent instrument runs")
	instrumentCmd.Flags().StringSliceVar(&excludeFilters, "exclude", nil, "glob patterns of fully-qualified type names to exclude")
	instrumentCmd.Flags().StringSliceVar(&includeFilters, "include", nil, "glob patterns of fully-qualified type names to include")
	instrumentCmd.Flags().StringSliceVar(&excludedFiles, "exclude-file", nil, "source document paths to skip")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(instrumentCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

// defaultIdentifier derives a stable default from the process id so a
// one-off local run doesn't require callers to invent a token
// themselves; a real driver always supplies its own.
func defaultIdentifier() string {
	return fmt.Sprintf("%d", os.Getpid())
}
