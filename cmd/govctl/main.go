package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/fatih/color"

	"gatekernel/pkg/evidence"
	"gatekernel/pkg/trace"
)

const usage = "usage: govctl chain verify --export <path> | govctl trace verify --trace <path>"

func main() {
	if len(os.Args) < 3 {
		failSummary(usage)
		os.Exit(2)
	}
	switch os.Args[1] + " " + os.Args[2] {
	case "chain verify":
		runChainVerify(os.Args[3:])
	case "trace verify":
		runTraceVerify(os.Args[3:])
	default:
		failSummary(usage)
		os.Exit(2)
	}
}

func runChainVerify(args []string) {
	fs := flag.NewFlagSet("chain verify", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	exportPath := fs.String("export", "", "path to exported chain json")
	if err := fs.Parse(args); err != nil {
		os.Exit(2)
	}
	if *exportPath == "" {
		failSummary(usage)
		os.Exit(2)
	}
	b, err := os.ReadFile(*exportPath)
	if err != nil {
		failSummary(err.Error())
		os.Exit(1)
	}
	exp, err := evidence.ParseExport(b)
	if err != nil {
		failSummary("malformed export: " + err.Error())
		os.Exit(1)
	}

	report := evidence.VerifyEntries(exp.Entries)
	if report.OverallValid {
		color.New(color.FgGreen, color.Bold).Printf("VERIFIED")
		fmt.Printf("  %d entries, head %s\n", report.TotalEntries, shortHash(exp.HeadHash))
		return
	}
	color.New(color.FgRed, color.Bold).Printf("INVALID")
	fmt.Printf("  %d entries, %d violations\n", report.TotalEntries, len(report.Violations))
	for _, idx := range report.Violations {
		fmt.Printf("  entry %d: hash or linkage mismatch\n", idx)
	}
	failSummary(fmt.Sprintf("chain integrity violated at entry %d", report.Violations[0]))
	os.Exit(1)
}

func runTraceVerify(args []string) {
	fs := flag.NewFlagSet("trace verify", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	tracePath := fs.String("trace", "", "path to exported trace json")
	if err := fs.Parse(args); err != nil {
		os.Exit(2)
	}
	if *tracePath == "" {
		failSummary(usage)
		os.Exit(2)
	}
	b, err := os.ReadFile(*tracePath)
	if err != nil {
		failSummary(err.Error())
		os.Exit(1)
	}
	exp, err := trace.ParseExport(b)
	if err != nil {
		failSummary("malformed trace: " + err.Error())
		os.Exit(1)
	}
	if err := trace.VerifyExport(exp); err != nil {
		color.New(color.FgRed, color.Bold).Printf("INVALID")
		fmt.Printf("  %s\n", exp.TraceID)
		failSummary(err.Error())
		os.Exit(1)
	}
	color.New(color.FgGreen, color.Bold).Printf("VERIFIED")
	fmt.Printf("  %s trace_hash %s\n", exp.TraceID, shortHash(exp.TraceHash))
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

// failSummary emits one machine-readable line on stderr, mirroring the
// JSON envelope the service uses.
func failSummary(message string) {
	b, _ := json.Marshal(map[string]any{"ok": false, "message": message})
	fmt.Fprintln(os.Stderr, string(b))
}
