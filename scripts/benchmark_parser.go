package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// BenchmarkResult represents a parsed benchmark result.
type BenchmarkResult struct {
	Name        string
	Operation   string
	Size        string
	Impl        string // backend name, e.g. "split" or "twinkle"
	Iterations  int
	NsPerOp     float64
	BytesPerOp  int64
	AllocsPerOp int64
}

// ComparisonResult represents a comparison between two backends.
type ComparisonResult struct {
	Operation       string
	Size            string
	CandidateNs     float64
	BaselineNs      float64
	Speedup         float64
	CandidateMem    int64
	BaselineMem     int64
	CandidateAllocs int64
	BaselineAllocs  int64
	CandidateOnly   bool
}

var (
	inputFile = flag.String(
		"input",
		"",
		"Input file with benchmark output (stdin if not specified)",
	)
	outputFile = flag.String("output", "", "Output markdown file (stdout if not specified)")
	candidate  = flag.String("candidate", "split", "Backend being measured")
	baseline   = flag.String("baseline", "twinkle", "Backend to compare against")
	quiet      = flag.Bool("quiet", false, "Suppress progress output")
)

// Regex to parse benchmark output lines
// BenchmarkAllocFree/split/page-8    500000    2450 ns/op    96 B/op    3 allocs/op
var benchmarkRegex = regexp.MustCompile(
	`^(Benchmark\S+)\s+(\d+)\s+([\d.]+)\s+ns/op(?:\s+([\d.]+)\s+(?:B|MB)/op)?(?:\s+([\d.]+)\s+allocs/op)?`,
)

func main() {
	flag.Parse()

	// Read benchmark output
	var scanner *bufio.Scanner
	if *inputFile != "" {
		f, err := os.Open(*inputFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening input file: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		scanner = bufio.NewScanner(f)
	} else {
		scanner = bufio.NewScanner(os.Stdin)
	}

	results := parseBenchmarks(scanner)
	if !*quiet {
		fmt.Fprintf(os.Stderr, "Parsed %d benchmark results\n", len(results))
	}

	comparisons := generateComparisons(results, *candidate, *baseline)
	if !*quiet {
		fmt.Fprintf(os.Stderr, "Generated %d comparisons\n", len(comparisons))
	}

	report := generateMarkdownReport(comparisons, *candidate, *baseline)

	if *outputFile == "" {
		fmt.Fprint(os.Stdout, report)
		return
	}
	if err := os.WriteFile(*outputFile, []byte(report), 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing output file: %v\n", err)
		os.Exit(1)
	}
	if !*quiet {
		fmt.Fprintf(os.Stderr, "Report written to %s\n", *outputFile)
	}
}

func parseBenchmarks(scanner *bufio.Scanner) []BenchmarkResult {
	var results []BenchmarkResult

	for scanner.Scan() {
		line := scanner.Text()

		// Try to parse as JSON (from -json flag)
		var testEvent map[string]any
		if err := json.Unmarshal([]byte(line), &testEvent); err == nil {
			if output, ok := testEvent["Output"].(string); ok {
				line = output
			}
		}

		matches := benchmarkRegex.FindStringSubmatch(strings.TrimSpace(line))
		if matches == nil {
			continue
		}

		name := matches[1]
		iterations, _ := strconv.Atoi(matches[2])
		nsPerOp, _ := strconv.ParseFloat(matches[3], 64)

		var bytesPerOp, allocsPerOp int64
		if matches[4] != "" {
			bytesPerOp, _ = strconv.ParseInt(matches[4], 10, 64)
		}
		if matches[5] != "" {
			allocsPerOp, _ = strconv.ParseInt(matches[5], 10, 64)
		}

		// Format: Benchmark<Operation>/<impl>/<size>-<procs>
		// Or: Benchmark<Operation>/<size>-<procs> for benchmarks with one backend
		parts := strings.Split(name, "/")
		operation := strings.TrimPrefix(parts[0], "Benchmark")
		impl := ""
		if len(parts) >= 3 {
			impl = parts[1]
		}

		results = append(results, BenchmarkResult{
			Name:        name,
			Operation:   operation,
			Size:        trimProcs(parts[len(parts)-1]),
			Impl:        impl,
			Iterations:  iterations,
			NsPerOp:     nsPerOp,
			BytesPerOp:  bytesPerOp,
			AllocsPerOp: allocsPerOp,
		})
	}

	return results
}

// trimProcs removes the -GOMAXPROCS suffix from a benchmark name element.
func trimProcs(s string) string {
	if i := strings.LastIndex(s, "-"); i > 0 {
		if _, err := strconv.Atoi(s[i+1:]); err == nil {
			return s[:i]
		}
	}
	return s
}

func generateComparisons(results []BenchmarkResult, cand, base string) []ComparisonResult {
	type key struct {
		operation string
		size      string
	}

	grouped := make(map[key]map[string]BenchmarkResult)
	for _, result := range results {
		k := key{result.Operation, result.Size}
		if grouped[k] == nil {
			grouped[k] = make(map[string]BenchmarkResult)
		}
		impl := result.Impl
		if impl == "" {
			impl = cand
		}
		grouped[k][impl] = result
	}

	var comparisons []ComparisonResult
	for k, impls := range grouped {
		c, hasCand := impls[cand]
		b, hasBase := impls[base]

		switch {
		case hasCand && hasBase:
			comparisons = append(comparisons, ComparisonResult{
				Operation:       k.operation,
				Size:            k.size,
				CandidateNs:     c.NsPerOp,
				BaselineNs:      b.NsPerOp,
				Speedup:         b.NsPerOp / c.NsPerOp,
				CandidateMem:    c.BytesPerOp,
				BaselineMem:     b.BytesPerOp,
				CandidateAllocs: c.AllocsPerOp,
				BaselineAllocs:  b.AllocsPerOp,
			})
		case hasCand:
			comparisons = append(comparisons, ComparisonResult{
				Operation:       k.operation,
				Size:            k.size,
				CandidateNs:     c.NsPerOp,
				CandidateMem:    c.BytesPerOp,
				CandidateAllocs: c.AllocsPerOp,
				CandidateOnly:   true,
			})
		}
	}

	// Sort by operation then size
	sort.Slice(comparisons, func(i, j int) bool {
		if comparisons[i].Operation != comparisons[j].Operation {
			return comparisons[i].Operation < comparisons[j].Operation
		}
		return comparisons[i].Size < comparisons[j].Size
	})

	return comparisons
}

func generateMarkdownReport(comparisons []ComparisonResult, cand, base string) string {
	var sb strings.Builder

	sb.WriteString("# Benchmark Report\n\n")
	fmt.Fprintf(&sb, "Generated: %s\n\n", time.Now().Format("2006-01-02 15:04:05"))

	candFaster, baseFaster, candOnly := 0, 0, 0
	totalSpeedup := 0.0
	for _, comp := range comparisons {
		if comp.CandidateOnly {
			candOnly++
			continue
		}
		if comp.Speedup > 1.0 {
			candFaster++
		} else if comp.Speedup < 1.0 {
			baseFaster++
		}
		totalSpeedup += comp.Speedup
	}

	comparableCount := len(comparisons) - candOnly
	avgSpeedup := 0.0
	if comparableCount > 0 {
		avgSpeedup = totalSpeedup / float64(comparableCount)
	}

	sb.WriteString("## Summary\n\n")
	fmt.Fprintf(&sb, "- **Total benchmarks**: %d\n", len(comparisons))
	fmt.Fprintf(&sb, "- **Comparable** (both backends): %d\n", comparableCount)
	if comparableCount > 0 {
		fmt.Fprintf(&sb, "  - %s faster: %d (%.1f%%)\n", cand, candFaster, float64(candFaster)/float64(comparableCount)*100)
		fmt.Fprintf(&sb, "  - %s faster: %d (%.1f%%)\n", base, baseFaster, float64(baseFaster)/float64(comparableCount)*100)
		fmt.Fprintf(&sb, "  - Average speedup: **%.2fx**\n", avgSpeedup)
	}
	fmt.Fprintf(&sb, "- **%s only**: %d\n\n", cand, candOnly)

	sb.WriteString("## Detailed Results\n\n")
	fmt.Fprintf(&sb, "| Operation | Size | %s (ns/op) | %s (ns/op) | Speedup | Memory (B/op) | Allocs |\n", cand, base)
	sb.WriteString("|-----------|------|-----------|-----------|---------|---------------|--------|\n")

	for _, comp := range comparisons {
		if comp.CandidateOnly {
			fmt.Fprintf(&sb, "| %s | %s | %s | *N/A* | *%s only* | %s | %s |\n",
				comp.Operation,
				comp.Size,
				formatNumber(comp.CandidateNs),
				cand,
				formatBytes(comp.CandidateMem),
				formatNumber(float64(comp.CandidateAllocs)),
			)
			continue
		}

		indicator := "✓"
		speedupStyle := "**"
		if comp.Speedup < 1.0 {
			indicator = "✗"
			speedupStyle = ""
		}
		fmt.Fprintf(&sb, "| %s | %s | %s | %s | %s%.2fx%s %s | %s vs %s%s | %s vs %s%s |\n",
			comp.Operation,
			comp.Size,
			formatNumber(comp.CandidateNs),
			formatNumber(comp.BaselineNs),
			speedupStyle,
			comp.Speedup,
			speedupStyle,
			indicator,
			formatBytes(comp.CandidateMem),
			formatBytes(comp.BaselineMem),
			lowerIsBetter(comp.CandidateMem, comp.BaselineMem),
			formatNumber(float64(comp.CandidateAllocs)),
			formatNumber(float64(comp.BaselineAllocs)),
			lowerIsBetter(comp.CandidateAllocs, comp.BaselineAllocs),
		)
	}

	sb.WriteString("\n## Notes\n\n")
	fmt.Fprintf(&sb, "- **Speedup > 1.0**: %s is faster ✓\n", cand)
	fmt.Fprintf(&sb, "- **Speedup < 1.0**: %s is faster ✗\n", base)
	sb.WriteString("- **Memory comparison**: Lower is better\n")
	sb.WriteString("- **Allocations**: Fewer is better\n")
	sb.WriteString("- **twinkle** never reuses freed memory, so its numbers exclude merge work\n")

	return sb.String()
}

func lowerIsBetter(c, b int64) string {
	switch {
	case c < b:
		return " ✓"
	case c > b:
		return " ✗"
	default:
		return ""
	}
}

func formatNumber(n float64) string {
	if n >= 1000000 {
		return fmt.Sprintf("%.2fM", n/1000000)
	} else if n >= 1000 {
		return fmt.Sprintf("%.1fK", n/1000)
	}
	return fmt.Sprintf("%.0f", n)
}

func formatBytes(b int64) string {
	if b >= 1024*1024 {
		return fmt.Sprintf("%.2fMB", float64(b)/(1024*1024))
	} else if b >= 1024 {
		return fmt.Sprintf("%.1fKB", float64(b)/1024)
	}
	return fmt.Sprintf("%dB", b)
}
