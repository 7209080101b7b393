// Package build implements the Build Driver (C3): detects a repository's
// build system and runs its compile/test commands as subprocesses, mirroring
// the teacher's BashTool subprocess lifecycle (process group, timeout,
// output capture) rather than shelling out through a persistent session.
package build

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"
)

// System identifies a detected build tooling family.
type System string

const (
	SystemMaven   System = "maven"
	SystemGradle  System = "gradle"
	SystemNPM     System = "npm"
	SystemGo      System = "go"
	SystemUnknown System = "unknown"
)

const (
	DefaultTimeout  = 10 * time.Minute
	MaxTimeout      = 30 * time.Minute
	MaxOutputLength = 200_000
)

// Result is the outcome of a single compile or test subprocess run.
type Result struct {
	System     System
	Command    string
	ExitCode   int
	Output     string
	Duration   time.Duration
	TimedOut   bool
	Compiled   bool
}

// manifestFiles maps a build system to the manifest file that signals its
// presence at a repository root, checked in table order so a repo carrying
// more than one manifest resolves deterministically.
var manifestFiles = []struct {
	system System
	names  []string
}{
	{SystemMaven, []string{"pom.xml"}},
	{SystemGradle, []string{"build.gradle", "build.gradle.kts", "settings.gradle", "settings.gradle.kts"}},
	{SystemGo, []string{"go.mod"}},
	{SystemNPM, []string{"package.json"}},
}

// Detect inspects a repository root for a recognized manifest file.
func Detect(repoRoot string) (System, error) {
	for _, m := range manifestFiles {
		for _, name := range m.names {
			if _, err := os.Stat(filepath.Join(repoRoot, name)); err == nil {
				return m.system, nil
			}
		}
	}
	return SystemUnknown, fmt.Errorf("build: no recognized manifest found under %s", repoRoot)
}

// compileCommands and testCommands are the default command lines per build
// system, replaced by a non-empty override command line passed to Compile or
// RunTests.
var compileCommands = map[System]string{
	SystemMaven:  "mvn -q -DskipTests compile",
	SystemGradle: "./gradlew compileJava -q",
	SystemNPM:    "npm run build --if-present",
	SystemGo:     "go build ./...",
}

var testCommands = map[System]string{
	SystemMaven:  "mvn -q test",
	SystemGradle: "./gradlew test -q",
	SystemNPM:    "npm test --if-present",
	SystemGo:     "go test ./...",
}

// Compile runs the build system's compile step against repoRoot. An empty
// override falls back to the system's default command.
func Compile(ctx context.Context, repoRoot string, sys System, override string) (*Result, error) {
	cmd := override
	if cmd == "" {
		cmd = compileCommands[sys]
	}
	if cmd == "" {
		return nil, fmt.Errorf("build: no compile command known for system %q", sys)
	}
	res, err := run(ctx, repoRoot, cmd, DefaultTimeout)
	if res != nil {
		res.System = sys
		res.Compiled = err == nil && res.ExitCode == 0 && !res.TimedOut
	}
	return res, err
}

// RunTests runs the build system's test step against repoRoot.
func RunTests(ctx context.Context, repoRoot string, sys System, override string) (*Result, error) {
	cmd := override
	if cmd == "" {
		cmd = testCommands[sys]
	}
	if cmd == "" {
		return nil, fmt.Errorf("build: no test command known for system %q", sys)
	}
	res, err := run(ctx, repoRoot, cmd, DefaultTimeout)
	if res != nil {
		res.System = sys
	}
	return res, err
}

// run parses a shell command line and executes it through an interp.Runner
// against the real OS (build tools need an actual filesystem and PATH, so
// unlike go-memsh's afero-backed shell this runner talks to the host
// directly), honoring shell operators like && and pipes in custom build
// commands the job scope may supply.
func run(ctx context.Context, dir, commandLine string, timeout time.Duration) (*Result, error) {
	if timeout <= 0 || timeout > MaxTimeout {
		timeout = DefaultTimeout
	}

	file, err := syntax.NewParser().Parse(strings.NewReader(commandLine), "build")
	if err != nil {
		return nil, fmt.Errorf("build: cannot parse command %q: %w", commandLine, err)
	}

	var out bytes.Buffer
	runner, err := interp.New(
		interp.Dir(dir),
		interp.Env(expand.ListEnviron(os.Environ()...)),
		interp.StdIO(nil, &out, &out),
	)
	if err != nil {
		return nil, fmt.Errorf("build: cannot construct runner: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	runErr := runner.Run(runCtx, file)
	elapsed := time.Since(start)

	timedOut := runCtx.Err() == context.DeadlineExceeded

	outStr := out.String()
	if len(outStr) > MaxOutputLength {
		outStr = outStr[:MaxOutputLength] + "\n\n(output truncated)"
	}
	if timedOut {
		outStr += fmt.Sprintf("\n\n(command timed out after %s)", timeout)
	}

	exitCode := 0
	var status interp.ExitStatus
	switch {
	case errors.As(runErr, &status):
		exitCode = int(status)
	case runErr != nil && !timedOut:
		exitCode = 1
		outStr += fmt.Sprintf("\n\nerror: %v", runErr)
	}

	return &Result{
		Command:  commandLine,
		ExitCode: exitCode,
		Output:   outStr,
		Duration: elapsed,
		TimedOut: timedOut,
	}, nil
}

// TestTotals carries the factual run/passed/failed/skipped counts the
// Build Driver extracted from a test run's own output, independent of
// anything a caller (including an LLM summarizing the same output) reports.
type TestTotals struct {
	Run     int
	Passed  int
	Failed  int
	Skipped int
}

// surefireSummary matches Maven Surefire's and Gradle's shared summary line
// shape: "Tests run: 12, Failures: 1, Errors: 0, Skipped: 2".
var surefireSummary = regexp.MustCompile(`Tests run:\s*(\d+),\s*Failures:\s*(\d+),\s*Errors:\s*(\d+),\s*Skipped:\s*(\d+)`)

// jestSummary matches Jest's "Tests:" summary line, e.g.
// "Tests:       1 failed, 2 skipped, 9 passed, 12 total".
var jestSummary = regexp.MustCompile(`Tests:\s*(.+)`)

// goTestLine matches one "--- PASS: Name" / "--- FAIL: Name" / "--- SKIP: Name" line.
var goTestLine = regexp.MustCompile(`(?m)^\s*--- (PASS|FAIL|SKIP): `)

// ParseTestTotals extracts factual test counts from a test run's captured
// output, using the summary format each detected build system's default
// test command is known to print. It never consults anything other than
// the literal output text: the caller (internal/agent.Validator) is
// responsible for never letting an LLM's own claimed totals override what
// this returns.
func ParseTestTotals(sys System, output string) TestTotals {
	switch sys {
	case SystemMaven, SystemGradle:
		if m := surefireSummary.FindStringSubmatch(output); m != nil {
			run, _ := strconv.Atoi(m[1])
			failures, _ := strconv.Atoi(m[2])
			errs, _ := strconv.Atoi(m[3])
			skipped, _ := strconv.Atoi(m[4])
			failed := failures + errs
			return TestTotals{Run: run, Passed: run - failed - skipped, Failed: failed, Skipped: skipped}
		}
	case SystemNPM:
		if m := jestSummary.FindStringSubmatch(output); m != nil {
			return parseJestCounts(m[1])
		}
	case SystemGo:
		matches := goTestLine.FindAllStringSubmatch(output, -1)
		if len(matches) > 0 {
			var totals TestTotals
			for _, m := range matches {
				totals.Run++
				switch m[1] {
				case "PASS":
					totals.Passed++
				case "FAIL":
					totals.Failed++
				case "SKIP":
					totals.Skipped++
				}
			}
			return totals
		}
	}
	return TestTotals{}
}

// jestCountField matches one "<n> <label>" clause of a Jest summary line,
// e.g. "9 passed" or "1 failed".
var jestCountField = regexp.MustCompile(`(\d+)\s+(passed|failed|skipped|total)`)

func parseJestCounts(line string) TestTotals {
	var totals TestTotals
	for _, m := range jestCountField.FindAllStringSubmatch(line, -1) {
		n, _ := strconv.Atoi(m[1])
		switch m[2] {
		case "passed":
			totals.Passed = n
		case "failed":
			totals.Failed = n
		case "skipped":
			totals.Skipped = n
		case "total":
			totals.Run = n
		}
	}
	return totals
}
