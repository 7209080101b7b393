package tool

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"

	einotool "github.com/cloudwego/eino/components/tool"
)

// Finding is a single static-scan hit, surfaced to the Validator runner in
// internal/agent through its static_scan tool.
type Finding struct {
	Line    int    `json:"line"`
	Snippet string `json:"snippet"`
	Message string `json:"message"`
}

// scanRule is one closed, named pattern the scan tool looks for, the same
// shape as the teacher's dangerous-bash-command table but aimed at source
// lines instead of shell invocations.
type scanRule struct {
	name    string
	pattern *regexp.Regexp
	message string
}

var magicNumberRule = regexp.MustCompile(`[^A-Za-z0-9_."']\b(?:[2-9]\d{2,}|\d{5,})\b[^A-Za-z0-9_."']`)

var credentialRules = []scanRule{
	{"hardcoded-password", regexp.MustCompile(`(?i)(password|passwd|pwd)\s*[:=]\s*["'][^"']{3,}["']`), "possible hardcoded credential"},
	{"hardcoded-api-key", regexp.MustCompile(`(?i)(api[_-]?key|secret|token)\s*[:=]\s*["'][A-Za-z0-9_\-]{12,}["']`), "possible hardcoded API key or secret"},
	{"aws-key", regexp.MustCompile(`AKIA[0-9A-Z]{16}`), "AWS access key literal"},
}

var cryptoRules = []scanRule{
	{"weak-hash-md5", regexp.MustCompile(`(?i)\bMD5\b`), "MD5 is not collision-resistant; avoid for security-sensitive hashing"},
	{"weak-hash-sha1", regexp.MustCompile(`(?i)\bSHA-?1\b`), "SHA-1 is deprecated for security-sensitive hashing"},
	{"weak-cipher-des", regexp.MustCompile(`(?i)\bDES\b`), "DES is not a secure cipher"},
	{"ecb-mode", regexp.MustCompile(`(?i)\bECB\b`), "ECB mode leaks plaintext structure"},
}

var sqlConcatRule = regexp.MustCompile(`(?i)(SELECT|INSERT|UPDATE|DELETE)[^;"']{0,200}(["'][^"']*)?["']\s*\+`)

var namingRules = []scanRule{
	{"single-letter-identifier", regexp.MustCompile(`\b(?:class|interface|function|def|public class|public interface)\s+[a-zA-Z]\b(?:\s*[({:])`), "single-letter type or function name hurts readability"},
}

// ScanTool runs a single named static check against a file's content.
type ScanTool struct {
	repoRoot string
}

type ScanInput struct {
	FilePath string `json:"filePath"`
	Check    string `json:"check"` // magic_numbers | credentials | crypto | sql_concat | naming | missing_validation
}

func NewScanTool(repoRoot string) *ScanTool {
	return &ScanTool{repoRoot: repoRoot}
}

func (t *ScanTool) ID() string { return "static_scan" }
func (t *ScanTool) Description() string {
	return `Runs a closed-pattern static check (magic_numbers, credentials, crypto, sql_concat, naming, missing_validation) against a file and reports line-numbered findings.`
}

func (t *ScanTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"filePath": {"type": "string", "description": "Path to the file, relative to the repository root"},
			"check": {"type": "string", "description": "One of: magic_numbers, credentials, crypto, sql_concat, naming, missing_validation"}
		},
		"required": ["filePath", "check"]
	}`)
}

func (t *ScanTool) Execute(ctx context.Context, input json.RawMessage, toolCtx *Context) (*Result, error) {
	var params ScanInput
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}

	root := t.repoRoot
	if toolCtx != nil && toolCtx.WorkDir != "" {
		root = toolCtx.WorkDir
	}
	full, err := resolveWithinRoot(root, params.FilePath)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full)
	if err != nil {
		return nil, fmt.Errorf("static_scan: %w", err)
	}
	defer f.Close()

	var findings []Finding
	switch params.Check {
	case "magic_numbers":
		findings = scanLines(f, []scanRule{{"magic-number", magicNumberRule, "magic number should be a named constant"}})
	case "credentials":
		findings = scanLines(f, credentialRules)
	case "crypto":
		findings = scanLines(f, cryptoRules)
	case "sql_concat":
		findings = scanLines(f, []scanRule{{"sql-concat", sqlConcatRule, "SQL built via string concatenation; use parameterized queries"}})
	case "naming":
		findings = scanLines(f, namingRules)
	case "missing_validation":
		findings = scanMissingValidation(f)
	default:
		return nil, fmt.Errorf("static_scan: unknown check %q", params.Check)
	}

	out, _ := json.Marshal(findings)
	title := fmt.Sprintf("%s: %d finding(s) in %s", params.Check, len(findings), params.FilePath)

	return &Result{
		Title:  title,
		Output: string(out),
		Metadata: map[string]any{
			"file": params.FilePath, "check": params.Check, "count": len(findings),
		},
	}, nil
}

func scanLines(f *os.File, rules []scanRule) []Finding {
	var findings []Finding
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "//") || strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, "*") {
			continue
		}
		for _, rule := range rules {
			if rule.pattern.MatchString(" " + line + " ") {
				findings = append(findings, Finding{Line: lineNum, Snippet: trimmed, Message: rule.message})
			}
		}
	}
	return findings
}

// publicMethodSignature matches a public-looking method/function header
// whose parameter list is non-empty, a coarse proxy for "takes input" used
// to flag candidates lacking any nearby validation keyword.
var publicMethodSignature = regexp.MustCompile(`(?i)\b(public|func|def)\b[^(){]*\(([^)]+)\)`)
var validationKeyword = regexp.MustCompile(`(?i)\b(valid|require|assert|check|must|panic|raise|throw)`)

// scanMissingValidation flags method signatures that take parameters but
// show no validation-flavored keyword in the following few lines.
func scanMissingValidation(f *os.File) []Finding {
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}

	var findings []Finding
	const lookahead = 5
	for i, line := range lines {
		m := publicMethodSignature.FindStringSubmatch(line)
		if m == nil || strings.TrimSpace(m[2]) == "" {
			continue
		}
		end := min(i+lookahead, len(lines))
		window := strings.Join(lines[i:end], "\n")
		if !validationKeyword.MatchString(window) {
			findings = append(findings, Finding{
				Line:    i + 1,
				Snippet: strings.TrimSpace(line),
				Message: "parameterized method has no nearby input validation",
			})
		}
	}
	return findings
}

func (t *ScanTool) EinoTool() einotool.InvokableTool {
	return &einoToolWrapper{tool: t, ctx: &Context{WorkDir: t.repoRoot}}
}
