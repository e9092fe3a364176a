package agent

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/argus-ops/argus/internal/config"
	"github.com/argus-ops/argus/internal/tools"
)

// infrastructureTools lists the CLI tools probed for at prompt build time,
// grouped by category.
var infrastructureTools = map[string][]string{
	"network_discovery": {"nmap", "arp-scan", "masscan", "rustscan", "zmap"},
	"network_analysis":  {"tcpdump", "tshark", "wireshark", "ngrep"},
	"dns_tools":         {"dig", "nslookup", "host", "dnsenum", "dnsrecon"},
	"cloud_cli":         {"aws", "az", "gcloud", "kubectl", "terraform", "ansible", "pulumi"},
	"container_tools":   {"docker", "podman", "kubectl", "helm", "docker-compose"},
	"monitoring":        {"top", "htop", "netstat", "ss", "lsof", "iotop", "iftop"},
	"network_utilities": {"ping", "traceroute", "mtr", "curl", "wget", "nc", "netcat", "telnet", "ssh"},
	"system_info":       {"ps", "systemctl", "service", "uptime", "df", "free", "uname"},
}

// DetectAvailableTools probes PATH for known infrastructure CLI tools and
// returns the found ones grouped by category.
func DetectAvailableTools() map[string][]string {
	available := make(map[string][]string)
	for category, candidates := range infrastructureTools {
		var found []string
		for _, name := range candidates {
			if _, err := exec.LookPath(name); err == nil {
				found = append(found, name)
			}
		}
		if len(found) > 0 {
			available[category] = found
		}
	}
	return available
}

// GraphSummary builds a lightweight summary of the infrastructure graph
// for system prompt injection. Query failures degrade to a minimal note.
func GraphSummary(ctx context.Context, repo tools.GraphRepository) string {
	const fallback = `## Infrastructure Graph Summary
- Graph data available via graph_query tool
- Use queries to explore nodes, relationships, and metadata
`
	if repo == nil {
		return ""
	}

	counts, err := repo.RunQuery(ctx, `
        MATCH (n)
        WHERE n.node_id IS NOT NULL
        RETURN labels(n)[0] AS label, count(n) AS count
        ORDER BY count DESC`, nil)
	if err != nil {
		return fallback
	}
	samples, err := repo.RunQuery(ctx, `
        MATCH (n)
        WHERE n.node_id IS NOT NULL
        RETURN n.node_id AS id
        LIMIT 3`, nil)
	if err != nil {
		return fallback
	}
	networks, err := repo.RunQuery(ctx, `
        MATCH (n:NetworkContainer)
        WHERE n.cidr IS NOT NULL
        RETURN n.cidr AS cidr
        LIMIT 5`, nil)
	if err != nil {
		return fallback
	}

	total := 0
	var breakdown []string
	for i, record := range counts {
		count := asInt(record["count"])
		total += count
		if i < 4 {
			breakdown = append(breakdown, fmt.Sprintf("%d %v", count, record["label"]))
		}
	}
	var sampleIDs []string
	for _, record := range samples {
		id := fmt.Sprint(record["id"])
		if len(id) > 8 {
			id = id[:8] + "..."
		}
		sampleIDs = append(sampleIDs, id)
	}
	var cidrs []string
	for _, record := range networks {
		cidrs = append(cidrs, fmt.Sprint(record["cidr"]))
	}

	return fmt.Sprintf(`## Infrastructure Graph Summary (as of %s)
- Total nodes: %d (%s)
- Sample node IDs: %s
- Active networks: %s
`,
		time.Now().UTC().Format("2006-01-02 15:04 UTC"),
		total,
		strings.Join(breakdown, ", "),
		orNone(sampleIDs),
		orNone(cidrs))
}

// BuildSystemPrompt assembles the assistant system prompt: environment
// probe, detected CLI tools, graph summary, tool listing, query reference
// and the active sandbox permissions.
func BuildSystemPrompt(ctx context.Context, toolset []tools.Tool, policy config.SandboxConfig, repo tools.GraphRepository) string {
	var toolLines []string
	for _, tool := range toolset {
		desc := tool.Description()
		if idx := strings.IndexByte(desc, '\n'); idx >= 0 {
			desc = desc[:idx]
		}
		toolLines = append(toolLines, fmt.Sprintf("- %s: %s", tool.Name(), desc))
	}

	allowed := "all"
	if policy.AllowedTools != nil {
		allowed = strings.Join(policy.AllowedTools, ", ")
		if allowed == "" {
			allowed = "(empty allowlist)"
		}
	}
	blocked := "none"
	if len(policy.BlockedTools) > 0 {
		blocked = strings.Join(policy.BlockedTools, ", ")
	}

	hostname, _ := os.Hostname()
	shell := "bash"
	if runtime.GOOS == "windows" {
		shell = "PowerShell"
	}

	available := DetectAvailableTools()
	categories := make([]string, 0, len(available))
	for category := range available {
		categories = append(categories, category)
	}
	sort.Strings(categories)
	var cliLines []string
	for _, category := range categories {
		cliLines = append(cliLines, fmt.Sprintf("  %s: %s", category, strings.Join(available[category], ", ")))
	}
	cliSummary := "  (no infrastructure tools detected)"
	if len(cliLines) > 0 {
		cliSummary = strings.Join(cliLines, "\n")
	}

	return fmt.Sprintf(`You are Argus, a network and infrastructure assistant.

## Operating Environment
- OS: %s
- Architecture: %s
- Runtime: %s
- Hostname: %s
- Shell: %s

## Available CLI Tools
%s

%s

## IMPORTANT: Always Check the Graph First

**The infrastructure graph contains discovered network data from scans.** Before running manual
network discovery:
1. Query the graph using `+"`graph_query`"+` to see what's already discovered
2. Check for networks, assets, and their metadata
3. Only use manual tools (nmap, etc.) if the graph lacks the specific information needed

The graph is your PRIMARY data source for network infrastructure information.

## Available Tools
%s

## Neo4j Graph Reference

The infrastructure graph uses Neo4j 5.x with the following structure:

**Node Types:**
- Asset (hosts, services) - has `+"`node_id`, `kind`, `metadata`"+` (JSON string)
- NetworkContainer (networks) - has `+"`node_id`, `cidr`"+`
- Identity (users, accounts) - has `+"`node_id`, `name`, `kind`"+`
- Policy (rules) - has `+"`node_id`, `name`, `rule_type`"+`

**Relationships:**
- MEMBER_OF (Asset -> NetworkContainer)
- CONNECTS_TO (Asset -> Asset)
- HAS_IDENTITY (Asset -> Identity)
- GOVERNED_BY (Asset/Network -> Policy)

**Metadata Handling:**
The `+"`metadata`"+` field is a JSON string, not a map. Parse after retrieval, and search
with CONTAINS to avoid JSON formatting issues (for example
`+"`WHERE a.metadata CONTAINS 'Samsung'`"+`).

**Notes:**
- Use `+"`WHERE n.node_id IS NOT NULL`"+` to filter auxiliary nodes
- Use `+"`IS NOT NULL`"+` instead of deprecated `+"`exists()`"+`
- Parameterize inputs: `+"`WHERE a.node_id = $param`"+`
- Add LIMIT to prevent overwhelming results

## Output Guidelines

When presenting technical data to users:
- Use human-readable identifiers (IPs, hostnames) from metadata, not raw UUIDs
- Format results clearly (tables, lists, summaries)
- Parse JSON metadata strings to extract meaningful fields

## Todo Workflow

When working with todo items:
1. **Create** todos for multi-step tasks by calling the `+"`todo`"+` tool with action "set"
2. **Execute immediately** - once a todo is created, start working on it in the next iteration
3. **Mark progress** - call `+"`todo`"+` with action "complete" when finishing each item, or "skip"
   if blocked
4. **Never ask permission** - do not ask "Want me to run it now?" or similar questions
5. **Stay focused** - work through the todo list without unnecessary intermediate messages

The todo tool is for YOUR planning and tracking, not for soliciting user input.

## Sandbox Permissions
- allow_shell: %t
- allow_network: %t
- allow_file_write: %t
- allowed_tools: %s
- blocked_tools: %s
`,
		runtime.GOOS,
		runtime.GOARCH,
		runtime.Version(),
		hostname,
		shell,
		cliSummary,
		GraphSummary(ctx, repo),
		strings.Join(toolLines, "\n"),
		policy.AllowShell,
		policy.AllowNetwork,
		policy.AllowFileWrite,
		allowed,
		blocked,
	)
}

func asInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

func orNone(values []string) string {
	if len(values) == 0 {
		return "none"
	}
	return strings.Join(values, ", ")
}
