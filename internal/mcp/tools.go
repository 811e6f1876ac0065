package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	gomcp "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// RegisterTools registers all simulator tools on the MCP server.
func RegisterTools(s *server.MCPServer, client *Client) {
	registerStatus(s, client)
	registerHealth(s, client)
	registerAddEnvironment(s, client)
	registerLifecycle(s, client, "start", "Start an environment, or resume a paused one. This is a MUTATING operation.")
	registerLifecycle(s, client, "pause", "Pause a running environment. Queued transactions are kept. This is a MUTATING operation.")
	registerLifecycle(s, client, "stop", "Stop an environment for good. Queued transactions execute, then subscribers see end of stream. This is a MUTATING operation.")
	registerSubmit(s, client)
	registerDeal(s, client)
	registerAccount(s, client)
	registerRemove(s, client)
}

func registerStatus(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("sim_status",
		gomcp.WithDescription("List simulation environments with state, block number, queue depth and agents. Pass a label for one environment."),
		gomcp.WithString("label",
			gomcp.Description("Environment label (default: all)"),
		),
	)
	s.AddTool(tool, statusHandler(client))
}

func statusHandler(client *Client) server.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		if label := req.GetString("label", ""); label != "" {
			raw, err := client.Get(EnvironmentPath(label))
			if err != nil {
				return gomcp.NewToolResultError(fmt.Sprintf("Status failed: %v", err)), nil
			}
			return gomcp.NewToolResultText(formatEnvironment(raw)), nil
		}
		raw, err := client.Get("/v1/environments")
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Simulator unreachable: %v\n\nIs simd running?", err)), nil
		}
		return gomcp.NewToolResultText(formatEnvironments(raw)), nil
	}
}

func registerHealth(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("sim_health",
		gomcp.WithDescription("Readiness check for the simulator daemon. Lists environments that stopped on a fatal error."),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		raw, err := client.Get("/ready")
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Simulator unhealthy: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatHealth(raw)), nil
	})
}

func registerAddEnvironment(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("sim_add_environment",
		gomcp.WithDescription("Create a simulation environment in the initialization state. This is a MUTATING operation."),
		gomcp.WithString("label",
			gomcp.Required(),
			gomcp.Description("Unique environment label"),
		),
		gomcp.WithNumber("block_rate",
			gomcp.Description("Blocks per second; 0 seals a block after every transaction (default 0)"),
		),
		gomcp.WithNumber("seed",
			gomcp.Description("Seed for block randomness (default 0)"),
		),
	)
	s.AddTool(tool, addEnvironmentHandler(client))
}

func addEnvironmentHandler(client *Client) server.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		label, err := req.RequireString("label")
		if err != nil {
			return gomcp.NewToolResultError("label is required"), nil
		}
		rate := req.GetFloat("block_rate", 0)
		if rate < 0 {
			return gomcp.NewToolResultError("block_rate cannot be negative"), nil
		}
		seed := req.GetInt("seed", 0)
		if seed < 0 {
			return gomcp.NewToolResultError("seed cannot be negative"), nil
		}

		raw, err := client.Post("/v1/environments", map[string]any{
			"label":     label,
			"blockRate": rate,
			"seed":      seed,
		})
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Add environment failed: %v", err)), nil
		}
		return gomcp.NewToolResultText("Environment added.\n\n" + formatEnvironment(raw)), nil
	}
}

func registerLifecycle(s *server.MCPServer, client *Client, action, description string) {
	tool := gomcp.NewTool("sim_"+action,
		gomcp.WithDescription(description),
		gomcp.WithString("label",
			gomcp.Required(),
			gomcp.Description("Environment label"),
		),
	)
	s.AddTool(tool, lifecycleHandler(client, action))
}

func lifecycleHandler(client *Client, action string) server.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		label, err := req.RequireString("label")
		if err != nil {
			return gomcp.NewToolResultError("label is required"), nil
		}
		raw, err := client.Post(EnvironmentPath(label, action), nil)
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("%s failed: %v", action, err)), nil
		}
		return gomcp.NewToolResultText(formatEnvironment(raw)), nil
	}
}

func registerSubmit(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("sim_submit",
		gomcp.WithDescription("Submit a transaction and wait for its outcome. Omit 'to' to deploy 'data' as init code. Reverts are reported in the outcome. This is a MUTATING operation."),
		gomcp.WithString("label",
			gomcp.Required(),
			gomcp.Description("Environment label"),
		),
		gomcp.WithString("from",
			gomcp.Required(),
			gomcp.Description("Sender address (0x...)"),
		),
		gomcp.WithString("to",
			gomcp.Description("Recipient or contract address; empty deploys"),
		),
		gomcp.WithString("data",
			gomcp.Description("Calldata or init code as 0x hex"),
		),
		gomcp.WithString("value",
			gomcp.Description("Wei to send, decimal or 0x hex (default 0)"),
		),
		gomcp.WithNumber("gas_limit",
			gomcp.Description("Gas limit (default: block gas limit)"),
		),
	)
	s.AddTool(tool, submitHandler(client))
}

func submitHandler(client *Client) server.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		label, err := req.RequireString("label")
		if err != nil {
			return gomcp.NewToolResultError("label is required"), nil
		}
		from, err := req.RequireString("from")
		if err != nil {
			return gomcp.NewToolResultError("from is required"), nil
		}
		payload := map[string]any{"from": from}
		if v := req.GetString("to", ""); v != "" {
			payload["to"] = v
		}
		if v := req.GetString("data", ""); v != "" {
			payload["data"] = v
		}
		if v := req.GetString("value", ""); v != "" {
			payload["value"] = v
		}
		if v := req.GetInt("gas_limit", 0); v > 0 {
			payload["gasLimit"] = v
		}

		raw, err := client.Post(EnvironmentPath(label, "transactions"), payload)
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Submit failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatOutcome(raw)), nil
	}
}

func registerDeal(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("sim_deal",
		gomcp.WithDescription("Set the balance of an address directly, bypassing transactions. This is a MUTATING operation."),
		gomcp.WithString("label", gomcp.Required(), gomcp.Description("Environment label")),
		gomcp.WithString("address", gomcp.Required(), gomcp.Description("Account address (0x...)")),
		gomcp.WithString("amount", gomcp.Required(), gomcp.Description("New balance in wei, decimal or 0x hex")),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		label, err := req.RequireString("label")
		if err != nil {
			return gomcp.NewToolResultError("label is required"), nil
		}
		address, err := req.RequireString("address")
		if err != nil {
			return gomcp.NewToolResultError("address is required"), nil
		}
		amount, err := req.RequireString("amount")
		if err != nil {
			return gomcp.NewToolResultError("amount is required"), nil
		}
		raw, err := client.Post(EnvironmentPath(label, "deal"), map[string]string{
			"address": address,
			"amount":  amount,
		})
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Deal failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatAccount(raw)), nil
	})
}

func registerAccount(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("sim_account",
		gomcp.WithDescription("Show balance, nonce and code size of an address."),
		gomcp.WithString("label", gomcp.Required(), gomcp.Description("Environment label")),
		gomcp.WithString("address", gomcp.Required(), gomcp.Description("Account address (0x...)")),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		label, err := req.RequireString("label")
		if err != nil {
			return gomcp.NewToolResultError("label is required"), nil
		}
		address, err := req.RequireString("address")
		if err != nil {
			return gomcp.NewToolResultError("address is required"), nil
		}
		raw, err := client.Get(EnvironmentPath(label, "accounts", address))
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Account lookup failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatAccount(raw)), nil
	})
}

func registerRemove(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("sim_remove_environment",
		gomcp.WithDescription("Forget a stopped environment. This is a DESTRUCTIVE operation."),
		gomcp.WithString("label", gomcp.Required(), gomcp.Description("Environment label")),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		label, err := req.RequireString("label")
		if err != nil {
			return gomcp.NewToolResultError("label is required"), nil
		}
		if _, err := client.Delete(EnvironmentPath(label)); err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Remove failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(fmt.Sprintf("Environment %s removed.", label)), nil
	})
}

// Response formatting functions

func formatEnvironments(raw json.RawMessage) string {
	var envs []map[string]any
	if err := decode(raw, &envs); err != nil {
		return fmt.Sprintf("Error parsing environments: %v", err)
	}
	if len(envs) == 0 {
		return section("Environments") + "\nNo environments. Create one with sim_add_environment."
	}

	lines := []string{
		section(fmt.Sprintf("Environments (%d)", len(envs))),
		fmt.Sprintf("%-16s %-15s %10s %8s %7s", "LABEL", "STATE", "BLOCK", "QUEUE", "AGENTS"),
	}
	for _, e := range envs {
		agents, _ := e["agents"].([]any)
		lines = append(lines, fmt.Sprintf("%-16s %-15s %10s %8s %7d",
			getStr(e, "label"),
			getStr(e, "state"),
			formatNumber(getNum(e, "blockNumber")),
			formatNumber(getNum(e, "queueDepth")),
			len(agents)))
	}
	return strings.Join(lines, "\n")
}

func formatEnvironment(raw json.RawMessage) string {
	var m map[string]any
	if err := decode(raw, &m); err != nil {
		return fmt.Sprintf("Error parsing environment: %v", err)
	}

	rate, seed := "", ""
	if p, ok := m["parameters"].(map[string]any); ok {
		rate = getStr(p, "blockRate")
		seed = getStr(p, "seed")
	}
	if rate == "0" {
		rate = "0 (automine)"
	}

	lines := joinLines(
		section("Environment "+getStr(m, "label")),
		kv("State", getStr(m, "state")),
		kv("Block Rate", rate),
		kv("Seed", seed),
		kv("Block", formatNumber(getNum(m, "blockNumber"))),
		kv("Queue Depth", formatNumber(getNum(m, "queueDepth"))),
	)
	if e := getStr(m, "error"); e != "" {
		lines += "\n" + kv("Error", e)
	}

	if agents, ok := m["agents"].([]any); ok && len(agents) > 0 {
		lines += "\n\n" + section("Agents")
		for _, a := range agents {
			if agent, ok := a.(map[string]any); ok {
				lines += fmt.Sprintf("\n  %-12s %-6s %s", getStr(agent, "name"), getStr(agent, "kind"), getStr(agent, "address"))
			}
		}
	}
	return lines
}

func formatOutcome(raw json.RawMessage) string {
	var m map[string]any
	if err := decode(raw, &m); err != nil {
		return fmt.Sprintf("Error parsing outcome: %v", err)
	}

	result := "SUCCESS"
	if !getBool(m, "success") {
		result = "FAILED"
	}
	logs, _ := m["logs"].([]any)

	lines := joinLines(
		section("Transaction "+result),
		kv("Tx Hash", getStr(m, "txHash")),
		kv("Block", formatNumber(getNum(m, "blockNumber"))),
		kv("Gas Used", formatNumber(getNum(m, "gasUsed"))),
		kv("Logs", len(logs)),
	)
	if addr := getStr(m, "contractAddress"); addr != "" {
		lines += "\n" + kv("Contract", addr)
	}
	if e := getStr(m, "error"); e != "" {
		lines += "\n" + kv("Error", e)
	}
	if r := getStr(m, "revertReason"); r != "" {
		lines += "\n" + kv("Revert Reason", r)
	}
	for i, l := range logs {
		entry, ok := l.(map[string]any)
		if !ok {
			continue
		}
		topics, _ := entry["topics"].([]any)
		topic0 := ""
		if len(topics) > 0 {
			topic0, _ = topics[0].(string)
		}
		lines += fmt.Sprintf("\n  [%d] %s topic0=%s", i, getStr(entry, "address"), shortHex(topic0))
	}
	return lines
}

func formatAccount(raw json.RawMessage) string {
	var m map[string]any
	if err := decode(raw, &m); err != nil {
		return fmt.Sprintf("Error parsing account: %v", err)
	}
	return joinLines(
		section("Account "+getStr(m, "address")),
		kv("Balance (wei)", getStr(m, "balance")),
		kv("Nonce", formatNumber(getNum(m, "nonce"))),
		kv("Code Size", formatNumber(getNum(m, "codeSize"))),
	)
}

func formatHealth(raw json.RawMessage) string {
	var m map[string]any
	if err := decode(raw, &m); err != nil {
		return fmt.Sprintf("Error parsing health: %v", err)
	}

	state := "READY"
	if !getBool(m, "ready") {
		state = "NOT READY"
	}

	lines := section("Simulator Health: " + state)

	if checks, ok := m["checks"].([]any); ok {
		for _, c := range checks {
			if check, ok := c.(map[string]any); ok {
				line := fmt.Sprintf("  %-24s %s", getStr(check, "name"), getStr(check, "status"))
				if errMsg := getStr(check, "error"); errMsg != "" {
					line += " - " + errMsg
				}
				lines += "\n" + line
			}
		}
	}

	return lines
}
