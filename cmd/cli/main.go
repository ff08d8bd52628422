package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	apiKey    string
	language  string
	memoryMB  int
	cpuMs     int
	wallMs    int
	inputs    []string
	nonStrict bool
	skipCheck bool
)

func main() {
	root := &cobra.Command{
		Use:   "sandbox-cli",
		Short: "CLI client for secure-code-sandbox",
	}

	root.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "Server URL")
	root.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("SANDBOX_API_KEY"), "API key")

	// Static analysis
	analyzeCmd := &cobra.Command{
		Use:   "analyze [code]",
		Short: "Analyze code structure and metrics without running it",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runAnalyze,
	}
	analyzeCmd.Flags().StringVarP(&language, "language", "l", "python", "Language (python, javascript, typescript)")
	root.AddCommand(analyzeCmd)

	// Security validation
	validateCmd := &cobra.Command{
		Use:   "validate [code]",
		Short: "Run security validation without executing",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runValidate,
	}
	validateCmd.Flags().StringVarP(&language, "language", "l", "python", "Language (python, javascript, typescript)")
	root.AddCommand(validateCmd)

	// Execute command
	execCmd := &cobra.Command{
		Use:   "exec [code]",
		Short: "Execute code in the sandbox",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runExec,
	}
	addExecFlags(execCmd)
	root.AddCommand(execCmd)

	// Execute from file
	execFileCmd := &cobra.Command{
		Use:   "exec-file [file]",
		Short: "Execute code from a file",
		Args:  cobra.ExactArgs(1),
		RunE:  runExecFile,
	}
	addExecFlags(execFileCmd)
	root.AddCommand(execFileCmd)

	// Health check
	root.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE:  runHealth,
	})

	// List executions
	root.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List recent executions",
		RunE:  runList,
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func addExecFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&language, "language", "l", "", "Language (auto-detected from extension for exec-file, default python)")
	cmd.Flags().IntVar(&memoryMB, "memory", 0, "Memory limit in MB (0 = server default)")
	cmd.Flags().IntVar(&cpuMs, "cpu-ms", 0, "CPU time limit in ms (0 = server default)")
	cmd.Flags().IntVar(&wallMs, "wall-ms", 0, "Wall clock limit in ms (0 = server default)")
	cmd.Flags().StringArrayVarP(&inputs, "input", "i", nil, "Replayed stdin line (repeatable)")
	cmd.Flags().BoolVar(&nonStrict, "non-strict", false, "Run even when security validation fails")
	cmd.Flags().BoolVar(&skipCheck, "skip-validation", false, "Skip security validation entirely")
}

func codeFromArgsOrStdin(args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("reading stdin: %w", err)
	}
	return string(data), nil
}

func runAnalyze(_ *cobra.Command, args []string) error {
	code, err := codeFromArgsOrStdin(args)
	if err != nil {
		return err
	}
	return postAndPrint("/api/v1/analyze", map[string]any{
		"language": language,
		"code":     code,
	}, nil)
}

func runValidate(_ *cobra.Command, args []string) error {
	code, err := codeFromArgsOrStdin(args)
	if err != nil {
		return err
	}
	return postAndPrint("/api/v1/validate", map[string]any{
		"language": language,
		"code":     code,
	}, func(result map[string]any) {
		if valid, ok := result["is_valid"].(bool); ok && !valid {
			os.Exit(1)
		}
	})
}

func runExec(_ *cobra.Command, args []string) error {
	code, err := codeFromArgsOrStdin(args)
	if err != nil {
		return err
	}
	if language == "" {
		language = "python"
	}
	return executeCode(code, language)
}

func runExecFile(_ *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading file: %w", err)
	}

	// Auto-detect language from extension
	if language == "" {
		switch ext := fileExtension(args[0]); ext {
		case ".py":
			language = "python"
		case ".js":
			language = "javascript"
		case ".ts":
			language = "typescript"
		default:
			return fmt.Errorf("cannot detect language for extension %q, use --language flag", ext)
		}
	}

	return executeCode(string(data), language)
}

func executeCode(code, lang string) error {
	payload := map[string]any{
		"code":     code,
		"language": lang,
	}
	if len(inputs) > 0 {
		payload["inputs"] = inputs
	}
	limits := map[string]any{}
	if memoryMB > 0 {
		limits["memory_mb"] = memoryMB
	}
	if cpuMs > 0 {
		limits["cpu_time_ms"] = cpuMs
	}
	if wallMs > 0 {
		limits["wall_clock_ms"] = wallMs
	}
	if len(limits) > 0 {
		payload["limits"] = limits
	}
	if nonStrict {
		strict := false
		payload["strict_security_mode"] = strict
	}
	if skipCheck {
		payload["skip_security_validation"] = true
	}

	return postAndPrint("/api/v1/execute", payload, func(result map[string]any) {
		// Exit with the sandbox exit code
		if exitCode, ok := result["exit_code"].(float64); ok && exitCode != 0 {
			os.Exit(int(exitCode))
		}
		if success, ok := result["success"].(bool); ok && !success {
			os.Exit(1)
		}
	})
}

func postAndPrint(path string, payload map[string]any, after func(map[string]any)) error {
	body, _ := json.Marshal(payload)

	req, err := http.NewRequest("POST", serverURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	client := &http.Client{Timeout: 130 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	var result map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	formatted, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(formatted))

	if after != nil {
		after(result)
	}
	return nil
}

func runHealth(_ *cobra.Command, _ []string) error {
	resp, err := http.Get(serverURL + "/health")
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	var result map[string]any
	json.NewDecoder(resp.Body).Decode(&result)
	formatted, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(formatted))
	return nil
}

func runList(_ *cobra.Command, _ []string) error {
	req, _ := http.NewRequest("GET", serverURL+"/api/v1/executions", nil)
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	var result any
	json.NewDecoder(resp.Body).Decode(&result)
	formatted, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(formatted))
	return nil
}

func fileExtension(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '.' {
			return path[i:]
		}
	}
	return ""
}
