// Command fetchctl is the operator CLI for the job platform.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	base := os.Getenv("PAGEGRAB_API_URL")
	if base == "" {
		base = "http://localhost:8080"
	}
	authMode := os.Getenv("PAGEGRAB_AUTH_MODE")

	switch os.Args[1] {
	case "submit":
		cmdSubmit(base, authMode)
	case "status":
		cmdStatus(base)
	case "cancel":
		cmdCancel(base)
	case "stats":
		cmdStats(base)
	case "version":
		fmt.Printf("fetchctl v%s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`fetchctl v` + version + `

Usage: fetchctl <command> [flags]

Commands:
  submit    Submit a fetch job
  status    Get job status
  cancel    Cancel a job
  stats     Show queue statistics
  version   Print version
  help      Show this help

Environment:
  PAGEGRAB_API_URL     API base URL (default: http://localhost:8080)
  PAGEGRAB_AUTH_MODE   Authorization mode header (public|internal|privileged)

Examples:
  fetchctl submit --domain example.com --url https://example.com/page
  fetchctl submit --domain example.com --url https://example.com --strategy stealth --priority 1
  fetchctl status <job-id>
  fetchctl cancel <job-id>
  fetchctl stats`)
}

func cmdSubmit(base, authMode string) {
	var domain, url, strategy, priority, idempotencyKey, payloadJSON string

	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--domain", "-d":
			i++
			if i < len(args) {
				domain = args[i]
			}
		case "--url", "-u":
			i++
			if i < len(args) {
				url = args[i]
			}
		case "--strategy", "-s":
			i++
			if i < len(args) {
				strategy = args[i]
			}
		case "--priority", "-p":
			i++
			if i < len(args) {
				priority = args[i]
			}
		case "--idempotency-key", "-k":
			i++
			if i < len(args) {
				idempotencyKey = args[i]
			}
		case "--payload":
			i++
			if i < len(args) {
				payloadJSON = args[i]
			}
		}
	}

	if domain == "" || url == "" {
		fmt.Fprintln(os.Stderr, "Error: --domain and --url are required")
		os.Exit(1)
	}

	target := fmt.Sprintf("%s/jobs?domain=%s&url=%s", base, domain, url)
	if strategy != "" {
		target += "&strategy=" + strategy
	}
	if priority != "" {
		target += "&priority=" + priority
	}
	if idempotencyKey != "" {
		target += "&idempotency_key=" + idempotencyKey
	}

	resp, err := doRequest("POST", target, []byte(payloadJSON), authMode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Request failed: %v\n", err)
		os.Exit(1)
	}

	var result map[string]interface{}
	_ = json.Unmarshal(resp, &result)
	if errMsg, ok := result["error"]; ok {
		fmt.Fprintf(os.Stderr, "Rejected: %s\n", errMsg)
		os.Exit(1)
	}
	fmt.Printf("job_id: %s\ndomain: %s\n", result["job_id"], result["domain"])
}

func cmdStatus(base string) {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "Usage: fetchctl status <job-id>")
		os.Exit(1)
	}

	resp, err := doRequest("GET", base+"/jobs/"+os.Args[2], nil, "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Request failed: %v\n", err)
		os.Exit(1)
	}

	var result map[string]interface{}
	_ = json.Unmarshal(resp, &result)
	if result["job_id"] == nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", result["error"])
		os.Exit(1)
	}

	fmt.Printf("Job:       %s\nStatus:    %s\nDomain:    %s\nURL:       %s\nStrategy:  %s\nAttempts:  %.0f\n",
		result["job_id"], result["status"], result["domain"],
		result["url"], result["strategy"], toFloat(result["attempts"]))
	if errStr, ok := result["error"].(string); ok && errStr != "" {
		fmt.Printf("Error:     %s\n", errStr)
	}
	if result["result"] != nil {
		pretty, _ := json.MarshalIndent(result["result"], "", "  ")
		fmt.Printf("Result:\n%s\n", pretty)
	}
}

func cmdCancel(base string) {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "Usage: fetchctl cancel <job-id>")
		os.Exit(1)
	}

	resp, err := doRequest("DELETE", base+"/jobs/"+os.Args[2], nil, "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Request failed: %v\n", err)
		os.Exit(1)
	}

	var result map[string]interface{}
	_ = json.Unmarshal(resp, &result)
	if cancelled, _ := result["cancelled"].(bool); cancelled {
		fmt.Println("Cancelled.")
	} else {
		fmt.Println("Not cancelled (already settled or unknown).")
		os.Exit(1)
	}
}

func cmdStats(base string) {
	resp, err := doRequest("GET", base+"/queue/stats", nil, "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Request failed: %v\n", err)
		os.Exit(1)
	}

	var result map[string]interface{}
	_ = json.Unmarshal(resp, &result)

	fmt.Printf("%-25s %-8s %s\n", "STREAM", "LENGTH", "PENDING")
	fmt.Println("------------------------------------------")
	if streams, ok := result["queue"].(map[string]interface{}); ok {
		for name, raw := range streams {
			s, _ := raw.(map[string]interface{})
			fmt.Printf("%-25s %-8.0f %.0f\n", name, toFloat(s["length"]), toFloat(s["pending"]))
		}
	}
	if delayed, ok := result["delayed"].(map[string]interface{}); ok {
		fmt.Printf("\nDelayed:  %.0f\n", toFloat(delayed["count"]))
	}
	if dlq, ok := result["dlq"].(map[string]interface{}); ok {
		fmt.Printf("DLQ:      %.0f\n", toFloat(dlq["count"]))
	}
	if jobs, ok := result["jobs"].(map[string]interface{}); ok && len(jobs) > 0 {
		fmt.Println("\nJobs by status:")
		for status, n := range jobs {
			fmt.Printf("  %-12s %.0f\n", status, toFloat(n))
		}
	}
}

func doRequest(method, url string, body []byte, authMode string) ([]byte, error) {
	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if authMode != "" {
		req.Header.Set("X-Auth-Mode", authMode)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func toFloat(v interface{}) float64 {
	f, _ := v.(float64)
	return f
}
