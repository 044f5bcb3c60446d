package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

func createTaskCommands() *cobra.Command {
	taskCmd := &cobra.Command{
		Use:   "task",
		Short: "Task commands against a running fleet",
	}

	submitCmd := &cobra.Command{
		Use:   "submit [data-json]",
		Short: "Submit a new task",
		Args:  cobra.ExactArgs(1),
		RunE:  submitTask,
	}
	submitCmd.Flags().Int("priority", 5, "Task priority (lower is more urgent)")
	submitCmd.Flags().String("location", "", "Preferred node")
	submitCmd.Flags().String("id", "", "Task id (generated when empty)")

	resultCmd := &cobra.Command{
		Use:   "result [task-id]",
		Short: "Get a task's terminal result",
		Args:  cobra.ExactArgs(1),
		RunE:  getResult,
	}

	taskCmd.AddCommand(submitCmd, resultCmd)
	return taskCmd
}

func createFleetCommands() *cobra.Command {
	fleetCmd := &cobra.Command{
		Use:   "status",
		Short: "Show the fleet view of a running fleet",
		RunE:  getFleet,
	}

	workersCmd := &cobra.Command{
		Use:   "workers",
		Short: "List workers",
		RunE:  listWorkers,
	}

	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Check fleet health",
		RunE:  checkHealth,
	}

	fleetCmd.AddCommand(workersCmd, healthCmd)
	return fleetCmd
}

func submitTask(cmd *cobra.Command, args []string) error {
	var data map[string]interface{}
	if err := json.Unmarshal([]byte(args[0]), &data); err != nil {
		return fmt.Errorf("invalid JSON data: %w", err)
	}

	priority, _ := cmd.Flags().GetInt("priority")
	location, _ := cmd.Flags().GetString("location")
	id, _ := cmd.Flags().GetString("id")

	request := map[string]interface{}{
		"data":     data,
		"priority": priority,
	}
	if location != "" {
		request["location"] = location
	}
	if id != "" {
		request["task_id"] = id
	}

	response, err := makeAPIRequest("POST", "/api/v1/tasks", request)
	if err != nil {
		return err
	}

	if verbose {
		fmt.Printf("Response: %s\n", response)
		return nil
	}
	var body struct {
		Task struct {
			ID string `json:"task_id"`
		} `json:"task"`
	}
	if err := json.Unmarshal(response, &body); err == nil && body.Task.ID != "" {
		fmt.Printf("Task submitted successfully: %s\n", body.Task.ID)
	} else {
		fmt.Printf("Task submitted: %s\n", response)
	}
	return nil
}

func getResult(cmd *cobra.Command, args []string) error {
	response, err := makeAPIRequest("GET", "/api/v1/results/"+args[0], nil)
	if err != nil {
		return err
	}

	var result map[string]interface{}
	if verbose || json.Unmarshal(response, &result) != nil {
		fmt.Printf("Result: %s\n", response)
		return nil
	}
	fmt.Printf("Task ID: %s\n", result["task_id"])
	fmt.Printf("Status: %s\n", result["status"])
	fmt.Printf("Worker: %s\n", result["worker_id"])
	fmt.Printf("Node: %s\n", result["node_id"])
	fmt.Printf("Completed: %s\n", result["completion_time"])
	return nil
}

func getFleet(cmd *cobra.Command, args []string) error {
	response, err := makeAPIRequest("GET", "/api/v1/fleet", nil)
	if err != nil {
		return err
	}
	return printJSON(response)
}

func listWorkers(cmd *cobra.Command, args []string) error {
	response, err := makeAPIRequest("GET", "/api/v1/workers", nil)
	if err != nil {
		return err
	}

	var body struct {
		Workers []struct {
			AgentID       string  `json:"agent_id"`
			NodeID        string  `json:"node_id"`
			Status        string  `json:"status"`
			CPU           float64 `json:"cpu_usage"`
			CurrentTaskID string  `json:"current_task_id"`
		} `json:"workers"`
	}
	if verbose || json.Unmarshal(response, &body) != nil {
		fmt.Printf("Response: %s\n", response)
		return nil
	}

	fmt.Printf("%-28s %-22s %-14s %6s  %s\n", "WORKER", "NODE", "STATUS", "CPU%", "TASK")
	for _, w := range body.Workers {
		fmt.Printf("%-28s %-22s %-14s %6.1f  %s\n", w.AgentID, w.NodeID, w.Status, w.CPU, w.CurrentTaskID)
	}
	return nil
}

func checkHealth(cmd *cobra.Command, args []string) error {
	response, err := makeAPIRequest("GET", "/health", nil)
	if err != nil {
		return err
	}
	return printJSON(response)
}

func printJSON(raw []byte) error {
	var out bytes.Buffer
	if err := json.Indent(&out, raw, "", "  "); err != nil {
		fmt.Printf("%s\n", raw)
		return nil
	}
	fmt.Println(out.String())
	return nil
}

func makeAPIRequest(method, endpoint string, data interface{}) ([]byte, error) {
	var body []byte
	var err error

	if data != nil {
		body, err = json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request data: %w", err)
		}
	}

	client := &http.Client{Timeout: time.Duration(timeout) * time.Second}
	req, err := http.NewRequest(method, apiBaseURL+endpoint, bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if data != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	respBody := new(bytes.Buffer)
	respBody.ReadFrom(resp.Body)

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, respBody.String())
	}

	return respBody.Bytes(), nil
}
