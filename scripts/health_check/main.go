package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"hft-core/pkg/config"
	"hft-core/pkg/db"
)

type HealthStatus struct {
	Service   string    `json:"service"`
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type HealthReport struct {
	Overall  string         `json:"overall"`
	Services []HealthStatus `json:"services"`
}

var queueNames = []string{"orders", "history"}

func main() {
	fmt.Println("hft-core health check")
	fmt.Println("=====================")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cfg, err := config.Load()
	report := HealthReport{Overall: "HEALTHY"}
	if err != nil {
		report.Services = append(report.Services, HealthStatus{
			Service: "Configuration", Status: "UNHEALTHY", Message: err.Error(), Timestamp: time.Now(),
		})
	} else {
		report.Services = append(report.Services,
			HealthStatus{Service: "Configuration", Status: "HEALTHY", Message: "Port=" + cfg.Port, Timestamp: time.Now()},
			checkDatabase(ctx, cfg),
			checkAPIServer(ctx, cfg),
		)
	}

	for _, svc := range report.Services {
		if svc.Status == "UNHEALTHY" {
			report.Overall = "UNHEALTHY"
			break
		} else if svc.Status == "DEGRADED" {
			report.Overall = "DEGRADED"
		}
	}

	fmt.Println()
	for _, svc := range report.Services {
		statusIcon := "✓"
		if svc.Status == "UNHEALTHY" {
			statusIcon = "✗"
		} else if svc.Status == "DEGRADED" {
			statusIcon = "⚠"
		}
		fmt.Printf("%s %-15s %-9s %s\n", statusIcon, svc.Service, svc.Status, svc.Message)
	}
	fmt.Printf("\nOverall Status: %s\n", report.Overall)

	if len(os.Args) > 1 && os.Args[1] == "--json" {
		jsonData, _ := json.MarshalIndent(report, "", "  ")
		fmt.Println(string(jsonData))
	}
	if report.Overall == "UNHEALTHY" {
		os.Exit(1)
	}
}

// checkDatabase pings the store and reports dead-lettered messages as degraded.
func checkDatabase(ctx context.Context, cfg *config.Config) HealthStatus {
	status := HealthStatus{Service: "Database", Status: "HEALTHY", Timestamp: time.Now()}

	database, err := db.New(cfg.DBPath)
	if err != nil {
		status.Status = "UNHEALTHY"
		status.Message = fmt.Sprintf("Connection failed: %v", err)
		return status
	}
	defer database.Close()
	if err := database.Ping(); err != nil {
		status.Status = "UNHEALTHY"
		status.Message = fmt.Sprintf("Ping failed: %v", err)
		return status
	}

	var dead int
	for _, q := range queueNames {
		depth, err := database.QueueDepth(ctx, q, time.Now())
		if err != nil {
			status.Status = "UNHEALTHY"
			status.Message = fmt.Sprintf("Queue %s: %v", q, err)
			return status
		}
		dead += depth.DeadLetters
	}
	status.Message = "Connected"
	if dead > 0 {
		status.Status = "DEGRADED"
		status.Message = fmt.Sprintf("%d dead-lettered messages", dead)
	}
	return status
}

func checkAPIServer(ctx context.Context, cfg *config.Config) HealthStatus {
	status := HealthStatus{Service: "API Server", Status: "HEALTHY", Timestamp: time.Now()}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://localhost:%s/health", cfg.Port), nil)
	if err != nil {
		status.Status = "UNHEALTHY"
		status.Message = err.Error()
		return status
	}
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		status.Status = "UNHEALTHY"
		status.Message = fmt.Sprintf("Not reachable: %v", err)
		return status
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		status.Status = "DEGRADED"
		status.Message = fmt.Sprintf("HTTP %d", resp.StatusCode)
		return status
	}

	var body struct {
		Meta struct {
			Version      string `json:"version"`
			MarketSource string `json:"market_source"`
		} `json:"meta"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Meta.Version != "" {
		status.Message = fmt.Sprintf("Running %s (%s feed)", body.Meta.Version, body.Meta.MarketSource)
		return status
	}
	status.Message = "Running"
	return status
}
