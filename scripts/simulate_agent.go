// Simulates one endpoint agent against a running ingestd: register,
// heartbeat on the server's cadence, and push a few security events.
//
//	go run scripts/simulate_agent.go -url http://localhost:8080 -token <registration token>
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"runtime"
	"time"
)

var (
	baseURL  = flag.String("url", "http://localhost:8080", "ingestd base URL")
	regToken = flag.String("token", "", "agent registration token of the connector")
	beats    = flag.Int("beats", 5, "heartbeats to send before exiting")
)

func main() {
	flag.Parse()
	if *regToken == "" {
		log.Fatal("❌ -token is required (the connector's registration token)")
	}

	hostname, _ := os.Hostname()
	fmt.Printf("🤖 Agent starting on %s\n", hostname)

	// 1. Register
	fmt.Println("📡 Registering with Vigía Ingest...")
	var reg struct {
		AgentID   string `json:"agentId"`
		AuthToken string `json:"authToken"`
	}
	err := post("/api/agents/register", map[string]any{
		"hostname":     hostname,
		"os":           runtime.GOOS,
		"version":      "1.4.2",
		"capabilities": []string{"process", "network", "malware"},
	}, http.Header{"X-Registration-Token": {*regToken}}, &reg)
	if err != nil {
		log.Fatalf("❌ Registration rejected: %v", err)
	}
	fmt.Printf("✅ Registered as %s\n", reg.AgentID)

	auth := http.Header{"Authorization": {"Bearer " + reg.AuthToken}}

	// 2. Heartbeat loop
	for i := 0; i < *beats; i++ {
		var hb struct {
			NextHeartbeatSec int `json:"nextHeartbeatSec"`
		}
		err := post("/api/agents/heartbeat", map[string]any{
			"agentId":   reg.AgentID,
			"timestamp": time.Now().UTC(),
			"status":    "online",
			"metrics": map[string]any{
				"cpuPercent":    5 + rand.Float64()*20,
				"memoryPercent": 30 + rand.Float64()*40,
				"diskPercent":   55.0,
			},
		}, auth, &hb)
		if err != nil {
			log.Fatalf("❌ Heartbeat failed: %v", err)
		}
		fmt.Printf("💓 Heartbeat %d/%d acknowledged (next in %ds)\n", i+1, *beats, hb.NextHeartbeatSec)

		// 3. A security event every other beat
		if i%2 == 0 {
			err := post("/api/agents/data", map[string]any{
				"agentId":   reg.AgentID,
				"timestamp": time.Now().UTC(),
				"eventType": "process",
				"severity":  "medium",
				"message":   "Proceso sospechoso detectado: powershell.exe -enc",
				"details": map[string]any{
					"pid":        4242 + i,
					"executable": "C:\\Windows\\System32\\WindowsPowerShell\\v1.0\\powershell.exe",
					"user":       "WORKSTATION\\jgarcia",
				},
			}, auth, nil)
			if err != nil {
				log.Fatalf("❌ Event delivery failed: %v", err)
			}
			fmt.Println("🚨 Security event delivered")
		}

		time.Sleep(2 * time.Second)
	}

	fmt.Println("👋 Simulation complete")
}

func post(path string, body any, header http.Header, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, *baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, vals := range header {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		var msg bytes.Buffer
		msg.ReadFrom(resp.Body)
		return fmt.Errorf("%s: %s", resp.Status, msg.String())
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
