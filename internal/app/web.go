package app

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/relabs-tech/magnetic_fusion/internal/config"
	"github.com/relabs-tech/magnetic_fusion/internal/fusion"
)

// latestOutputs keeps the last fused record per IMU.
type latestOutputs struct {
	mu   sync.RWMutex
	last map[string]fusion.Output
}

func newLatestOutputs() *latestOutputs {
	return &latestOutputs{last: make(map[string]fusion.Output)}
}

func (l *latestOutputs) set(name string, out fusion.Output) {
	l.mu.Lock()
	l.last[name] = out
	l.mu.Unlock()
}

func (l *latestOutputs) get(name string) (fusion.Output, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out, ok := l.last[name]
	return out, ok
}

// orientationHandler serves the latest record of ?imu= (default left).
func orientationHandler(latest *latestOutputs) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := r.URL.Query().Get("imu")
		if name == "" {
			name = "left"
		}
		out, ok := latest.get(name)
		if !ok {
			http.Error(w, "no data yet", http.StatusServiceUnavailable)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(out); err != nil {
			log.Printf("json encode error: %v", err)
		}
	}
}

// RunWeb serves the dashboard: the latest fused records over HTTP, a live
// websocket feed, and control requests forwarded to the fusion service.
func RunWeb() error {
	cfg := config.Get()
	latest := newLatestOutputs()

	// 1) Connect to MQTT broker
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.MQTTBroker).
		SetClientID(cfg.MQTTClientIDWeb)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	log.Printf("connected to MQTT broker at %s", cfg.MQTTBroker)

	hub := newFusionHub(func(cmd Command) error {
		payload, err := json.Marshal(cmd)
		if err != nil {
			return err
		}
		token := client.Publish(cfg.TopicControl, 1, false, payload)
		token.Wait()
		return token.Error()
	})

	// 2) Subscribe to the fused topics
	for _, sc := range cfg.Streams() {
		name, topic := sc.Name, sc.FusedTopic
		token := client.Subscribe(topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
			var out fusion.Output
			if err := json.Unmarshal(msg.Payload(), &out); err != nil {
				log.Printf("MQTT payload unmarshal error: %v", err)
				return
			}
			latest.set(name, out)
			hub.broadcast(WSResponse{Type: "fused", IMU: name, Output: &out})
		})
		token.Wait()
		if token.Error() != nil {
			return token.Error()
		}
		log.Printf("subscribed to MQTT topic %s", topic)
	}

	// 3) HTTP API, websocket and static files from ./web
	mux := http.NewServeMux()
	mux.HandleFunc("/api/orientation", orientationHandler(latest))
	mux.Handle("/ws/fusion", hub)
	mux.Handle("/", http.FileServer(http.Dir("web")))

	addr := fmt.Sprintf(":%d", cfg.WebServerPort)
	log.Printf("web server listening on %s", addr)
	return http.ListenAndServe(addr, mux)
}
