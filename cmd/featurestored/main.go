// Package main implements featurestored, a minimal HTTP ingress for the
// feature store. Usage: featurestored [-addr :8090] [-data-dir data]
// [-datasets datasets.json] [-checkpoint 5s]
//
// Endpoints:
//
//	POST /update  — run a JSON event through the update pipeline, body is
//	                the raw event (must include an integer "ds" field).
//	GET  /healthz — liveness check.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"time"

	"github.com/anselmo-ruiz/featurestore/checkpoint"
	"github.com/anselmo-ruiz/featurestore/pipeline"
	"github.com/anselmo-ruiz/featurestore/recovery"
)

func main() {
	addr := flag.String("addr", ":8090", "listen address")
	dataDir := flag.String("data-dir", "featurestore-data", "on-disk data directory")
	datasetsPath := flag.String("datasets", "datasets.json", "path to the dataset catalog JSON file")
	checkpointInterval := flag.Duration("checkpoint", 5*time.Second, "checkpoint flush interval")
	flag.Parse()

	catalog, err := loadCatalog(*datasetsPath)
	if err != nil {
		log.Fatalf("featurestored: %v", err)
	}

	store, w, err := recovery.Open(*dataDir)
	if err != nil {
		log.Fatalf("featurestored: recovery: %v", err)
	}
	defer w.Close()

	p := pipeline.New(catalog, store, w)

	ckpt := checkpoint.New(store, w, *checkpointInterval)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ckpt.Run(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/update", updateHandler(p))
	mux.HandleFunc("/healthz", healthHandler)

	log.Printf("featurestored listening on %s (data-dir: %s, datasets: %s)", *addr, *dataDir, *datasetsPath)
	log.Fatal(http.ListenAndServe(*addr, mux))
}

type updateResponse struct {
	DatasetID int64               `json:"dataset_id"`
	Features  []featureResultJSON `json:"features"`
	Error     string              `json:"error,omitempty"`
}

type featureResultJSON struct {
	FeatureID uint64 `json:"feature_id"`
	Key       string `json:"key,omitempty"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

func updateHandler(p *pipeline.UpdatePipeline) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST only", http.StatusMethodNotAllowed)
			return
		}
		var event map[string]interface{}
		decoder := json.NewDecoder(r.Body)
		decoder.UseNumber()
		if err := decoder.Decode(&event); err != nil {
			writeJSON(w, http.StatusBadRequest, updateResponse{Error: "invalid JSON: " + err.Error()})
			return
		}

		result, err := p.Update(event)
		if err != nil {
			writeJSON(w, http.StatusOK, updateResponse{Error: err.Error()})
			return
		}

		resp := updateResponse{DatasetID: result.DatasetID, Features: make([]featureResultJSON, len(result.Results))}
		for i, fr := range result.Results {
			fj := featureResultJSON{FeatureID: fr.FeatureID, Key: fr.Key, Success: fr.Err == nil}
			if fr.Err != nil {
				fj.Error = fr.Err.Error()
			}
			resp.Features[i] = fj
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
