package imager

import (
	"encoding/json"
	"maps"
	"net/http"
	"slices"

	"tailscale.com/tsweb"

	"github.com/banshee-data/tofseq/internal/bridge"
	"github.com/banshee-data/tofseq/internal/version"
)

// StatusReport is the JSON body of the imager debug page.
type StatusReport struct {
	Version             string   `json:"version"`
	Sensor              string   `json:"sensor"`
	State               string   `json:"state"`
	UseCase             string   `json:"use_case,omitempty"`
	UseCaseID           string   `json:"use_case_id,omitempty"`
	BlockSizes          []int    `json:"block_sizes,omitempty"`
	SafeReconfigMillis  uint32   `json:"safe_reconfig_ms"`
	OutstandingReconfig *uint16  `json:"outstanding_reconfig,omitempty"`
	ShadowRegisters     []string `json:"shadow_registers"`
}

// Report snapshots the imager for the debug page.
func (im *Imager) Report() StatusReport {
	im.mu.Lock()
	r := StatusReport{
		Version:         version.String(),
		Sensor:          im.sensor.Name(),
		State:           im.state.String(),
		ShadowRegisters: make([]string, 0, len(im.shadow)),
	}
	if im.executing != nil {
		r.UseCase = im.executing.TypeName
		r.UseCaseID = im.executing.ID.String()
	}
	if im.compiled != nil {
		r.BlockSizes = im.compiled.assignment.BlockSizes()
		r.SafeReconfigMillis = im.compiled.safeWindow
	}
	for _, addr := range slices.Sorted(maps.Keys(im.shadow)) {
		r.ShadowRegisters = append(r.ShadowRegisters, bridge.Register{Address: addr, Value: im.shadow[addr]}.String())
	}
	im.mu.Unlock()

	if idx, ok := im.OutstandingReconfig(); ok {
		r.OutstandingReconfig = &idx
	}
	return r
}

// AttachAdminRoutes registers the imager status page and, when the imager
// has metrics, the Prometheus endpoint on the tsweb debug mux.
func (im *Imager) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("imager", "Imager state, executed use case and register shadow", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(im.Report()); err != nil {
			http.Error(w, "Failed to encode status", http.StatusInternalServerError)
		}
	})

	if im.metrics != nil {
		debug.Handle("tofseq-metrics", "Prometheus metrics of the sequencing engine", im.metrics.Handler())
	}
}
