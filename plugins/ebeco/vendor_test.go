package ebeco

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"sync"
	"testing"
)

// vendorState is an in-memory Ebeco Connect account with one device.
type vendorState struct {
	mu      sync.Mutex
	device  Device
	updates int
	failPut bool
}

func newVendorState() *vendorState {
	return &vendorState{device: *sampleDevice()}
}

func (v *vendorState) Device() Device {
	v.mu.Lock()
	defer v.mu.Unlock()
	return *v.device.Clone()
}

func (v *vendorState) Set(fn func(*Device)) {
	v.mu.Lock()
	defer v.mu.Unlock()
	fn(&v.device)
}

func (v *vendorState) FailUpdates(fail bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.failPut = fail
}

func vendorHandler(t *testing.T, v *vendorState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case authPath:
			writeToken(w, 1)
		case devicesPath:
			d := v.Device()
			_ = json.NewEncoder(w).Encode(map[string]any{"result": []Device{d}})
		case devicePath:
			d := v.Device()
			if r.URL.Query().Get("id") != strconv.FormatInt(d.ID, 10) {
				_, _ = io.WriteString(w, `{"result":null}`)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"result": d})
		case updatePath:
			v.mu.Lock()
			defer v.mu.Unlock()
			if v.failPut {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			var req updateRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Errorf("decode update: %v", err)
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			v.updates++
			if req.PowerOn != nil {
				v.device.PowerOn = boolPtr(*req.PowerOn)
			}
			if req.TemperatureSet != nil {
				v.device.TemperatureSet = floatPtr(*req.TemperatureSet)
			}
			if req.SelectedProgram != "" {
				v.device.SelectedProgram = string(req.SelectedProgram)
			}
			_, _ = io.WriteString(w, `{"success":true}`)
		default:
			t.Errorf("unexpected path: %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}
}
