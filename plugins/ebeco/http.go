package ebeco

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/joshp123/gohome-ebeco/internal/ws"
)

type httpHandlers struct {
	entries entrySet
	hub     *ws.Hub
}

type powerRequest struct {
	Value *bool `json:"value" binding:"required"`
}

type temperatureRequest struct {
	Value *float64 `json:"value" binding:"required"`
}

type textRequest struct {
	Value string `json:"value" binding:"required"`
}

func (h *httpHandlers) register(group *gin.RouterGroup) {
	group.GET("/entries", h.listEntries)
	entry := group.Group("/entries/:name")
	entry.GET("/state", h.state)
	entry.GET("/entities", h.entities)
	entry.GET("/devices", h.devices)
	entry.POST("/refresh", h.refresh)
	entry.POST("/power", h.power)
	entry.POST("/temperature", h.temperature)
	entry.POST("/preset", h.preset)
	entry.POST("/hvac_mode", h.hvacMode)
	if h.hub != nil {
		group.GET("/ws", gin.WrapH(h.hub))
	}
}

func (h *httpHandlers) listEntries(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"entries": h.entries.states()})
}

func (h *httpHandlers) state(c *gin.Context) {
	entry, ok := h.entry(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, entry.State())
}

func (h *httpHandlers) entities(c *gin.Context) {
	entry, ok := h.entry(c)
	if !ok {
		return
	}
	state := entry.State()
	if state.Entities == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": ErrNotReady.Error()})
		return
	}
	c.JSON(http.StatusOK, state.Entities)
}

func (h *httpHandlers) devices(c *gin.Context) {
	entry, ok := h.entry(c)
	if !ok {
		return
	}
	devices, err := entry.Devices(c.Request.Context())
	if errors.Is(err, ErrNoDevices) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"devices": devices})
}

func (h *httpHandlers) refresh(c *gin.Context) {
	entry, ok := h.entry(c)
	if !ok {
		return
	}
	state, err := entry.Refresh(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, state)
}

func (h *httpHandlers) power(c *gin.Context) {
	var req powerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.execute(c, Command{Power: req.Value})
}

func (h *httpHandlers) temperature(c *gin.Context) {
	var req temperatureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.execute(c, Command{Temperature: req.Value})
}

func (h *httpHandlers) preset(c *gin.Context) {
	var req textRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.execute(c, Command{Preset: req.Value})
}

func (h *httpHandlers) hvacMode(c *gin.Context) {
	var req textRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.execute(c, Command{Mode: req.Value})
}

func (h *httpHandlers) execute(c *gin.Context, cmd Command) {
	entry, ok := h.entry(c)
	if !ok {
		return
	}
	state, err := entry.Execute(c.Request.Context(), cmd)
	switch {
	case errors.Is(err, ErrInvalidCommand):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, ErrChangeRejected):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "state": state})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, state)
	}
}

func (h *httpHandlers) entry(c *gin.Context) (*Entry, bool) {
	entry, err := h.entries.resolve(c.Param("name"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return nil, false
	}
	return entry, true
}

// bridgeHub forwards every published snapshot of every entry to the
// websocket hub until ctx ends.
func bridgeHub(ctx context.Context, hub *ws.Hub, entries []*Entry) {
	done := make(chan struct{}, len(entries))
	for _, entry := range entries {
		updates, cancel := entry.Coordinator().Subscribe()
		go func(entry *Entry) {
			defer func() { done <- struct{}{} }()
			defer cancel()
			for {
				select {
				case <-ctx.Done():
					return
				case snap, ok := <-updates:
					if !ok {
						return
					}
					base := State{
						Entry:      entry.Name(),
						DeviceID:   entry.Config().DeviceID,
						Ready:      true,
						MainSensor: entry.Config().MainSensor,
					}
					hub.BroadcastMessage(ws.MsgTypeStateUpdate, stateFromSnapshot(base, snap))
				}
			}
		}(entry)
	}
	for range entries {
		<-done
	}
}
