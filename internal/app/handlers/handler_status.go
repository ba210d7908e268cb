package handlers

import (
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/streamgate/streamgate/internal/core/domain"
	"github.com/streamgate/streamgate/pkg/format"
)

type botLoad struct {
	Bot  string `json:"bot"`
	Load int64  `json:"load"`
}

type statusResponse struct {
	ServerStatus      string                         `json:"server_status"`
	Uptime            string                         `json:"uptime"`
	BotUsername       string                         `json:"bot_username"`
	ConnectedBots     int                            `json:"connected_bots"`
	Loads             []botLoad                      `json:"loads"`
	BalancerStatus    map[string]domain.ClientStatus `json:"balancer_status"`
	ThumbnailsEnabled bool                           `json:"thumbnails_enabled"`
	Version           string                         `json:"version"`
}

// handleStatus serves /status: the operational snapshot.
func (a *Application) handleStatus(w http.ResponseWriter, r *http.Request) {
	clientStatus := a.selector.Status()

	loads := make([]botLoad, 0, len(clientStatus))
	balancer := make(map[string]domain.ClientStatus, len(clientStatus))
	for id, st := range clientStatus {
		loads = append(loads, botLoad{Bot: fmt.Sprintf("bot%d", id+1), Load: st.WorkLoad})
		balancer[fmt.Sprintf("bot%d", id+1)] = st
	}
	sort.Slice(loads, func(i, j int) bool {
		if loads[i].Load != loads[j].Load {
			return loads[i].Load > loads[j].Load
		}
		return loads[i].Bot < loads[j].Bot
	})

	writeJSON(w, http.StatusOK, statusResponse{
		ServerStatus:      "running",
		Uptime:            format.ReadableTime(time.Since(a.started)),
		BotUsername:       "@" + a.botUsername,
		ConnectedBots:     len(clientStatus),
		Loads:             loads,
		BalancerStatus:    balancer,
		ThumbnailsEnabled: a.cfg.Upstream.EnableThumbnails,
		Version:           a.version,
	})
}
