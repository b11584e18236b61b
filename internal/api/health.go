package api

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hostdeck/hostdeck/internal/activity"
)

const hostInfoTimeout = 2 * time.Second

type hostDetails struct {
	Hostname        string `json:"hostname"`
	OS              string `json:"os"`
	Platform        string `json:"platform"`
	PlatformVersion string `json:"platformVersion"`
	KernelVersion   string `json:"kernelVersion"`
	KernelArch      string `json:"kernelArch"`
	UptimeSec       uint64 `json:"uptimeSec"`
}

type healthResponse struct {
	Status    string             `json:"status"`
	Version   string             `json:"version,omitempty"`
	UptimeSec int64              `json:"uptimeSec"`
	Sessions  int                `json:"sessions"`
	Running   bool               `json:"running"`
	Activity  *activity.Activity `json:"activity,omitempty"`
	Host      *hostDetails       `json:"host,omitempty"`
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	resp := healthResponse{
		Status:    "ok",
		Version:   r.version,
		UptimeSec: int64(r.now().Sub(r.startedAt).Seconds()),
		Sessions:  r.sessions.Count(),
	}
	if current, ok := r.activities.Current(); ok {
		resp.Running = true
		resp.Activity = &current
	}

	ctx, cancel := context.WithTimeout(req.Context(), hostInfoTimeout)
	defer cancel()
	if info, err := r.hostInfo(ctx); err != nil {
		log.Debug().Err(err).Msg("Failed to collect host info")
	} else if info != nil {
		resp.Host = &hostDetails{
			Hostname:        info.Hostname,
			OS:              info.OS,
			Platform:        info.Platform,
			PlatformVersion: info.PlatformVersion,
			KernelVersion:   info.KernelVersion,
			KernelArch:      info.KernelArch,
			UptimeSec:       info.Uptime,
		}
	}

	writeJSON(w, http.StatusOK, resp)
}
