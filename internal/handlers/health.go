package handlers

import (
	"net/http"

	"github.com/gluk-w/protonet/internal/database"
)

func HealthCheck(w http.ResponseWriter, r *http.Request) {
	dbStatus := "disconnected"
	if database.DB != nil {
		sqlDB, err := database.DB.DB()
		if err == nil {
			if err := sqlDB.Ping(); err == nil {
				dbStatus = "connected"
			}
		}
	}

	status := "healthy"
	if dbStatus != "connected" {
		status = "unhealthy"
	}

	resp := map[string]interface{}{
		"status":   status,
		"database": dbStatus,
	}
	if Manager != nil {
		resp["sessions"] = len(Manager.Sessions())
		resp["online"] = Manager.Online()
	}
	writeJSON(w, http.StatusOK, resp)
}
