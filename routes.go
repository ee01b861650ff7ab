package main

import (
	"github.com/gorilla/mux"
)

// setupRoutes configures all HTTP routes for the API
func (s *server) setupRoutes(router *mux.Router) {
	// Chart endpoint, same path and parameters as the PHP-era front end
	router.HandleFunc("/billboard_api.php", s.getChart).Methods("GET")
	router.HandleFunc("/charts", s.listCharts).Methods("GET")

	// Cache management endpoints
	router.HandleFunc("/cache", s.getCacheInfo)
	router.HandleFunc("/cache/lookup", s.cacheLookup)
	router.HandleFunc("/cache/backup", s.backupCache)
	router.HandleFunc("/cache/backups", s.listBackups)
	router.HandleFunc("/cache/clear/{namespace}", s.clearCache)

	// Health and stats endpoints
	router.HandleFunc("/health", s.getHealthStatus)
	router.HandleFunc("/stats", s.getStats)

	// Circuit breaker endpoints
	router.HandleFunc("/circuit-breaker", s.getCircuitBreakerStatus)
	router.HandleFunc("/circuit-breaker/reset", s.resetCircuitBreaker)

	// Test/debug endpoints
	router.HandleFunc("/test-notifications", s.testNotifications)

	// Help endpoint
	router.HandleFunc("/", helpHandler)
}
