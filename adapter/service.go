package adapter

// ServiceStats is a point-in-time snapshot of the generation service.
type ServiceStats struct {
	Running            bool `json:"running"`
	TenantCount        int  `json:"tenant_count"`
	TotalGenerators    int  `json:"total_generators"`
	CleanupTaskRunning bool `json:"cleanup_task_running"`
}
