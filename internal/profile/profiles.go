package profile

import "fleetd/pkg/types"

// Role names for the built-in fleet topology: model servers first, then the
// queue workers that call them, then the beat scheduler, then the read-only
// surfaces (dashboard, queue monitor).
const (
	RolePrimaryModel = "model-primary"
	RoleFastModel    = "model-fast"
	RoleScheduler    = "scheduler"
	RoleDashboard    = "dashboard"
	RoleFlower       = "flower"
)

const (
	portPrimaryModel = 8001
	portFastModel    = 8002
	portDashboard    = 8000
	portFlower       = 5555
)

const (
	tierModels    = 1
	tierWorkers   = 2
	tierScheduler = 3
	tierSurfaces  = 4
)

var workerQueues = []string{"recon", "discovery", "exploit", "validate", "report", "auth"}

// WorkerRole returns the role name for a queue's worker process.
func WorkerRole(queue string) string { return "worker-" + queue }

func primaryModelSpec(parallelism int, memShare float64) types.ServiceSpec {
	return types.ServiceSpec{
		Role:        RolePrimaryModel,
		Command:     []string{"vllm", "serve", "primary", "--port", "{port}", "--gpu-memory-utilization", "{memory_share}", "--tensor-parallel-size", "{parallelism}"},
		Port:        portPrimaryModel,
		MemoryShare: memShare,
		Parallelism: parallelism,
		Tier:        tierModels,
		Probe:       types.ProbeHTTP,
		ProbePath:   "/v1/models",
	}
}

func fastModelSpec(memShare float64) types.ServiceSpec {
	return types.ServiceSpec{
		Role:        RoleFastModel,
		Command:     []string{"vllm", "serve", "fast", "--port", "{port}", "--gpu-memory-utilization", "{memory_share}", "--tensor-parallel-size", "{parallelism}"},
		Port:        portFastModel,
		MemoryShare: memShare,
		Parallelism: 1,
		Tier:        tierModels,
		Probe:       types.ProbeHTTP,
		ProbePath:   "/v1/models",
	}
}

func workerSpec(queues ...string) types.ServiceSpec {
	list := ""
	for i, q := range queues {
		if i > 0 {
			list += ","
		}
		list += q
	}
	return types.ServiceSpec{
		Role:      WorkerRole(queues[0]),
		Command:   []string{"celery", "-A", "workers.app", "worker", "-Q", list, "--concurrency", "2"},
		Tier:      tierWorkers,
		Probe:     types.ProbeProcess,
		DependsOn: []string{RolePrimaryModel},
	}
}

func schedulerSpec() types.ServiceSpec {
	return types.ServiceSpec{
		Role:      RoleScheduler,
		Command:   []string{"celery", "-A", "workers.app", "beat"},
		Tier:      tierScheduler,
		Probe:     types.ProbeProcess,
		DependsOn: []string{WorkerRole("recon")},
	}
}

func dashboardSpec() types.ServiceSpec {
	return types.ServiceSpec{
		Role:      RoleDashboard,
		Command:   []string{"uvicorn", "dashboard.app:app", "--host", "0.0.0.0", "--port", "{port}"},
		Port:      portDashboard,
		Tier:      tierSurfaces,
		Probe:     types.ProbeHTTP,
		ProbePath: "/",
		DependsOn: []string{RoleScheduler},
	}
}

func flowerSpec() types.ServiceSpec {
	return types.ServiceSpec{
		Role:      RoleFlower,
		Command:   []string{"celery", "-A", "workers.app", "flower", "--port={port}"},
		Port:      portFlower,
		Tier:      tierSurfaces,
		Probe:     types.ProbeHTTP,
		ProbePath: "/",
		DependsOn: []string{RoleScheduler},
	}
}

// multiGPU runs both model servers with the primary sharded across every
// device, and one worker process per queue.
func multiGPU(deviceCount int) types.DeploymentProfile {
	services := []types.ServiceSpec{
		primaryModelSpec(deviceCount, 0.85),
		fastModelSpec(0.10),
	}
	for _, q := range workerQueues {
		services = append(services, workerSpec(q))
	}
	services = append(services, schedulerSpec(), dashboardSpec(), flowerSpec())
	return types.DeploymentProfile{Name: "multi-gpu", Services: services}
}

// singleGPUMax runs both model servers on one high-memory device.
func singleGPUMax() types.DeploymentProfile {
	services := []types.ServiceSpec{
		primaryModelSpec(1, 0.70),
		fastModelSpec(0.20),
	}
	for _, q := range workerQueues {
		services = append(services, workerSpec(q))
	}
	services = append(services, schedulerSpec(), dashboardSpec(), flowerSpec())
	return types.DeploymentProfile{Name: "single-gpu-max", Services: services}
}

// singleGPULite runs the primary model only and collapses the six queues into
// two combined worker processes. The collapsed roles share one command, so the
// loader dedups them into one physical process per group.
func singleGPULite() types.DeploymentProfile {
	services := []types.ServiceSpec{
		primaryModelSpec(1, 0.90),
	}
	fastGroup := []string{"recon", "discovery", "auth"}
	slowGroup := []string{"exploit", "validate", "report"}
	for _, q := range fastGroup {
		s := workerSpec(fastGroup...)
		s.Role = WorkerRole(q)
		services = append(services, s)
	}
	for _, q := range slowGroup {
		s := workerSpec(slowGroup...)
		s.Role = WorkerRole(q)
		services = append(services, s)
	}
	services = append(services, schedulerSpec(), dashboardSpec())
	return types.DeploymentProfile{Name: "single-gpu-lite", Services: services}
}
