package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// DeploymentEnvType selects the container runtime backend.
type DeploymentEnvType string

const (
	EnvDocker     DeploymentEnvType = "docker"
	EnvKubernetes DeploymentEnvType = "kubernetes"
)

// TunnelPolicyType decides what the monitor does when a tunnel dies while
// its container is still healthy.
type TunnelPolicyType string

const (
	TunnelPolicyFail    TunnelPolicyType = "fail"
	TunnelPolicyRestart TunnelPolicyType = "restart"
)

// Host port range for deployments, avoiding system reserved ports.
const (
	PortRangeMin = 2242
	PortRangeMax = 62242
)

// Config holds all the configuration for the application.
type Config struct {
	ListenAddr       string
	DatabaseDSN      string // empty disables persistence
	DeploymentEnv    DeploymentEnvType
	StorageDir       string // host directory holding per-deployment artifacts
	ContainerPort    int    // port the model server listens on inside the container
	PortRangeMin     int
	PortRangeMax     int
	MonitorInterval  time.Duration
	StartTimeout     time.Duration // bound on a single container/tunnel start step
	StopGrace        time.Duration // graceful container stop window before force removal
	TunnelBin        string
	TunnelPolicy     TunnelPolicyType
	EngineImage      string // prebuilt engine image, kubernetes backend only
	HuggingFaceToken string // fallback when the request carries none
}

// MustLoad loads configuration from environment variables, reading a .env
// file first when present.
func MustLoad() Config {
	_ = godotenv.Load()

	deploymentEnv := EnvDocker
	if strings.ToLower(getenv("DEPLOYMENT_ENV", "docker")) == "kubernetes" {
		deploymentEnv = EnvKubernetes
	}

	tunnelPolicy := TunnelPolicyFail
	if strings.ToLower(getenv("TUNNEL_POLICY", "fail")) == "restart" {
		tunnelPolicy = TunnelPolicyRestart
	}

	return Config{
		ListenAddr:       getenv("LISTEN_ADDR", ":8080"),
		DatabaseDSN:      getenv("DATABASE_DSN", ""),
		DeploymentEnv:    deploymentEnv,
		StorageDir:       getenv("DEPLOY_STORAGE_DIR", "/var/lib/deployd"),
		ContainerPort:    getint("CONTAINER_PORT", 2242),
		PortRangeMin:     getint("PORT_RANGE_MIN", PortRangeMin),
		PortRangeMax:     getint("PORT_RANGE_MAX", PortRangeMax),
		MonitorInterval:  getdur("MONITOR_INTERVAL", 30*time.Second),
		StartTimeout:     getdur("START_TIMEOUT", 10*time.Minute),
		StopGrace:        getdur("STOP_GRACE", 10*time.Second),
		TunnelBin:        getenv("TUNNEL_BIN", "lt"),
		TunnelPolicy:     tunnelPolicy,
		EngineImage:      getenv("ENGINE_IMAGE", "aphrodite-engine:latest"),
		HuggingFaceToken: getenv("HUGGINGFACE_TOKEN", ""),
	}
}

func getenv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getint(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}

func getdur(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}
