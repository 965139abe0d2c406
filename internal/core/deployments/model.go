package deployments

import "time"

// Status is the lifecycle state of a deployment.
type Status string

const (
	StatusPending           Status = "pending"
	StatusContainerStarting Status = "container_starting"
	StatusContainerReady    Status = "container_ready"
	StatusTunnelStarting    Status = "tunnel_starting"
	StatusRunning           Status = "running"
	StatusFailed            Status = "failed"
	StatusStopping          Status = "stopping"
	StatusStopped           Status = "stopped"
)

// Terminal reports whether no further transitions are expected for s.
func (s Status) Terminal() bool {
	return s == StatusStopped
}

// TunnelRef identifies a running tunnel process and its public endpoint.
type TunnelRef struct {
	PID       int    `json:"pid"`
	PublicURL string `json:"public_url"`
	LogPath   string `json:"-"`
}

// Deployment represents one managed model-serving instance: a container
// bound to a dedicated host port, exposed through its own tunnel.
type Deployment struct {
	ID            string    `gorm:"primaryKey" json:"id"`
	ModelID       string    `json:"model_id"`
	UserID        string    `json:"user_id"`
	APIName       string    `json:"api_name"`
	Port          int       `json:"port"` // host port mapped to the container
	ContainerName string    `json:"container_name"`
	ContainerRef  string    `json:"container_ref,omitempty"` // runtime id, empty before start
	TunnelPID     int       `json:"tunnel_pid,omitempty"`
	PublicURL     string    `json:"public_url,omitempty"`
	Status        Status    `json:"status"`
	Directory     string    `json:"-"` // build definition, tunnel log/pid
	LastError     string    `json:"last_error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	LastCheckedAt *time.Time `json:"last_checked_at,omitempty"`
}

// Tunnel returns the tunnel reference recorded on d, zero if none.
func (d *Deployment) Tunnel() TunnelRef {
	return TunnelRef{PID: d.TunnelPID, PublicURL: d.PublicURL}
}

// Request is a deploy request as received from the API layer. RemoteHost,
// RemoteUser and HuggingFaceToken are passed through to the container
// environment and not interpreted further.
type Request struct {
	ModelID          string `json:"model_id"`
	UserID           string `json:"user_id"`
	APIName          string `json:"api_name"`
	HuggingFaceToken string `json:"huggingface_token,omitempty"`
	RemoteHost       string `json:"remote_host,omitempty"`
	RemoteUser       string `json:"remote_user,omitempty"`
}
