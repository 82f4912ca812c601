package agent

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/pilot-net/golden-integrity/agent/internal/metrics"
	"github.com/pilot-net/golden-integrity/pkg/client"
	"github.com/pilot-net/golden-integrity/pkg/types"
)

// runHeartbeat sends a heartbeat immediately and then at every interval.
// It runs independently of the monitoring loop and only reads the state
// snapshot.
func (a *Agent) runHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.Health.HeartbeatInterval)
	defer ticker.Stop()

	for {
		if err := a.sendHeartbeat(ctx); err != nil && ctx.Err() == nil {
			a.logger.Warn("heartbeat failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// sendHeartbeat sends a single heartbeat.
func (a *Agent) sendHeartbeat(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Health.HeartbeatInterval)
	defer cancel()

	_, err := a.client.Heartbeat(ctx, a.buildHeartbeat(ctx))
	if err != nil {
		metrics.HeartbeatsTotal.WithLabelValues("error").Inc()
		if errors.Is(err, client.ErrUnavailable) {
			a.setReachable(false)
		}
		return err
	}
	metrics.HeartbeatsTotal.WithLabelValues("ok").Inc()
	if !a.reachable.Load() {
		a.setReachable(true)
	}
	return nil
}

func (a *Agent) buildHeartbeat(ctx context.Context) types.Heartbeat {
	snap := a.machine.Snapshot()

	return types.Heartbeat{
		AgentID:              a.cfg.Agent.ID,
		Status:               snap.Status(),
		Timestamp:            time.Now().UTC(),
		Hostname:             a.hostname,
		IPAddress:            getIPAddress(),
		ImageID:              a.cfg.Agent.ImageID,
		State:                snap.State,
		ConsecutiveAnomalies: snap.ConsecutiveAnomalies,
		Version:              Version,
		MemoryMB:             residentMB(ctx),
		SpooledAlerts:        a.reporter.Stats().Backlog,
	}
}

// hostIdentity returns the hostname reported in heartbeats.
func hostIdentity(logger *slog.Logger) string {
	info, err := host.Info()
	if err == nil && info.Hostname != "" {
		return info.Hostname
	}
	name, herr := os.Hostname()
	if herr != nil {
		logger.Warn("could not determine hostname", "error", errors.Join(err, herr))
	}
	return name
}

// residentMB returns this process's resident memory in MiB.
func residentMB(ctx context.Context) float64 {
	p, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err != nil {
		return 0
	}
	mem, err := p.MemoryInfoWithContext(ctx)
	if err != nil {
		return 0
	}
	return float64(mem.RSS) / 1024 / 1024
}

// getIPAddress attempts to determine the agent's primary address.
func getIPAddress() string {
	// Try to get from environment first
	if ip := os.Getenv("INTEGRITY_PUBLIC_IP"); ip != "" {
		return ip
	}

	// Try to detect by connecting to a known address
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return ""
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String()
}
